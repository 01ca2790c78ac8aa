package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/api"
	"github.com/nhle/mailmirror/internal/engine"
	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/tests/testutil"
)

// memCreds is an in-memory credential store.
type memCreds struct{ secrets map[string]string }

func (c *memCreds) Set(key, value string) error { c.secrets[key] = value; return nil }
func (c *memCreds) Delete(key string) error     { delete(c.secrets, key); return nil }

func newTestServer(t *testing.T) (*api.Server, *store.Shared, *memCreds) {
	t.Helper()
	shared := testutil.NewTestShared(t)
	mirrors := store.NewMirrors(t.TempDir())
	t.Cleanup(func() { mirrors.Close() })

	pool := remote.NewPool(func(accountID string) (remote.Client, error) {
		return testutil.NewFakeClient(), nil
	}, 100)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	scheduler := engine.NewScheduler(shared, mirrors, pool, 1, logger)
	creds := &memCreds{secrets: make(map[string]string)}

	return api.NewServer(shared, mirrors, scheduler, creds, logger), shared, creds
}

func seedAccount(t *testing.T, shared *store.Shared) {
	t.Helper()
	err := shared.CreateAccount(context.Background(), &model.Account{
		ID:         "a1",
		Email:      "ada@example.com",
		IMAPHost:   "imap.example.com",
		IMAPPort:   "993",
		TLS:        true,
		SyncPolicy: model.DefaultSyncPolicy(),
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}
}

func do(t *testing.T, s *api.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSyncPolicyRoundTrip(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	w := do(t, s, http.MethodGet, "/accounts/a1/sync-policy", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get policy: %d %s", w.Code, w.Body.String())
	}
	var policy model.SyncPolicy
	if err := json.Unmarshal(w.Body.Bytes(), &policy); err != nil {
		t.Fatalf("decoding policy: %v", err)
	}
	if policy.Intervals.Active != 30 {
		t.Errorf("active interval = %d, want default 30", policy.Intervals.Active)
	}

	w = do(t, s, http.MethodPut, "/accounts/a1/sync-policy",
		`{"intervals":{"active":10,"inactive":120},"folderSyncOptions":{"deepFolderScan":300}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put policy: %d %s", w.Code, w.Body.String())
	}

	acct, err := shared.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.SyncPolicy.Intervals.Active != 10 {
		t.Errorf("stored active interval = %d, want 10", acct.SyncPolicy.Intervals.Active)
	}
}

func TestUnknownAccountIs404(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{
		"/accounts/ghost",
		"/accounts/ghost/sync-policy",
		"/accounts/ghost/delta/latest",
	} {
		if w := do(t, s, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}

func TestSyncbackLifecycleOverHTTP(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	w := do(t, s, http.MethodPost, "/accounts/a1/syncback",
		`{"type":"MarkThreadRead","props":{"threadId":"t-1"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("create syncback: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.Status != string(model.SyncbackNew) {
		t.Errorf("status = %s, want NEW", created.Status)
	}

	w = do(t, s, http.MethodGet, "/accounts/a1/syncback/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get syncback: %d %s", w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/accounts/a1/syncback/"+created.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel syncback: %d %s", w.Code, w.Body.String())
	}

	// Second cancel hits a terminal request.
	w = do(t, s, http.MethodPost, "/accounts/a1/syncback/"+created.ID+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("double cancel = %d, want 409", w.Code)
	}
}

func TestSyncbackRejectsUnknownType(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	w := do(t, s, http.MethodPost, "/accounts/a1/syncback",
		`{"type":"FoldSpacetime","props":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", w.Code)
	}
}

func TestDeltaLatestStartsAtZero(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	w := do(t, s, http.MethodGet, "/accounts/a1/delta/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("delta latest: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Cursor int64 `json:"cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Cursor != 0 {
		t.Errorf("cursor = %d, want 0 for fresh mirror", body.Cursor)
	}
}

func TestMarkActive(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	w := do(t, s, http.MethodPost, "/accounts/a1/active", `{"seconds":60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mark active: %d %s", w.Code, w.Body.String())
	}
}

func TestCreateAndDeleteAccount(t *testing.T) {
	s, shared, creds := newTestServer(t)

	w := do(t, s, http.MethodPost, "/accounts",
		`{"email":"grace@example.com","imapHost":"imap.example.com","password":"s3cret"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", w.Code, w.Body.String())
	}
	var acct model.Account
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decoding account: %v", err)
	}
	if acct.IMAPPort != "993" || !acct.TLS {
		t.Errorf("defaults not applied: port=%s tls=%v", acct.IMAPPort, acct.TLS)
	}
	if creds.secrets["grace@example.com"] != "s3cret" {
		t.Error("password not stored under the credential key")
	}

	w = do(t, s, http.MethodDelete, "/accounts/"+acct.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete account: %d %s", w.Code, w.Body.String())
	}
	if _, err := shared.GetAccount(context.Background(), acct.ID); err == nil {
		t.Error("account survived deletion")
	}
	if _, ok := creds.secrets["grace@example.com"]; ok {
		t.Error("credential survived account deletion")
	}
}

func TestStatusListsAssignments(t *testing.T) {
	s, shared, _ := newTestServer(t)
	seedAccount(t, shared)

	readStatus := func() (string, []string) {
		w := do(t, s, http.MethodGet, "/status", "")
		if w.Code != http.StatusOK {
			t.Fatalf("get status: %d %s", w.Code, w.Body.String())
		}
		var body struct {
			Worker   string   `json:"worker"`
			Accounts []string `json:"accounts"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		return body.Worker, body.Accounts
	}

	worker, accounts := readStatus()
	if worker == "" {
		t.Fatal("status reports no worker id")
	}
	if len(accounts) != 0 {
		t.Fatalf("fresh worker already holds accounts: %v", accounts)
	}

	claimed, err := shared.ClaimAccounts(context.Background(), worker, 1)
	if err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d accounts, want 1", len(claimed))
	}

	if _, accounts = readStatus(); len(accounts) != 1 || accounts[0] != "a1" {
		t.Errorf("status accounts = %v, want [a1]", accounts)
	}
}
