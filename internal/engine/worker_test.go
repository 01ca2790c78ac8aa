package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/internal/syncback"
	"github.com/nhle/mailmirror/tests/testutil"
)

func newTestWorker(t *testing.T, shared *store.Shared, m *store.Mirror, client remote.Client) *Worker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	pool := remote.NewPool(func(accountID string) (remote.Client, error) {
		return client, nil
	}, 100)
	return NewWorker("acct-1", shared, m, pool, logger)
}

func seedWorkerAccount(t *testing.T, shared *store.Shared) {
	t.Helper()
	err := shared.CreateAccount(context.Background(), &model.Account{
		ID:         "acct-1",
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

func TestWorkerPassSyncsAndClearsError(t *testing.T) {
	shared := testutil.NewTestShared(t)
	seedWorkerAccount(t, shared)
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 100)
	client.PutMessage("INBOX", 5, rawMail("m5@x", "five", "body five"))

	if err := shared.SetSyncError(ctx, "acct-1", `{"message":"stale"}`); err != nil {
		t.Fatalf("seeding sync error: %v", err)
	}

	w := newTestWorker(t, shared, m, client)
	if err := w.pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	cat, err := m.GetCategoryByName(ctx, "INBOX")
	if err != nil {
		t.Fatalf("inbox category missing after pass: %v", err)
	}
	if cat.Role != model.RoleInbox {
		t.Errorf("inbox role = %q, want inbox", cat.Role)
	}
	uids, err := m.ListUIDs(ctx, cat.ID)
	if err != nil {
		t.Fatalf("listing uids: %v", err)
	}
	if len(uids) != 1 || uids[0].RemoteUID != 5 {
		t.Errorf("uids after pass = %v, want single uid 5", uids)
	}

	acct, err := shared.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("reading account: %v", err)
	}
	if acct.SyncError != "" {
		t.Errorf("sync error not cleared by pass: %s", acct.SyncError)
	}
}

func TestWorkerPassDrainsQueueBeforeReconciling(t *testing.T) {
	shared := testutil.NewTestShared(t)
	seedWorkerAccount(t, shared)
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 100)
	client.PutMessage("INBOX", 5, rawMail("m5@x", "five", "body five"))

	w := newTestWorker(t, shared, m, client)
	if err := w.pass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	cat, err := m.GetCategoryByName(ctx, "INBOX")
	if err != nil {
		t.Fatalf("reading category: %v", err)
	}
	uids, err := m.ListUIDs(ctx, cat.ID)
	if err != nil || len(uids) != 1 {
		t.Fatalf("uids after first pass = %v (%v), want 1", uids, err)
	}

	props, err := json.Marshal(map[string]any{
		"messageId": uids[0].MessageID,
		"add":       []string{"\\Seen"},
	})
	if err != nil {
		t.Fatalf("marshaling props: %v", err)
	}
	err = m.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSyncbackRequest(model.SyncbackRequest{
			ID: "req-1", Type: syncback.TypeSetMessageFlags, Props: props,
		})
	})
	if err != nil {
		t.Fatalf("enqueueing syncback: %v", err)
	}

	client.Calls = nil
	if err := w.pass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackSucceeded {
		t.Fatalf("request status = %s, want SUCCEEDED", req.Status)
	}

	// The queued flag change reached the server before reconciliation
	// started reading remote state.
	flagsAt, listAt := -1, -1
	for i, call := range client.Calls {
		switch {
		case call == "AddFlags" && flagsAt == -1:
			flagsAt = i
		case call == "ListMailboxes" && listAt == -1:
			listAt = i
		}
	}
	if flagsAt == -1 || listAt == -1 || flagsAt > listAt {
		t.Errorf("drain did not precede reconciliation: %v", client.Calls)
	}
}

func TestWorkerPassOrdersFoldersByRole(t *testing.T) {
	shared := testutil.NewTestShared(t)
	seedWorkerAccount(t, shared)
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("Trash", 1, "\\Trash")
	client.AddFolder("INBOX", 1)
	client.AddFolder("[Gmail]/Sent Mail", 1, "\\Sent")

	w := newTestWorker(t, shared, m, client)
	if err := w.pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	var order []string
	for _, call := range client.Calls {
		if name, ok := strings.CutPrefix(call, "FetchUIDAttrs "); ok {
			order = append(order, name)
		}
	}
	want := []string{"INBOX", "[Gmail]/Sent Mail", "Trash"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("folder sync order mismatch (-want +got):\n%s", diff)
	}
}
