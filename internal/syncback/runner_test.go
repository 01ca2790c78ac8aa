package syncback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/tests/testutil"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newTestRunner(t *testing.T, m *store.Mirror, client remote.Client) *Runner {
	t.Helper()
	r := NewRunner(m, client, testLogger())
	r.sleep = noSleep
	return r
}

// seedMessage gives the mirror one message visible in one folder.
func seedMessage(t *testing.T, m *store.Mirror, catID, catName, msgID string, uid uint32, flags ...string) {
	t.Helper()
	err := m.WithTx(context.Background(), func(tx *store.Tx) error {
		if err := tx.CreateCategory(model.Category{ID: catID, Name: catName}); err != nil {
			return err
		}
		if err := tx.UpsertThread(model.Thread{ID: "t-" + msgID}); err != nil {
			return err
		}
		if err := tx.InsertMessage(model.Message{ID: msgID, ThreadID: "t-" + msgID}); err != nil {
			return err
		}
		return tx.InsertMessageUID(model.MessageUID{CategoryID: catID, MessageID: msgID, RemoteUID: uid, Flags: flags})
	})
	if err != nil {
		t.Fatalf("seeding message: %v", err)
	}
}

func enqueue(t *testing.T, m *store.Mirror, id, reqType string, props any) {
	t.Helper()
	raw, err := json.Marshal(props)
	if err != nil {
		t.Fatalf("marshaling props: %v", err)
	}
	err = m.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.CreateSyncbackRequest(model.SyncbackRequest{ID: id, Type: reqType, Props: raw})
	})
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
}

// markInFlight simulates a crashed process: the request was started but
// never reached a terminal status.
func markInFlight(t *testing.T, m *store.Mirror, id string, status model.SyncbackStatus, attempts int) {
	t.Helper()
	req, err := m.GetSyncbackRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	req.Status = status
	req.Attempts = attempts
	err = m.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.UpdateSyncbackRequest(*req)
	})
	if err != nil {
		t.Fatalf("marking request in flight: %v", err)
	}
}

func TestDrainSuccessCommitsLocally(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.PutMessage("INBOX", 5, []byte("raw"))

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeSetMessageFlags, flagProps{MessageID: "msg-1", Add: []string{"\\Seen"}})

	affects, err := newTestRunner(t, m, client).Drain(ctx)
	if err != nil {
		t.Fatalf("draining: %v", err)
	}
	if affects {
		t.Error("flag change reported as affecting uids")
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", req.Status)
	}
	if req.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", req.Attempts)
	}

	// Both sides now carry the flag.
	if got := client.Folders["INBOX"].Messages[5].Flags; len(got) != 1 || got[0] != "\\Seen" {
		t.Errorf("remote flags = %v, want [\\Seen]", got)
	}
	uids, _ := m.ListUIDs(ctx, "cat-1")
	if len(uids) != 1 || len(uids[0].Flags) != 1 || uids[0].Flags[0] != "\\Seen" {
		t.Errorf("local flags = %v, want [\\Seen]", uids)
	}
}

func TestRetryableFailureExhaustsAttempts(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.Err = &remote.RetryableError{Op: "store", Err: context.DeadlineExceeded}

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeSetMessageFlags, flagProps{MessageID: "msg-1", Add: []string{"\\Seen"}})

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackFailed {
		t.Fatalf("status = %s, want FAILED", req.Status)
	}
	if req.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", req.Attempts)
	}
	if req.Error == "" {
		t.Error("failed request carries no error")
	}

	// The local mirror reflects nothing the server never accepted.
	uids, _ := m.ListUIDs(ctx, "cat-1")
	if len(uids) != 1 || len(uids[0].Flags) != 0 {
		t.Errorf("local flags mutated on failure: %v", uids)
	}
}

func TestNonRetryableTaskFailsImmediately(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.Err = &remote.RetryableError{Op: "move", Err: context.DeadlineExceeded}

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeMoveMessage, moveProps{MessageID: "msg-1", TargetFolder: "Archive"})

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackFailed {
		t.Fatalf("status = %s, want FAILED", req.Status)
	}
	if req.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (moves are not retried)", req.Attempts)
	}
}

func TestMoveAffectsUIDs(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.AddFolder("Archive", 1)
	client.PutMessage("INBOX", 5, []byte("raw"))

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeMoveMessage, moveProps{MessageID: "msg-1", TargetFolder: "Archive"})

	affects, err := newTestRunner(t, m, client).Drain(ctx)
	if err != nil {
		t.Fatalf("draining: %v", err)
	}
	if !affects {
		t.Error("move did not report affecting uids")
	}

	// Old join row gone; re-reconciliation will discover the new uid.
	uids, _ := m.ListUIDs(ctx, "cat-1")
	if len(uids) != 0 {
		t.Errorf("stale uid rows after move: %v", uids)
	}
	if len(client.Folders["Archive"].Messages) != 1 {
		t.Error("message not moved on the fake server")
	}
}

func TestInterruptedRetryableRequestResumes(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.PutMessage("INBOX", 5, []byte("raw"))

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeSetMessageFlags, flagProps{MessageID: "msg-1", Add: []string{"\\Seen"}})
	markInFlight(t, m, "req-1", model.SyncbackInProgressRetryable, 1)

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", req.Status)
	}
	if req.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one before the crash)", req.Attempts)
	}
	if got := client.Folders["INBOX"].Messages[5].Flags; len(got) != 1 || got[0] != "\\Seen" {
		t.Errorf("remote flags = %v, want [\\Seen]", got)
	}
}

func TestInterruptedNonRetryableRequestFails(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.AddFolder("Archive", 1)
	client.PutMessage("INBOX", 5, []byte("raw"))

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeMoveMessage, moveProps{MessageID: "msg-1", TargetFolder: "Archive"})
	markInFlight(t, m, "req-1", model.SyncbackInProgressNoRetryable, 1)

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackFailed {
		t.Fatalf("status = %s, want FAILED", req.Status)
	}
	if req.Error == "" {
		t.Error("abandoned request carries no error")
	}
	// The move must not re-run: the server may already have applied it.
	if len(client.Calls) != 0 {
		t.Errorf("abandoned request reached the remote: %v", client.Calls)
	}
}

func TestInterruptedRequestWithNoAttemptsLeftFails(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 1)
	client.PutMessage("INBOX", 5, []byte("raw"))

	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeSetMessageFlags, flagProps{MessageID: "msg-1", Add: []string{"\\Seen"}})
	markInFlight(t, m, "req-1", model.SyncbackInProgressRetryable, 3)

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, err := m.GetSyncbackRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	if req.Status != model.SyncbackFailed {
		t.Fatalf("status = %s, want FAILED", req.Status)
	}
	if req.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 untouched", req.Attempts)
	}
	if len(client.Calls) != 0 {
		t.Errorf("exhausted request reached the remote: %v", client.Calls)
	}
}

func TestCancelledRequestIsSkipped(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	client := testutil.NewFakeClient()
	seedMessage(t, m, "cat-1", "INBOX", "msg-1", 5)
	enqueue(t, m, "req-1", TypeSetMessageFlags, flagProps{MessageID: "msg-1", Add: []string{"\\Seen"}})

	err := m.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CancelSyncbackRequest("req-1")
	})
	if err != nil {
		t.Fatalf("cancelling: %v", err)
	}

	if _, err := newTestRunner(t, m, client).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}

	req, _ := m.GetSyncbackRequest(ctx, "req-1")
	if req.Status != model.SyncbackCancelled {
		t.Errorf("status = %s, want CANCELLED untouched", req.Status)
	}
	if len(client.Calls) != 0 {
		t.Errorf("cancelled request reached the remote: %v", client.Calls)
	}
}

func TestMalformedRequestFails(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateSyncbackRequest(model.SyncbackRequest{
			ID: "req-1", Type: "FoldSpacetime", Props: json.RawMessage(`{}`),
		})
	})
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	if _, err := newTestRunner(t, m, testutil.NewFakeClient()).Drain(ctx); err != nil {
		t.Fatalf("draining: %v", err)
	}
	req, _ := m.GetSyncbackRequest(ctx, "req-1")
	if req.Status != model.SyncbackFailed {
		t.Errorf("status = %s, want FAILED", req.Status)
	}
}
