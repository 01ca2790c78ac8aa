package engine

import (
	"context"
	"testing"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/pipeline"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/tests/testutil"
)

func rawMail(msgID, subject, body string) []byte {
	return []byte("From: ada@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + msgID + ">\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" + body)
}

// seedFolder reconciles the fake server's folders and returns the category
// for name.
func seedFolder(t *testing.T, m *store.Mirror, client *testutil.FakeClient, name string) model.Category {
	t.Helper()
	ctx := context.Background()
	if err := ReconcileFolders(ctx, m, client, testLogger()); err != nil {
		t.Fatalf("reconciling folders: %v", err)
	}
	cat, err := m.GetCategoryByName(ctx, name)
	if err != nil {
		t.Fatalf("getting category %s: %v", name, err)
	}
	return *cat
}

func TestReconcileUIDsFullCycle(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	pipe := pipeline.New("acct-1", testLogger())
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 100)
	client.PutMessage("INBOX", 5, rawMail("m5@x", "five", "body five"))
	client.PutMessage("INBOX", 7, rawMail("m7@x", "seven", "body seven"), "\\Seen")

	cat := seedFolder(t, m, client, "INBOX")

	if err := ReconcileUIDs(ctx, m, client, pipe, cat, testLogger()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	uids, err := m.ListUIDs(ctx, cat.ID)
	if err != nil {
		t.Fatalf("listing uids: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("got %d uids, want 2", len(uids))
	}

	// Remote changes: UID 5 gains \Seen, UID 7 disappears, UID 9 is new.
	client.PutMessage("INBOX", 5, rawMail("m5@x", "five", "body five"), "\\Seen")
	delete(client.Folders["INBOX"].Messages, 7)
	client.PutMessage("INBOX", 9, rawMail("m9@x", "nine", "body nine"))

	cat2, err := m.GetCategoryByName(ctx, "INBOX")
	if err != nil {
		t.Fatalf("re-reading category: %v", err)
	}
	if err := ReconcileUIDs(ctx, m, client, pipe, *cat2, testLogger()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	uids, err = m.ListUIDs(ctx, cat.ID)
	if err != nil {
		t.Fatalf("listing uids: %v", err)
	}
	byUID := map[uint32]model.MessageUID{}
	for _, u := range uids {
		byUID[u.RemoteUID] = u
	}
	if len(byUID) != 2 {
		t.Fatalf("got uids %v, want exactly 5 and 9", byUID)
	}
	if got := byUID[5].Flags; len(got) != 1 || got[0] != "\\Seen" {
		t.Errorf("uid 5 flags = %v, want [\\Seen]", got)
	}
	if _, ok := byUID[7]; ok {
		t.Error("removed uid 7 survived")
	}
	nine, ok := byUID[9]
	if !ok {
		t.Fatal("new uid 9 not ingested")
	}
	msg, err := m.GetMessage(ctx, nine.MessageID)
	if err != nil {
		t.Fatalf("reading ingested message: %v", err)
	}
	if msg.Subject != "nine" {
		t.Errorf("ingested subject = %q, want nine", msg.Subject)
	}
}

func TestReconcileUIDsIsIdempotent(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	pipe := pipeline.New("acct-1", testLogger())
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 100)
	client.PutMessage("INBOX", 1, rawMail("m1@x", "one", "body"))

	cat := seedFolder(t, m, client, "INBOX")
	if err := ReconcileUIDs(ctx, m, client, pipe, cat, testLogger()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before, _ := m.LatestCursor(ctx)

	cat2, err := m.GetCategoryByName(ctx, "INBOX")
	if err != nil {
		t.Fatalf("re-reading category: %v", err)
	}
	if err := ReconcileUIDs(ctx, m, client, pipe, *cat2, testLogger()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	after, _ := m.LatestCursor(ctx)
	if after != before {
		t.Errorf("idempotent reconcile wrote %d log rows, want 0", after-before)
	}
}

func TestUIDValidityChangeResyncsKeepingMessages(t *testing.T) {
	m := testutil.NewTestMirror(t, "acct-1")
	pipe := pipeline.New("acct-1", testLogger())
	ctx := context.Background()

	client := testutil.NewFakeClient()
	client.AddFolder("INBOX", 100)
	client.PutMessage("INBOX", 3, rawMail("m3@x", "three", "body"))

	cat := seedFolder(t, m, client, "INBOX")
	if err := ReconcileUIDs(ctx, m, client, pipe, cat, testLogger()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	uids, _ := m.ListUIDs(ctx, cat.ID)
	if len(uids) != 1 {
		t.Fatalf("got %d uids, want 1", len(uids))
	}
	messageID := uids[0].MessageID

	// Server renumbers: same message now lives at UID 1 under validity 200.
	client.Folders["INBOX"].UIDValidity = 200
	delete(client.Folders["INBOX"].Messages, 3)
	client.PutMessage("INBOX", 1, rawMail("m3@x", "three", "body"))

	cat2, err := m.GetCategoryByName(ctx, "INBOX")
	if err != nil {
		t.Fatalf("re-reading category: %v", err)
	}
	if err := ReconcileUIDs(ctx, m, client, pipe, *cat2, testLogger()); err != nil {
		t.Fatalf("recovery reconcile: %v", err)
	}

	uids, _ = m.ListUIDs(ctx, cat.ID)
	if len(uids) != 1 || uids[0].RemoteUID != 1 {
		t.Fatalf("got uids %v, want single uid 1", uids)
	}
	if uids[0].MessageID != messageID {
		t.Errorf("message re-created across uid validity change; id %s vs %s", uids[0].MessageID, messageID)
	}
}
