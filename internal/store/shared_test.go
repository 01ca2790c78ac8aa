package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/tests/testutil"
)

func newAccount(id, email string) *model.Account {
	return &model.Account{
		ID:         id,
		Email:      email,
		IMAPHost:   "imap.example.com",
		IMAPPort:   "993",
		TLS:        true,
		SyncPolicy: model.DefaultSyncPolicy(),
	}
}

func TestAccountRoundTrip(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newAccount("a1", "ada@example.com")); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	got, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("getting account: %v", err)
	}
	if got.Email != "ada@example.com" || !got.TLS {
		t.Errorf("got %q tls=%v, want ada@example.com tls=true", got.Email, got.TLS)
	}
	if got.SyncPolicy.Intervals.Active != 30 {
		t.Errorf("active interval = %d, want 30", got.SyncPolicy.Intervals.Active)
	}

	if _, err := s.GetAccount(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got err %v for unknown account, want ErrNotFound", err)
	}
}

func TestClaimAccountsIsExclusive(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := s.CreateAccount(ctx, newAccount(id, id+"@example.com")); err != nil {
			t.Fatalf("creating account: %v", err)
		}
	}

	first, err := s.ClaimAccounts(ctx, "worker-1", 2)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("worker-1 claimed %d accounts, want 2", len(first))
	}

	second, err := s.ClaimAccounts(ctx, "worker-2", 5)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("worker-2 claimed %d accounts, want the 1 remaining", len(second))
	}
	for _, id := range second {
		for _, other := range first {
			if id == other {
				t.Errorf("account %s claimed by both workers", id)
			}
		}
	}
}

func TestReleaseMakesAccountClaimable(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newAccount("a1", "a1@example.com")); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	if _, err := s.ClaimAccounts(ctx, "worker-1", 1); err != nil {
		t.Fatalf("claiming: %v", err)
	}
	if err := s.ReleaseAll(ctx, "worker-1"); err != nil {
		t.Fatalf("releasing: %v", err)
	}

	claimed, err := s.ClaimAccounts(ctx, "worker-2", 1)
	if err != nil {
		t.Fatalf("reclaiming: %v", err)
	}
	if len(claimed) != 1 {
		t.Errorf("released account not claimable, got %d claims", len(claimed))
	}
}

func TestSyncCompletionWindowRolls(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newAccount("a1", "a1@example.com")); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	now := time.Now()
	old := now.Add(-45 * time.Minute)
	recent := now.Add(-5 * time.Minute)
	for _, at := range []time.Time{old, recent, now} {
		if err := s.RecordSyncCompletion(ctx, "a1", at); err != nil {
			t.Fatalf("recording completion: %v", err)
		}
	}

	acct, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("getting account: %v", err)
	}
	if len(acct.LastSyncCompletions) != 2 {
		t.Fatalf("got %d completions, want 2 (45m-old entry dropped)", len(acct.LastSyncCompletions))
	}
	if !acct.LastSyncCompletions[0].Equal(now.UTC()) {
		t.Errorf("newest completion = %v, want %v", acct.LastSyncCompletions[0], now.UTC())
	}
}

func TestActiveWindow(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	if err := s.CreateAccount(ctx, newAccount("a1", "a1@example.com")); err != nil {
		t.Fatalf("creating account: %v", err)
	}

	now := time.Now()
	active, err := s.IsAccountActive(ctx, "a1", now)
	if err != nil {
		t.Fatalf("checking active: %v", err)
	}
	if active {
		t.Error("account active before being marked")
	}

	if err := s.MarkAccountActive(ctx, "a1", now.Add(5*time.Minute)); err != nil {
		t.Fatalf("marking active: %v", err)
	}
	active, err = s.IsAccountActive(ctx, "a1", now)
	if err != nil {
		t.Fatalf("checking active: %v", err)
	}
	if !active {
		t.Error("account not active inside window")
	}
	active, err = s.IsAccountActive(ctx, "a1", now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("checking active: %v", err)
	}
	if active {
		t.Error("account still active after window closed")
	}
}

func TestUpdateSyncPolicy(t *testing.T) {
	s := testutil.NewTestShared(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		if err := s.CreateAccount(ctx, newAccount(id, id+"@example.com")); err != nil {
			t.Fatalf("creating account: %v", err)
		}
	}

	policy := model.SyncPolicy{
		Intervals:         model.SyncIntervals{Active: 10, Inactive: 60},
		FolderSyncOptions: model.FolderSyncOptions{DeepFolderScan: 120},
	}
	if err := s.UpdateSyncPolicy(ctx, "a1", policy); err != nil {
		t.Fatalf("updating policy: %v", err)
	}

	a1, _ := s.GetAccount(ctx, "a1")
	a2, _ := s.GetAccount(ctx, "a2")
	if a1.SyncPolicy.Intervals.Active != 10 {
		t.Errorf("a1 active interval = %d, want 10", a1.SyncPolicy.Intervals.Active)
	}
	if a2.SyncPolicy.Intervals.Active != 30 {
		t.Errorf("a2 active interval = %d, want untouched 30", a2.SyncPolicy.Intervals.Active)
	}

	if err := s.UpdateAllSyncPolicies(ctx, policy); err != nil {
		t.Fatalf("updating all policies: %v", err)
	}
	a2, _ = s.GetAccount(ctx, "a2")
	if a2.SyncPolicy.Intervals.Active != 10 {
		t.Errorf("a2 active interval after batch = %d, want 10", a2.SyncPolicy.Intervals.Active)
	}
}
