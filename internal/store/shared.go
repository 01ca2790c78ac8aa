package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailmirror/internal/model"
)

// completionWindow bounds how far back sync completion timestamps are kept
// on the account row.
const completionWindow = 30 * time.Minute

// staleClaimAfter is how long a worker may miss heartbeats before its
// account claims become reclaimable.
const staleClaimAfter = 30 * time.Second

// Shared is the cross-account database: account rows and worker
// assignments. Mirror data lives in per-account databases.
type Shared struct {
	db *sqlx.DB
}

// OpenShared opens (creating if necessary) the shared database at dbPath.
func OpenShared(dbPath string) (*Shared, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening shared database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, sharedMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return &Shared{db: db}, nil
}

// Close closes the underlying database.
func (s *Shared) Close() error {
	return s.db.Close()
}

// CreateAccount inserts a new account row. The id must be unique.
func (s *Shared) CreateAccount(ctx context.Context, acct *model.Account) error {
	policy, err := json.Marshal(acct.SyncPolicy)
	if err != nil {
		return fmt.Errorf("marshaling sync policy: %w", err)
	}
	completions, err := json.Marshal(acct.LastSyncCompletions)
	if err != nil {
		return fmt.Errorf("marshaling sync completions: %w", err)
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, imap_host, imap_port, tls, credential_key,
			sync_policy, sync_error, last_sync_completions, active_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		acct.ID, acct.Email, acct.IMAPHost, acct.IMAPPort, acct.TLS, acct.CredentialKey,
		string(policy), acct.SyncError, string(completions), acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating account %s: %w", acct.Email, err)
	}
	return nil
}

// GetAccount returns one account, or ErrNotFound.
func (s *Shared) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowxContext(ctx, accountColumns+" FROM accounts WHERE id = ?", id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListAccounts returns every account, ordered by email.
func (s *Shared) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, accountColumns+" FROM accounts ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	return accts, rows.Err()
}

// DeleteAccount removes the account row and its assignment, then deletes
// the mirror database files at mirrorPath. The mirror removal runs after
// the row is gone so a crash leaves at worst an orphaned file, never a
// dangling account.
func (s *Shared) DeleteAccount(ctx context.Context, id, mirrorPath string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	if mirrorPath != "" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(mirrorPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing mirror database: %w", err)
			}
		}
	}
	return nil
}

// UpdateSyncPolicy replaces one account's policy document.
func (s *Shared) UpdateSyncPolicy(ctx context.Context, id string, policy model.SyncPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshaling sync policy: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET sync_policy = ?, updated_at = ? WHERE id = ?",
		string(raw), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating sync policy of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateAllSyncPolicies replaces the policy document on every account.
func (s *Shared) UpdateAllSyncPolicies(ctx context.Context, policy model.SyncPolicy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshaling sync policy: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE accounts SET sync_policy = ?, updated_at = ?",
		string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating sync policies: %w", err)
	}
	return nil
}

// SetSyncError records a fatal sync error payload on the account.
func (s *Shared) SetSyncError(ctx context.Context, id, errJSON string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET sync_error = ?, updated_at = ? WHERE id = ?",
		errJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording sync error of %s: %w", id, err)
	}
	return nil
}

// ClearSyncError clears a previously recorded sync error.
func (s *Shared) ClearSyncError(ctx context.Context, id string) error {
	return s.SetSyncError(ctx, id, "")
}

// RecordSyncCompletion appends a completed-pass timestamp and drops entries
// older than the rolling window.
func (s *Shared) RecordSyncCompletion(ctx context.Context, id string, at time.Time) error {
	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	cutoff := at.Add(-completionWindow)
	kept := []time.Time{at.UTC()}
	for _, t := range acct.LastSyncCompletions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshaling sync completions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE accounts SET last_sync_completions = ?, updated_at = ? WHERE id = ?",
		string(raw), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("recording sync completion of %s: %w", id, err)
	}
	return nil
}

// MarkAccountActive flags the account as recently interacted with until
// the given time, so the scheduler polls it at the active interval.
func (s *Shared) MarkAccountActive(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET active_until = ? WHERE id = ?",
		until.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("marking account %s active: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// IsAccountActive reports whether the active window is still open.
func (s *Shared) IsAccountActive(ctx context.Context, id string, now time.Time) (bool, error) {
	var until sql.NullTime
	err := s.db.GetContext(ctx, &until, "SELECT active_until FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("reading active window of %s: %w", id, err)
	}
	return until.Valid && until.Time.After(now), nil
}

// === Worker assignments ===

// ClaimAccounts atomically claims up to n unassigned (or stale-assigned)
// accounts for workerID and returns the claimed ids.
func (s *Shared) ClaimAccounts(ctx context.Context, workerID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-staleClaimAfter)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	// Drop stale claims first so their accounts become claimable below.
	_, err = tx.ExecContext(ctx,
		"DELETE FROM assignments WHERE heartbeat_at < ? AND worker_id != ?",
		staleBefore, workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaiming stale assignments: %w", err)
	}

	var candidates []string
	err = tx.SelectContext(ctx, &candidates, `
		SELECT a.id FROM accounts a
		LEFT JOIN assignments s ON s.account_id = a.id
		WHERE s.account_id IS NULL
		ORDER BY a.created_at LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("finding claimable accounts: %w", err)
	}

	for _, id := range candidates {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO assignments (account_id, worker_id, claimed_at, heartbeat_at) VALUES (?, ?, ?, ?)",
			id, workerID, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("claiming account %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claims: %w", err)
	}
	return candidates, nil
}

// Heartbeat refreshes every claim held by workerID.
func (s *Shared) Heartbeat(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE assignments SET heartbeat_at = ? WHERE worker_id = ?",
		time.Now().UTC(), workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeating claims of %s: %w", workerID, err)
	}
	return nil
}

// ListAssigned returns the account ids currently claimed by workerID.
func (s *Shared) ListAssigned(ctx context.Context, workerID string) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT account_id FROM assignments WHERE worker_id = ? ORDER BY claimed_at", workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing claims of %s: %w", workerID, err)
	}
	return ids, nil
}

// ReleaseAccount gives up one claim.
func (s *Shared) ReleaseAccount(ctx context.Context, workerID, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM assignments WHERE account_id = ? AND worker_id = ?",
		accountID, workerID,
	)
	if err != nil {
		return fmt.Errorf("releasing account %s: %w", accountID, err)
	}
	return nil
}

// ReleaseAll gives up every claim held by workerID, for clean shutdown.
func (s *Shared) ReleaseAll(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM assignments WHERE worker_id = ?", workerID)
	if err != nil {
		return fmt.Errorf("releasing claims of %s: %w", workerID, err)
	}
	return nil
}

const accountColumns = `SELECT id, email, imap_host, imap_port, tls, credential_key,
	sync_policy, sync_error, last_sync_completions, created_at, updated_at`

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		acct                    model.Account
		rawPolicy, rawComplete  string
	)
	err := row.Scan(
		&acct.ID, &acct.Email, &acct.IMAPHost, &acct.IMAPPort, &acct.TLS, &acct.CredentialKey,
		&rawPolicy, &acct.SyncError, &rawComplete, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, err
	}
	if rawPolicy != "" {
		if err := json.Unmarshal([]byte(rawPolicy), &acct.SyncPolicy); err != nil {
			return model.Account{}, fmt.Errorf("unmarshaling sync policy: %w", err)
		}
	} else {
		acct.SyncPolicy = model.DefaultSyncPolicy()
	}
	if rawComplete != "" {
		if err := json.Unmarshal([]byte(rawComplete), &acct.LastSyncCompletions); err != nil {
			return model.Account{}, fmt.Errorf("unmarshaling sync completions: %w", err)
		}
	}
	return acct, nil
}
