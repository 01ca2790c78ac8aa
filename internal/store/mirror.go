package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Mirror is the isolated relational mirror of one account's mailbox state.
// Every write path goes through WithTx, which records Transaction log rows
// for watched-table mutations inside the same SQL transaction, so the delta
// feed never observes a mutation without its log entry (or vice versa).
type Mirror struct {
	db        *sqlx.DB
	accountID string

	commitMu sync.Mutex
	commitCh chan struct{} // closed and replaced on every commit
}

// OpenMirror opens (or creates) the mirror database at dbPath, enables WAL
// mode and foreign keys, and runs any pending schema migrations.
// Use ":memory:" for tests.
func OpenMirror(dbPath, accountID string) (*Mirror, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening mirror db: %w", err)
	}

	// A single writer keeps modernc.org/sqlite happy under concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	m := &Mirror{
		db:        db,
		accountID: accountID,
		commitCh:  make(chan struct{}),
	}
	if err := runMigrations(db, mirrorMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("running mirror migrations: %w", err)
	}

	return m, nil
}

// AccountID returns the account this mirror belongs to.
func (m *Mirror) AccountID() string { return m.accountID }

// Close closes the underlying database connection.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// WithTx runs fn inside one SQL transaction. If fn returns an error the
// transaction rolls back and no partial mutation survives. On commit,
// waiters on CommitSignal are woken.
func (m *Mirror) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	tx := &Tx{ctx: ctx, tx: sqlTx, accountID: m.accountID}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	m.notifyCommit()
	return nil
}

func (m *Mirror) notifyCommit() {
	m.commitMu.Lock()
	close(m.commitCh)
	m.commitCh = make(chan struct{})
	m.commitMu.Unlock()
}

// CommitSignal returns a channel that is closed on the next commit. Callers
// re-arm by calling CommitSignal again after the channel closes.
func (m *Mirror) CommitSignal() <-chan struct{} {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.commitCh
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func runMigrations(db *sqlx.DB, migrations []migration) error {
	currentVersion := 0

	var tableCount int
	err := db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}
