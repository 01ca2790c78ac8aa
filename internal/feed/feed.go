package feed

import (
	"context"
	"time"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/store"
)

// Feed exposes one account's committed change log as a gap-free,
// strictly-ordered delta stream. Cursors are transaction ids; a consumer
// that replays from its last cursor sees every change exactly once.
type Feed struct {
	mirror *store.Mirror
}

func New(mirror *store.Mirror) *Feed {
	return &Feed{mirror: mirror}
}

// Latest returns the newest committed cursor, or 0 for an empty log.
// A consumer that wants only future changes starts here.
func (f *Feed) Latest(ctx context.Context) (int64, error) {
	return f.mirror.LatestCursor(ctx)
}

// CursorAt resolves a wall-clock time to a cursor, for consumers that
// know when they last synced but not where.
func (f *Feed) CursorAt(ctx context.Context, since time.Time) (int64, error) {
	return f.mirror.CursorSince(ctx, since)
}

// Since returns up to limit deltas after cursor without blocking.
func (f *Feed) Since(ctx context.Context, cursor int64, limit int) ([]model.Transaction, error) {
	return f.mirror.TransactionsSince(ctx, cursor, limit)
}

// Next returns deltas after cursor, blocking until at least one exists or
// ctx ends. The commit signal is captured before the read, so a commit
// landing between the read and the wait is never missed.
func (f *Feed) Next(ctx context.Context, cursor int64, limit int) ([]model.Transaction, error) {
	for {
		signal := f.mirror.CommitSignal()

		txns, err := f.mirror.TransactionsSince(ctx, cursor, limit)
		if err != nil {
			return nil, err
		}
		if len(txns) > 0 {
			return txns, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}
