package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/pipeline"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
	"github.com/nhle/mailmirror/internal/syncback"
)

// rolePriority orders folders within a pass: the folders users look at
// first sync first.
var rolePriority = map[model.CategoryRole]int{
	model.RoleInbox:  0,
	model.RoleAll:    1,
	model.RoleDrafts: 2,
	model.RoleSent:   3,
	model.RoleSpam:   4,
	model.RoleJunk:   4,
	model.RoleTrash:  5,
}

const otherRolePriority = 6

// Worker owns the sync loop of one claimed account. It runs until its
// context is cancelled, pacing itself by the account's sync policy.
type Worker struct {
	accountID string
	shared    *store.Shared
	mirror    *store.Mirror
	pool      *remote.Pool
	pipe      *pipeline.Pipeline
	logger    *logrus.Entry
}

func NewWorker(accountID string, shared *store.Shared, mirror *store.Mirror, pool *remote.Pool, logger *logrus.Logger) *Worker {
	entry := logger.WithField("account", accountID)
	return &Worker{
		accountID: accountID,
		shared:    shared,
		mirror:    mirror,
		pool:      pool,
		pipe:      pipeline.New(accountID, entry),
		logger:    entry,
	}
}

// Run loops sync passes until ctx is cancelled. Transient pass failures
// are logged and retried on the next tick; permanent ones are recorded on
// the account and the loop keeps going, since a later pass may find the
// problem fixed (password rotated back, folder restored).
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	for {
		started := time.Now()
		err := w.pass(ctx)
		switch {
		case err == nil:
			if err := w.shared.RecordSyncCompletion(ctx, w.accountID, time.Now()); err != nil {
				w.logger.WithError(err).Warn("recording sync completion")
			}
			w.logger.WithField("took", time.Since(started).Round(time.Millisecond)).Debug("sync pass complete")
		case errors.Is(err, context.Canceled):
			return err
		case remote.IsPermanent(err):
			w.logger.WithError(err).Error("sync pass hit permanent error")
			w.recordSyncError(ctx, err)
			w.pool.Drop(w.accountID)
		default:
			w.logger.WithError(err).Warn("sync pass failed, will retry")
			w.pool.Drop(w.accountID)
		}

		interval, ivErr := w.interval(ctx)
		if ivErr != nil {
			if errors.Is(ivErr, store.ErrNotFound) {
				// Account deleted out from under us.
				return ivErr
			}
			w.logger.WithError(ivErr).Warn("reading sync policy, using default interval")
			interval = time.Duration(model.DefaultSyncPolicy().Intervals.Inactive) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pass runs one full cycle: drain queued local changes to the server,
// reconcile the folder list, then reconcile every folder's UIDs in
// priority order.
func (w *Worker) pass(ctx context.Context) error {
	client, release, err := w.pool.Acquire(ctx, w.accountID)
	if err != nil {
		return err
	}
	defer release()

	if err := w.shared.ClearSyncError(ctx, w.accountID); err != nil {
		w.logger.WithError(err).Warn("clearing sync error")
	}

	runner := syncback.NewRunner(w.mirror, client, w.logger)
	if _, err := runner.Drain(ctx); err != nil {
		return err
	}

	if err := ReconcileFolders(ctx, w.mirror, client, w.logger); err != nil {
		return err
	}

	cats, err := w.mirror.ListCategories(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(cats, func(i, j int) bool {
		return rolePrio(cats[i].Role) < rolePrio(cats[j].Role)
	})

	policy, err := w.policy(ctx)
	if err != nil {
		return err
	}
	deepEvery := time.Duration(policy.FolderSyncOptions.DeepFolderScan) * time.Second

	for _, cat := range cats {
		if err := ReconcileUIDs(ctx, w.mirror, client, w.pipe, cat, w.logger); err != nil {
			return err
		}
		if time.Since(cat.LastDeepScan) >= deepEvery {
			err := w.mirror.WithTx(ctx, func(tx *store.Tx) error {
				return tx.TouchCategoryDeepScan(cat.ID, time.Now())
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) policy(ctx context.Context) (model.SyncPolicy, error) {
	acct, err := w.shared.GetAccount(ctx, w.accountID)
	if err != nil {
		return model.SyncPolicy{}, err
	}
	return acct.SyncPolicy, nil
}

// interval picks the poll cadence: the short active interval while the
// account's active window is open, the long one otherwise.
func (w *Worker) interval(ctx context.Context) (time.Duration, error) {
	policy, err := w.policy(ctx)
	if err != nil {
		return 0, err
	}
	active, err := w.shared.IsAccountActive(ctx, w.accountID, time.Now())
	if err != nil {
		return 0, err
	}
	secs := policy.Intervals.Inactive
	if active {
		secs = policy.Intervals.Active
	}
	if secs <= 0 {
		secs = model.DefaultSyncPolicy().Intervals.Inactive
	}
	return time.Duration(secs) * time.Second, nil
}

func (w *Worker) recordSyncError(ctx context.Context, syncErr error) {
	payload, err := json.Marshal(map[string]string{
		"message":    syncErr.Error(),
		"occurredAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := w.shared.SetSyncError(ctx, w.accountID, string(payload)); err != nil {
		w.logger.WithError(err).Warn("recording sync error")
	}
}

func rolePrio(role model.CategoryRole) int {
	if p, ok := rolePriority[role]; ok {
		return p
	}
	return otherRolePriority
}
