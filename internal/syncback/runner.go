package syncback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailmirror/internal/model"
	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
	drainBatch     = 100
)

// Runner drains the syncback queue for one account: it executes queued
// requests against the remote server and commits the mirrored local
// effect only after the server accepted the change.
type Runner struct {
	mirror *store.Mirror
	client remote.Client
	logger *logrus.Entry

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(mirror *store.Mirror, client remote.Client, logger *logrus.Entry) *Runner {
	return &Runner{
		mirror: mirror,
		client: client,
		logger: logger.WithField("component", "syncback"),
		sleep:  sleepCtx,
	}
}

// Drain first settles requests a previous process left in flight, then
// executes every NEW request, oldest first. Individual request failures
// are recorded on the request row and do not abort the drain. It reports
// whether any completed request changed remote UID assignments, which
// forces the caller to re-reconcile.
func (r *Runner) Drain(ctx context.Context) (bool, error) {
	affectsUIDs, err := r.drainBatches(ctx, r.mirror.ListInFlightSyncbackRequests, r.resumeOne)
	if err != nil {
		return affectsUIDs, err
	}
	affected, err := r.drainBatches(ctx, r.mirror.ListNewSyncbackRequests, r.runOne)
	return affectsUIDs || affected, err
}

func (r *Runner) drainBatches(
	ctx context.Context,
	list func(context.Context, int) ([]model.SyncbackRequest, error),
	run func(context.Context, model.SyncbackRequest) (bool, error),
) (bool, error) {
	affectsUIDs := false
	for {
		reqs, err := list(ctx, drainBatch)
		if err != nil {
			return affectsUIDs, err
		}
		if len(reqs) == 0 {
			return affectsUIDs, nil
		}
		for _, req := range reqs {
			if err := ctx.Err(); err != nil {
				return affectsUIDs, err
			}
			affected, err := run(ctx, req)
			if err != nil {
				return affectsUIDs, err
			}
			affectsUIDs = affectsUIDs || affected
		}
		if len(reqs) < drainBatch {
			return affectsUIDs, nil
		}
	}
}

// resumeOne settles a request interrupted mid-flight by a crash. A
// retryable request re-enters the attempt loop with whatever attempts it
// has left. A non-retryable one cannot be safely re-run, the server may
// or may not have applied it, so it is finalized as FAILED and the next
// reconciliation pass converges the mirror on whichever state the server
// ended up in.
func (r *Runner) resumeOne(ctx context.Context, req model.SyncbackRequest) (bool, error) {
	logger := r.logger.WithFields(logrus.Fields{"request": req.ID, "type": req.Type})

	task, err := NewTask(req)
	if err != nil {
		logger.WithError(err).Warn("rejecting malformed syncback request")
		return false, r.finish(ctx, req, model.SyncbackFailed, err.Error(), nil)
	}

	if req.Status == model.SyncbackInProgressNoRetryable || !task.Retryable() {
		logger.WithField("attempts", req.Attempts).Error("abandoning interrupted syncback request")
		return false, r.finish(ctx, req, model.SyncbackFailed,
			"interrupted before completion; not safe to retry", nil)
	}
	if req.Attempts >= maxAttempts {
		logger.WithField("attempts", req.Attempts).Error("interrupted syncback request has no attempts left")
		return false, r.finish(ctx, req, model.SyncbackFailed,
			"interrupted on final attempt", nil)
	}

	logger.WithField("attempts", req.Attempts).Info("resuming interrupted syncback request")
	return r.attempt(ctx, req, task, logger)
}

// runOne advances a single request through its state machine. The
// returned error is a store or context failure only; remote failures end
// up on the request row as FAILED.
func (r *Runner) runOne(ctx context.Context, req model.SyncbackRequest) (bool, error) {
	logger := r.logger.WithFields(logrus.Fields{"request": req.ID, "type": req.Type})

	task, err := NewTask(req)
	if err != nil {
		logger.WithError(err).Warn("rejecting malformed syncback request")
		return false, r.finish(ctx, req, model.SyncbackFailed, err.Error(), nil)
	}

	inProgress := model.SyncbackInProgressRetryable
	if !task.Retryable() {
		inProgress = model.SyncbackInProgressNoRetryable
	}
	req.Status = inProgress
	if err := r.update(ctx, req); err != nil {
		// Lost the race with a cancellation; nothing to do.
		if errors.Is(err, store.ErrTerminalStatus) {
			logger.Debug("skipping cancelled request")
			return false, nil
		}
		return false, err
	}

	return r.attempt(ctx, req, task, logger)
}

// attempt drives the request through up to its remaining attempts and
// always leaves it in a terminal status unless the store or context
// fails.
func (r *Runner) attempt(ctx context.Context, req model.SyncbackRequest, task Task, logger *logrus.Entry) (bool, error) {
	backoff := initialBackoff
	for {
		req.Attempts++
		if err := r.update(ctx, req); err != nil {
			return false, err
		}

		result, runErr := task.Run(ctx, r.mirror, r.client)
		if runErr == nil {
			if err := r.commitSuccess(ctx, req, result); err != nil {
				return false, err
			}
			logger.WithField("attempts", req.Attempts).Info("syncback request succeeded")
			return task.AffectsRemoteUIDs(), nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		runErr = remote.Classify(task.Describe(), runErr)
		if task.Retryable() && remote.IsRetryable(runErr) && req.Attempts < maxAttempts {
			logger.WithError(runErr).WithField("attempt", req.Attempts).Warn("retrying syncback request")
			if err := r.sleep(ctx, backoff); err != nil {
				return false, err
			}
			backoff *= 2
			continue
		}

		logger.WithError(runErr).WithField("attempts", req.Attempts).Error("syncback request failed")
		return false, r.finish(ctx, req, model.SyncbackFailed, runErr.Error(), nil)
	}
}

// commitSuccess applies the task's local mutations and marks the request
// SUCCEEDED in one transaction.
func (r *Runner) commitSuccess(ctx context.Context, req model.SyncbackRequest, result *Result) error {
	req.Status = model.SyncbackSucceeded
	req.Error = ""
	if result != nil && result.Response != nil {
		raw, err := json.Marshal(result.Response)
		if err != nil {
			return fmt.Errorf("marshaling syncback response: %w", err)
		}
		req.ResponseJSON = raw
	}
	return r.mirror.WithTx(ctx, func(tx *store.Tx) error {
		if result != nil && result.Apply != nil {
			if err := result.Apply(tx); err != nil {
				return err
			}
		}
		return tx.UpdateSyncbackRequest(req)
	})
}

func (r *Runner) finish(ctx context.Context, req model.SyncbackRequest, status model.SyncbackStatus, errMsg string, response json.RawMessage) error {
	req.Status = status
	req.Error = errMsg
	req.ResponseJSON = response
	return r.update(ctx, req)
}

func (r *Runner) update(ctx context.Context, req model.SyncbackRequest) error {
	return r.mirror.WithTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateSyncbackRequest(req)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
