package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailmirror/internal/remote"
	"github.com/nhle/mailmirror/internal/store"
)

const (
	claimInterval     = 5 * time.Second
	heartbeatInterval = 10 * time.Second
)

// Scheduler claims accounts from the shared store up to its capacity and
// runs one Worker per claim. Claims are leased: a worker process that
// stops heartbeating loses its accounts to whoever claims next.
type Scheduler struct {
	workerID string
	capacity int
	shared   *store.Shared
	mirrors  *store.Mirrors
	pool     *remote.Pool
	logger   *logrus.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewScheduler(shared *store.Shared, mirrors *store.Mirrors, pool *remote.Pool, capacity int, logger *logrus.Logger) *Scheduler {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Scheduler{
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		capacity: capacity,
		shared:   shared,
		mirrors:  mirrors,
		pool:     pool,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// WorkerID identifies this process in the assignments table.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Assignments returns the account ids this process currently holds, as
// recorded in the shared assignments table.
func (s *Scheduler) Assignments(ctx context.Context) ([]string, error) {
	return s.shared.ListAssigned(ctx, s.workerID)
}

// Run claims and serves accounts until ctx is cancelled, then releases
// every claim so another process can pick them up immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := s.logger.WithField("worker", s.workerID)
	logger.WithField("capacity", s.capacity).Info("scheduler started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := s.shared.Heartbeat(gctx, s.workerID); err != nil {
					logger.WithError(err).Warn("heartbeat failed")
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(claimInterval)
		defer ticker.Stop()
		for {
			if err := s.claimPass(gctx, g, logger); err != nil {
				logger.WithError(err).Warn("claim pass failed")
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if releaseErr := s.shared.ReleaseAll(releaseCtx, s.workerID); releaseErr != nil {
		logger.WithError(releaseErr).Warn("releasing claims on shutdown")
	}
	logger.Info("scheduler stopped")
	return err
}

// claimPass tops the worker up to capacity and starts a Worker goroutine
// for each newly claimed account.
func (s *Scheduler) claimPass(ctx context.Context, g *errgroup.Group, logger *logrus.Entry) error {
	s.mu.Lock()
	free := s.capacity - len(s.running)
	s.mu.Unlock()
	if free <= 0 {
		return nil
	}

	claimed, err := s.shared.ClaimAccounts(ctx, s.workerID, free)
	if err != nil {
		return err
	}

	for _, accountID := range claimed {
		mirror, err := s.mirrors.Get(accountID)
		if err != nil {
			logger.WithError(err).WithField("account", accountID).Error("opening mirror, releasing claim")
			if relErr := s.shared.ReleaseAccount(ctx, s.workerID, accountID); relErr != nil {
				logger.WithError(relErr).Warn("releasing failed claim")
			}
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.running[accountID] = cancel
		s.mu.Unlock()

		worker := NewWorker(accountID, s.shared, mirror, s.pool, s.logger)
		id := accountID
		g.Go(func() error {
			defer func() {
				cancel()
				s.mu.Lock()
				delete(s.running, id)
				s.mu.Unlock()
			}()
			err := worker.Run(wctx)
			if errors.Is(err, store.ErrNotFound) {
				// Account removed; give up the claim and move on.
				s.stopAccountCleanup(id, logger)
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		logger.WithField("account", accountID).Info("claimed account")
	}
	return nil
}

// StopAccount cancels the account's worker, if this process runs it. Used
// at account teardown before the mirror database is removed.
func (s *Scheduler) StopAccount(accountID string) {
	s.mu.Lock()
	cancel, ok := s.running[accountID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) stopAccountCleanup(accountID string, logger *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shared.ReleaseAccount(ctx, s.workerID, accountID); err != nil {
		logger.WithError(err).Warn("releasing claim of removed account")
	}
	s.pool.Drop(accountID)
}
