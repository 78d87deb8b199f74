// Package jobs defines background maintenance tasks: the stuck-run watchdog
// and the worktree retention sweep.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sevigo/review-council/internal/storage"
	"github.com/sevigo/review-council/internal/worktree"
)

// Sweeper periodically fails analysis runs abandoned by a crashed process and
// reclaims worktrees unused past the retention window. Multiple processes may
// share one store, so a crashed sibling leaves no signal other than its stale
// running rows.
type Sweeper struct {
	runs      storage.RunStore
	reviews   storage.ReviewStore
	worktrees *worktree.Manager

	watchdogWindow    time.Duration
	worktreeRetention time.Duration
	interval          time.Duration

	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper initializes a Sweeper. If interval is zero or negative it
// defaults to one minute.
func NewSweeper(
	runs storage.RunStore,
	reviews storage.ReviewStore,
	worktrees *worktree.Manager,
	watchdogWindow, worktreeRetention, interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		runs:              runs,
		reviews:           reviews,
		worktrees:         worktrees,
		watchdogWindow:    watchdogWindow,
		worktreeRetention: worktreeRetention,
		interval:          interval,
		logger:            logger,
		stop:              make(chan struct{}),
	}
}

// Start launches the background sweep loop. One sweep runs immediately so a
// restart repairs stuck rows without waiting a full interval.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("starting maintenance sweeper",
			"interval", s.interval,
			"watchdog_window", s.watchdogWindow,
			"worktree_retention", s.worktreeRetention,
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep()
		for {
			select {
			case <-s.stop:
				s.logger.Info("maintenance sweeper stopped")
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop shuts the sweep loop down and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// sweep runs one pass of both tasks. Errors are logged, never propagated: a
// failed sweep retries on the next tick.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	swept, err := s.runs.SweepStuckRuns(ctx, s.watchdogWindow)
	if err != nil {
		s.logger.Error("stuck run sweep failed", "error", err)
	} else if swept > 0 {
		s.logger.Warn("forced stuck analysis runs to failed", "count", swept)
	}

	if s.worktrees == nil || s.worktreeRetention <= 0 {
		return
	}
	reclaimed, err := s.worktrees.Reclaim(ctx, s.reviews, s.worktreeRetention)
	if err != nil {
		s.logger.Error("worktree reclaim sweep failed", "error", err)
	} else if reclaimed > 0 {
		s.logger.Info("reclaimed unused worktrees", "count", reclaimed)
	}
}
