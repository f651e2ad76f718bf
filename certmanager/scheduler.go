package certmanager

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler periodically asks the Manager for due certificates and drives
// attempts with bounded parallelism, adapted from the teacher repo's
// queue/scheduler/scheduler.go ticker-plus-errgroup pattern: there, jobs
// were pulled from a database queue; here they are pulled from the
// manager's in-memory per-certificate state.
type Scheduler struct {
	manager     *Manager
	tickInterval time.Duration
	concurrency int
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a Scheduler. concurrency bounds simultaneous
// in-flight ACME orders (default 2 per §4.4).
func NewScheduler(manager *Manager, tickInterval time.Duration, concurrency int, logger *slog.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Scheduler{
		manager:      manager,
		tickInterval: tickInterval,
		concurrency:  concurrency,
		logger:       logger,
	}
}

// Name implements the teacher repo's Daemon interface so the scheduler can
// be registered the same way the teacher registered its job scheduler and
// log-batching daemons.
func (s *Scheduler) Name() string { return "certmanager-scheduler" }

// Start runs the scheduler loop in a background goroutine and returns
// immediately, matching the Daemon contract used across this repo's
// long-lived components.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	return nil
}

// Stop cancels the scheduler loop and waits (up to ctx's deadline) for the
// current tick's in-flight attempts to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

func (s *Scheduler) processDue(ctx context.Context) {
	due := s.manager.DueCertificates(time.Now())
	if len(due) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, name := range due {
		name := name
		g.Go(func() error {
			if err := s.manager.Attempt(gCtx, name); err != nil {
				if s.logger != nil {
					s.logger.Warn("certificate attempt did not complete", "name", name, "error", err)
				}
			}
			return nil // never fail the group: one certificate's failure must not cancel the others
		})
	}

	_ = g.Wait()
}
