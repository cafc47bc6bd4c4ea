package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Loop periodically retries admission of pending deployments on every
// cluster. Admission is event driven; the loop only picks up work whose
// capacity was freed by a path that did not trigger re-evaluation itself.
type Loop struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewLoop creates a reconcile loop for s.
func NewLoop(s *Scheduler, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		scheduler: s,
		interval:  interval,
		logger:    logger.With("component", "reconciler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("reconciler started", "interval", l.interval)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reconciler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("reconciler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if n, err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			} else if n > 0 {
				l.logger.Info("reconciled pending deployments", "admitted", n)
			}
		}
	}
}

// Stop shuts the loop down and waits for the current tick to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

// Tick re-evaluates every cluster once and returns how many deployments
// were admitted.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, id := range l.scheduler.ledger.Clusters() {
		n, err := l.scheduler.ReevaluatePending(ctx, id)
		if errors.Is(err, ErrClusterNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
		total += n
	}
	return total, errors.Join(errs...)
}
