package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"lending/internal/models"
	"lending/internal/repositories"
)

const sweepLeaseKey = "lending:sweeper:lease"

// Locker grants a short exclusive lease so that only one replica sweeps at a
// time. TryLock reports false when another holder owns the lease.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Sweeper flags borrowed requests whose due date has passed as OVERDUE.
// It never closes a request; ReturnCopy decides OVERDUE_RETURNED from the due
// date, so a sweep racing a return cannot change the outcome.
type Sweeper struct {
	store  repositories.Store
	locker Locker
	opts   *options
}

// NewSweeper builds a sweeper. locker may be nil for a single replica.
func NewSweeper(store repositories.Store, locker Locker, opts ...Option) (*Sweeper, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Sweeper{store: store, locker: locker, opts: o}, nil
}

// Sweep marks every borrowed request due before now as overdue and returns how
// many it marked. Requests locked by a concurrent transition are left for the
// next sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (total int, err error) {
	ctx, span := startSpan(ctx, s.opts, "sweeper.sweep",
		attribute.String("sweep.now", now.Format(time.RFC3339)))
	defer func() {
		span.SetAttributes(attribute.Int("sweep.marked", total))
		endSpan(ctx, s.opts.logger, span, "Sweep", err)
	}()

	for {
		var n int
		err := s.store.Transaction(ctx, func(tx repositories.Tx) error {
			due, err := tx.Requests().ListOverdueForUpdate(ctx, now, s.opts.batchSize)
			if err != nil {
				return err
			}
			for i := range due {
				req := &due[i]
				req.Status = models.RequestStatusOverdue
				if err := tx.Requests().Update(ctx, req); err != nil {
					return err
				}
				if err := appendTransition(ctx, tx, s.opts, req, models.RequestStatusBorrowed, ActionMarkOverdue, nil, map[string]interface{}{
					"due_at": req.DueAt,
				}); err != nil {
					return err
				}
			}
			n = len(due)
			return nil
		})
		if err != nil {
			return total, wrapInfra("sweep overdue", err)
		}
		total += n
		if n < s.opts.batchSize {
			break
		}
	}

	if total > 0 {
		s.opts.logger.InfoContext(ctx, "Sweep: requests marked overdue", "count", total)
	}
	return total, nil
}

// Run sweeps every interval until ctx is done. Failed sweeps are logged and
// retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.opts.logger.InfoContext(ctx, "Sweeper: started", "interval", interval.String())
	for {
		s.tick(ctx, interval)
		select {
		case <-ctx.Done():
			s.opts.logger.InfoContext(ctx, "Sweeper: stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context, interval time.Duration) {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, sweepLeaseKey, interval)
		if err != nil {
			s.opts.logger.WarnContext(ctx, "Sweeper: lease unavailable, skipping tick", "error", err)
			return
		}
		if !ok {
			return
		}
		defer release()
	}
	// errors are logged by Sweep
	_, _ = s.Sweep(ctx, s.opts.now())
}
