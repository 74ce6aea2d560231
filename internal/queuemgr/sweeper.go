package queuemgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RedeliverySweeper periodically requeues queue entries whose lease has
// expired (spec.md §4.2: "a background sweep requeues entries whose
// lease_until < now and status is leased"). Built on robfig/cron/v3's
// own scheduler, the same library the teacher uses for parsing schedule
// expressions, here driving the sweep cadence directly via `@every`.
type RedeliverySweeper struct {
	mgr      *Manager
	logger   *slog.Logger
	interval time.Duration
	cron     *cron.Cron
}

// NewRedeliverySweeper constructs a sweeper that runs every interval.
func NewRedeliverySweeper(mgr *Manager, logger *slog.Logger, interval time.Duration) *RedeliverySweeper {
	return &RedeliverySweeper{
		mgr:      mgr,
		logger:   logger,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *RedeliverySweeper) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.sweep(ctx); err != nil {
			s.logger.Error("redelivery sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("queuemgr: invalid sweep interval: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep.
func (s *RedeliverySweeper) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// sweep requeues expired leases. It is the only operation in this
// package permitted to bypass worker_id matching, since the expired
// lessee is by definition no longer authoritative (spec.md §3.2
// invariant 6: redelivery requires atomic compare-and-swap of
// lease_until < now).
func (s *RedeliverySweeper) sweep(ctx context.Context) error {
	query := `
		UPDATE queue
		SET status = $1, worker_id = NULL, lease_until = NULL
		WHERE status = $2 AND lease_until < $3
	`
	res, err := s.mgr.db.ExecContext(ctx, query, StatusQueued, StatusLeased, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("redelivered expired leases", "count", n)
	}
	return nil
}
