package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/swapnest/escrowd/internal/metrics"
)

// Scheduler periodically sweeps for escrows whose grace window has passed
// and releases them on the parties' behalf.
type Scheduler struct {
	service  *Service
	store    Store
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates an auto-release scheduler. The grace window is
// measured from the moment the seller acknowledged or reported delivery.
func NewScheduler(service *Service, store Store, interval, grace time.Duration, batch int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		store:    store,
		interval: interval,
		grace:    grace,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow scheduler", "panic", fmt.Sprint(r))
		}
	}()
	start := time.Now()
	s.sweep(ctx)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()

	// 1. Release escrows whose grace window has elapsed.
	releasable, err := s.store.ListReleasable(ctx, now.Add(-s.grace), s.batch)
	if err != nil {
		s.logger.Warn("failed to list releasable escrows", "error", err)
		return
	}

	for _, e := range releasable {
		s.autoRelease(ctx, e)
	}

	// 2. Retry payouts that were authorized but never went through.
	s.retryStuckPayouts(ctx)
}

func (s *Scheduler) autoRelease(ctx context.Context, e *Escrow) {
	confirmed, err := s.service.Confirm(ctx, e.ID, e.Version, SystemActor)
	if err != nil {
		// A concurrent human action won the race. The next sweep will
		// pick the escrow up again if it is still eligible.
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrInvalidState) {
			s.logger.Debug("skipping escrow, state changed under sweep",
				"escrowId", e.ID, "error", err)
			return
		}
		s.logger.Warn("failed to confirm escrow for auto-release",
			"escrowId", e.ID, "error", err)
		return
	}

	released, err := s.service.Release(ctx, confirmed.ID, confirmed.Version, SystemActor)
	if err != nil {
		// The authorization committed, so phase 2 retries the payout.
		s.logger.Warn("failed to release escrow after auto-confirm",
			"escrowId", confirmed.ID, "error", err)
		return
	}

	// Release already counted the auto-release metric.
	s.logger.Info("auto-released escrow",
		"escrowId", released.ID,
		"buyer", released.BuyerID,
		"seller", released.SellerID,
		"amount", released.Amount,
	)
}

func (s *Scheduler) retryStuckPayouts(ctx context.Context) {
	authorized, err := s.store.ListByStatus(ctx, StatusReleaseAuthorized, s.batch)
	if err != nil {
		s.logger.Warn("failed to list authorized escrows", "error", err)
		return
	}

	for _, e := range authorized {
		released, err := s.service.Release(ctx, e.ID, e.Version, SystemActor)
		if err != nil {
			if errors.Is(err, ErrStateConflict) {
				continue
			}
			s.logger.Warn("payout retry failed",
				"escrowId", e.ID, "error", err)
			continue
		}
		s.logger.Info("recovered stuck payout",
			"escrowId", released.ID, "amount", released.Amount)
	}
}
