// Package cleanup runs the background maintenance sweeps: contact claims
// whose locks expired without a terminal call, and calls left in a
// non-terminal state by a crashed process.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// Service periodically reverts expired contact claims and finalizes stale
// calls. Both sweeps are idempotent: re-running them over the same rows is
// a no-op, so the service is safe to restart at any point.
type Service struct {
	store   *store.Store
	arbiter *termination.Arbiter
	bus     *bus.Bus
	cfg     config.SweeperConfig

	// staleCallAge is how old a non-terminal call must be before the
	// reconciler treats it as a crash leftover. Derived from the bridge
	// duration cap plus the sweeper grace, so a call still inside its
	// legitimate duration budget is never touched.
	staleCallAge time.Duration

	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a sweeper over the store. durationCap is the bridge's
// per-call duration ceiling.
func NewService(st *store.Store, arb *termination.Arbiter, b *bus.Bus, cfg config.SweeperConfig, durationCap time.Duration) *Service {
	return &Service{
		store:        st,
		arbiter:      arb,
		bus:          b,
		cfg:          cfg,
		staleCallAge: durationCap + cfg.GraceTTL,
		logger:       slog.With("component", "sweeper"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Sweeper started",
		"interval", s.cfg.Interval,
		"grace_ttl", s.cfg.GraceTTL,
		"stale_call_age", s.staleCallAge)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single synchronous sweep pass. Exposed so startup
// recovery can clear leftovers before the engine rebuilds its runtimes.
func (s *Service) RunOnce(ctx context.Context) {
	s.reconcileStaleCalls(ctx)
	s.releaseExpiredLocks(ctx)
}

// releaseExpiredLocks reverts processing contacts whose lock expired past
// the grace and that have no live call, restoring them to pending.
func (s *Service) releaseExpiredLocks(ctx context.Context) {
	count, err := s.store.ReleaseExpiredLocks(ctx, s.cfg.GraceTTL)
	if err != nil {
		s.logger.Error("Sweep: releasing expired locks failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Sweep: released expired contact locks", "count", count)
	}
}

// reconcileStaleCalls finalizes calls stuck in a non-terminal state past
// the duration cap. The terminal publish lets the engine's outcome handler
// settle the contact and campaign stats through its usual path; contacts
// whose engine is gone fall back to the lock sweep above, which is why the
// reconciler runs first within a pass.
func (s *Service) reconcileStaleCalls(ctx context.Context) {
	cutoff := time.Now().Add(-s.staleCallAge)
	calls, err := s.store.ListStaleActiveCalls(ctx, cutoff)
	if err != nil {
		s.logger.Error("Sweep: listing stale calls failed", "error", err)
		return
	}

	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}
		s.finalizeStaleCall(ctx, call)
	}
	if len(calls) > 0 {
		s.logger.Info("Sweep: reconciled stale calls", "count", len(calls))
	}
}

func (s *Service) finalizeStaleCall(ctx context.Context, call *models.Call) {
	if _, err := s.arbiter.Signal(ctx, termination.Signal{
		CallID: call.ID,
		Tag:    models.TerminatedBySystem,
		Source: models.SourceInternal,
		Reason: "stale call reconciled",
	}); err != nil {
		s.logger.Warn("Sweep: attributing stale call failed",
			"call_id", call.ID, "error", err)
	}

	applied, err := s.store.UpdateCallState(ctx, call.ID, models.CallFailed, 0)
	if err != nil {
		s.logger.Error("Sweep: finalizing stale call failed",
			"call_id", call.ID, "error", err)
		return
	}
	if !applied {
		// A late webhook beat us to a terminal state; its own publish
		// already settled the call.
		return
	}

	updated, err := s.store.GetCall(ctx, call.ID)
	if err != nil {
		s.logger.Error("Sweep: reloading stale call failed",
			"call_id", call.ID, "error", err)
		return
	}
	s.bus.Publish(bus.TopicCallUpdates, updated)
	s.bus.Publish(bus.CallTopic(updated.ID), updated)

	s.logger.Warn("Stale call finalized as failed",
		"call_id", call.ID,
		"campaign_id", call.CampaignID,
		"created_at", call.CreatedAt)
}
