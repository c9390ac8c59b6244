package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// runtime is the per-campaign dial state. It is created when a campaign
// starts or resumes and discarded on pause, stop, or completion; the store
// remains the source of truth across those boundaries.
type runtime struct {
	campaignID string
	settings   models.CampaignSettings

	// ctx is cancelled to stop the dial loop. done closes when the loop
	// has exited.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// cycleInProgress serializes tick bodies; a cycle that outlasts the
	// timer interval makes the next firing a no-op instead of overlapping.
	cycleInProgress atomic.Bool

	mu       sync.Mutex
	inFlight map[string]string // call id -> contact id

	// fundsFailures holds recent insufficient-funds rejections, pruned to
	// the rolling window. Guarded by mu.
	fundsFailures []time.Time

	// lastLag is the call.updates drop counter sampled by the previous
	// tick. Only the dial loop reads or writes it.
	lastLag uint64
}

func (rt *runtime) delay() time.Duration {
	return time.Duration(rt.settings.CallDelayMs) * time.Millisecond
}

func (rt *runtime) trackCall(callID, contactID string) {
	rt.mu.Lock()
	rt.inFlight[callID] = contactID
	rt.mu.Unlock()
}

func (rt *runtime) releaseCall(callID string) {
	rt.mu.Lock()
	delete(rt.inFlight, callID)
	rt.mu.Unlock()
}

func (rt *runtime) inFlightCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.inFlight)
}

// noteFundsFailure records an insufficient-funds rejection and reports
// whether the rolling window crossed the auto-pause threshold.
func (rt *runtime) noteFundsFailure(now time.Time) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cutoff := now.Add(-fundsFailureWindow)
	kept := rt.fundsFailures[:0]
	for _, at := range rt.fundsFailures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	rt.fundsFailures = append(kept, now)
	return len(rt.fundsFailures) >= fundsFailureThreshold
}
