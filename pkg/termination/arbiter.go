// Package termination centralizes the terminatedBy attribution for calls.
// Every component that learns how a call ended routes that knowledge through
// the Arbiter as a Signal; the Arbiter decides which signal is canonical and
// writes it exactly once. Signals that lose arbitration are preserved in the
// call event log so nothing is silently discarded.
package termination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
)

const (
	// apiDominanceWindow is how long an explicit API terminate suppresses
	// the natural signals produced by the teardown it triggered.
	apiDominanceWindow = 5 * time.Second

	// immediateHangupMaxSec is the duration ceiling for the short-call
	// fallback heuristic applied at finalization.
	immediateHangupMaxSec = 3
)

// Signal is one termination observation from a collaborator.
type Signal struct {
	CallID string
	Tag    models.TerminationTag
	Source models.SignalSource
	// Reason carries free-form detail (provider error code, timer name).
	Reason string
	At     time.Time
}

// Arbiter serializes termination attribution per call. Arbitration is
// enforced by conditional writes in the store, so concurrent signals from
// webhook handlers and bridge timers never race into a last-writer-wins.
type Arbiter struct {
	store  *store.Store
	logger *slog.Logger

	mu sync.Mutex
	// apiWindow maps call id to the deadline until which api_request
	// dominates natural signals for that call.
	apiWindow map[string]time.Time
}

// New creates an arbiter over the store.
func New(st *store.Store) *Arbiter {
	return &Arbiter{
		store:     st,
		logger:    slog.With("component", "termination"),
		apiWindow: make(map[string]time.Time),
	}
}

// Signal runs one observation through the arbitration rules and reports
// whether it became the canonical attribution.
//
// Rules, in order: an AMD machine verdict fills any undecided value and is
// never displaced afterwards; an explicit API terminate displaces anything
// except an AMD verdict and opens a window during which natural signals are
// suppressed; otherwise the first signal to arrive wins, with the AI
// post-call webhook restricted to filling missing or unknown values.
func (a *Arbiter) Signal(ctx context.Context, sig Signal) (bool, error) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	if sig.Tag == models.TerminatedByAPIRequest {
		return a.apiRequest(ctx, sig)
	}

	mode := store.WriteIfMissing
	switch {
	case sig.Tag == models.TerminatedByAMDMachine:
		mode = store.WriteFillUnknown
	case sig.Source == models.SourceAI:
		mode = store.WriteFillUnknown
	default:
		if a.windowOpen(sig.CallID, sig.At) {
			a.logLate(ctx, sig, "suppressed by api_request window")
			return false, nil
		}
	}

	applied, err := a.store.SetTerminatedBy(ctx, sig.CallID, sig.Tag, mode)
	if err != nil {
		return false, fmt.Errorf("failed to arbitrate signal %s for call %s: %w", sig.Tag, sig.CallID, err)
	}
	if !applied {
		a.logLate(ctx, sig, "call already attributed")
		return false, nil
	}

	a.logger.Info("termination attributed",
		"call_id", sig.CallID,
		"terminated_by", sig.Tag,
		"source", sig.Source)
	return true, nil
}

// apiRequest handles the explicit-terminate signal. It opens the dominance
// window first so natural signals racing in from the teardown lose even if
// they arrive before our own write lands.
func (a *Arbiter) apiRequest(ctx context.Context, sig Signal) (bool, error) {
	a.mu.Lock()
	a.apiWindow[sig.CallID] = sig.At.Add(apiDominanceWindow)
	a.mu.Unlock()

	call, err := a.store.GetCall(ctx, sig.CallID)
	if err != nil {
		return false, fmt.Errorf("failed to load call %s for api termination: %w", sig.CallID, err)
	}
	if call.TerminatedBy == models.TerminatedByAMDMachine {
		a.logLate(ctx, sig, "amd verdict holds")
		return false, nil
	}

	applied, err := a.store.SetTerminatedBy(ctx, sig.CallID, models.TerminatedByAPIRequest, store.WriteForce)
	if err != nil {
		return false, fmt.Errorf("failed to write api termination for call %s: %w", sig.CallID, err)
	}
	if applied {
		a.logger.Info("termination attributed",
			"call_id", sig.CallID,
			"terminated_by", models.TerminatedByAPIRequest,
			"source", sig.Source)
	}
	return applied, nil
}

// FinalizeUnattributed applies the fallback heuristic when a call reached a
// terminal state without any signal deciding it: a completed call shorter
// than three seconds is attributed to the callee hanging up immediately,
// anything else is unknown. Returns the attribution now on the call.
func (a *Arbiter) FinalizeUnattributed(ctx context.Context, call *models.Call) (models.TerminationTag, error) {
	defer a.forget(call.ID)

	if call.TerminatedBy != "" {
		return call.TerminatedBy, nil
	}

	tag := models.TerminatedByUnknown
	if call.State == models.CallCompleted && call.DurationSec < immediateHangupMaxSec {
		tag = models.TerminatedByImmediateHangup
	}

	applied, err := a.store.SetTerminatedBy(ctx, call.ID, tag, store.WriteIfMissing)
	if err != nil {
		return "", fmt.Errorf("failed to finalize attribution for call %s: %w", call.ID, err)
	}
	if !applied {
		// A signal landed between our read and the write; it wins.
		fresh, err := a.store.GetCall(ctx, call.ID)
		if err != nil {
			return "", fmt.Errorf("failed to re-read call %s after lost finalization: %w", call.ID, err)
		}
		if fresh.TerminatedBy != "" {
			return fresh.TerminatedBy, nil
		}
		return tag, nil
	}

	a.logger.Info("termination attributed by fallback",
		"call_id", call.ID,
		"terminated_by", tag,
		"duration_sec", call.DurationSec)
	return tag, nil
}

// windowOpen reports whether the api_request dominance window is open for
// the call at the given instant. Expired entries are dropped lazily.
func (a *Arbiter) windowOpen(callID string, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	deadline, ok := a.apiWindow[callID]
	if !ok {
		return false
	}
	if at.After(deadline) {
		delete(a.apiWindow, callID)
		return false
	}
	return true
}

func (a *Arbiter) forget(callID string) {
	a.mu.Lock()
	delete(a.apiWindow, callID)
	a.mu.Unlock()
}

// logLate records a signal that lost arbitration in the call's event log.
func (a *Arbiter) logLate(ctx context.Context, sig Signal, why string) {
	err := a.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID: sig.CallID,
		Type:   models.EventStatusChange,
		Source: sig.Source,
		Payload: map[string]any{
			"terminationSignal": string(sig.Tag),
			"applied":           false,
			"detail":            why,
			"reason":            sig.Reason,
		},
		CreatedAt: sig.At,
	})
	if err != nil {
		a.logger.Warn("failed to log late termination signal",
			"call_id", sig.CallID,
			"signal", sig.Tag,
			"error", err)
	}
}

// TagForStatus maps a terminal telephony status to its natural attribution.
// Completed carries no tag of its own; attribution for completed calls comes
// from the AI webhook, the bridge, or the finalization fallback.
func TagForStatus(state models.CallState) models.TerminationTag {
	switch state {
	case models.CallBusy:
		return models.TerminatedByUserBusy
	case models.CallNoAnswer:
		return models.TerminatedByUserNoAnswer
	case models.CallFailed, models.CallCanceled:
		return models.TerminatedBySystem
	}
	return ""
}

// Outcome maps a finished call to the contact disposition: a completed call
// counts as called unless the system itself ended it, every other terminal
// state counts as failed.
func Outcome(state models.CallState, tag models.TerminationTag) models.ContactOutcome {
	if state != models.CallCompleted {
		return models.OutcomeFailed
	}
	if tag.IsSystem() {
		return models.OutcomeFailed
	}
	return models.OutcomeCalled
}
