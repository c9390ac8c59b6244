package e2e

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/telephony"
)

// PlacedCall pairs the request the engine made with the call SID minted for
// it.
type PlacedCall struct {
	SID     string
	Request telephony.CallRequest
}

// ScriptedDialer stands in for the telephony gateway. Placements insert real
// call rows so webhook posts and API reads operate on actual state; failures
// are injected per phone number.
type ScriptedDialer struct {
	store *store.Store

	mu         sync.Mutex
	placed     []PlacedCall
	terminated []string
	failures   map[string][]error // phone -> queued placement errors
}

func NewScriptedDialer(st *store.Store) *ScriptedDialer {
	return &ScriptedDialer{
		store:    st,
		failures: make(map[string][]error),
	}
}

// FailPlacement queues err for the next placement to the phone number.
func (d *ScriptedDialer) FailPlacement(phone string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[phone] = append(d.failures[phone], err)
}

func (d *ScriptedDialer) CreateCall(ctx context.Context, req telephony.CallRequest) (*models.Call, error) {
	d.mu.Lock()
	if queue := d.failures[req.To]; len(queue) > 0 {
		err := queue[0]
		d.failures[req.To] = queue[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	sid := "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")
	call, err := d.store.CreateCall(ctx, models.NewCall{
		ID:          sid,
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		ContactName: req.ContactName,
		Direction:   models.DirectionOutbound,
		State:       models.CallInitiated,
		From:        req.From,
		To:          req.To,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.placed = append(d.placed, PlacedCall{SID: sid, Request: req})
	d.mu.Unlock()
	return call, nil
}

func (d *ScriptedDialer) TerminateCall(_ context.Context, callID string, _ models.TerminationTag) error {
	d.mu.Lock()
	d.terminated = append(d.terminated, callID)
	d.mu.Unlock()
	return nil
}

func (d *ScriptedDialer) StreamRecording(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("RIFFe2efakewav")), "audio/x-wav", nil
}

// Placed returns a snapshot of placements in dial order.
func (d *ScriptedDialer) Placed() []PlacedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]PlacedCall, len(d.placed))
	copy(result, d.placed)
	return result
}

// Terminated returns the call SIDs handed to TerminateCall.
func (d *ScriptedDialer) Terminated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]string, len(d.terminated))
	copy(result, d.terminated)
	return result
}

// WaitForPlacements blocks until the engine has placed at least n calls and
// returns the placements.
func (d *ScriptedDialer) WaitForPlacements(t *testing.T, n int, timeout time.Duration) []PlacedCall {
	t.Helper()

	var have int
	require.Eventually(t, func() bool {
		have = len(d.Placed())
		return have >= n
	}, timeout, 25*time.Millisecond,
		"expected %d placements (last count: %d)", n, have)
	return d.Placed()
}
