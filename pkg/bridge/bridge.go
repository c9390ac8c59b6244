// Package bridge proxies call audio between the telephony provider's
// media stream and the AI provider's conversation socket. Each call runs
// as an isolated session with its own state machine; the only cross-call
// state is the registry of live sessions.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
)

// SignedURLSource mints per-conversation signed WebSocket URLs.
type SignedURLSource interface {
	GetSignedURL(ctx context.Context) (string, error)
}

// CallTerminator tears a provider call down, recording the attribution
// when reason is non-empty.
type CallTerminator interface {
	TerminateCall(ctx context.Context, callID string, reason models.TerminationTag) error
}

// Manager owns all live bridge sessions.
type Manager struct {
	store    *store.Store
	bus      *bus.Bus
	ai       SignedURLSource
	gateway  CallTerminator
	cfg      config.BridgeConfig
	registry *registry
	logger   *slog.Logger
}

// NewManager wires the bridge.
func NewManager(st *store.Store, b *bus.Bus, ai SignedURLSource, gw CallTerminator, cfg config.BridgeConfig) *Manager {
	return &Manager{
		store:    st,
		bus:      b,
		ai:       ai,
		gateway:  gw,
		cfg:      cfg,
		registry: newRegistry(),
		logger:   slog.With("component", "bridge"),
	}
}

// HandleTelephonyStream serves one accepted media-stream socket to
// completion on the caller's goroutine.
func (m *Manager) HandleTelephonyStream(ctx context.Context, conn *websocket.Conn) {
	newSession(ctx, m, conn).run()
}

// ActiveSessions snapshots the live sessions for listings and health.
func (m *Manager) ActiveSessions() []SessionInfo {
	sessions := m.registry.list()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

// ActiveSessionCount returns the number of live sessions.
func (m *Manager) ActiveSessionCount() int {
	return m.registry.len()
}

// TerminateSession begins teardown for the session bridging callID,
// reporting whether one was live.
func (m *Manager) TerminateSession(callID string, reason models.TerminationTag) bool {
	s, ok := m.registry.get(callID)
	if !ok {
		return false
	}
	s.terminate(reason)
	return true
}

// Shutdown terminates every live session with a system attribution and
// waits for teardown, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	sessions := m.registry.list()
	for _, s := range sessions {
		s.terminate(models.TerminatedBySystem)
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			m.logger.Warn("shutdown grace expired with sessions live",
				"remaining", m.registry.len())
			return
		}
	}
}

// publishCall pushes the current call row to its topics.
func (m *Manager) publishCall(ctx context.Context, callID string) {
	call, err := m.store.GetCall(ctx, callID)
	if err != nil {
		m.logger.Warn("failed to load call for publish", "call_id", callID, "error", err)
		return
	}
	m.bus.Publish(bus.TopicCallUpdates, call)
	m.bus.Publish(bus.CallTopic(call.ID), call)
}

// recordEvent appends to the call event log off the audio path.
func (m *Manager) recordEvent(callID string, typ models.CallEventType, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID:    callID,
		Type:      typ,
		Source:    models.SourceInternal,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to append call event", "call_id", callID, "type", typ, "error", err)
	}
}

// recordQuality persists a quality event and surfaces it on the call topic.
func (m *Manager) recordQuality(callID string, payload map[string]any) {
	m.recordEvent(callID, models.EventQualityUpdate, payload)
	m.bus.Publish(bus.CallTopic(callID), models.CallEvent{
		CallID:    callID,
		Type:      models.EventQualityUpdate,
		Source:    models.SourceInternal,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}
