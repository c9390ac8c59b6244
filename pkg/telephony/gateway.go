package telephony

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// SignedURLSource provides the AI provider's pre-dial reachability check.
type SignedURLSource interface {
	GetSignedURL(ctx context.Context) (string, error)
}

// Gateway orchestrates call setup and teardown: AI provider pre-flight,
// callback URL construction, provider dial, store row creation, and
// arbiter-attributed teardown. The media bridge and the campaign engine
// both drive calls exclusively through it.
type Gateway struct {
	client    *Client
	ai        SignedURLSource
	store     *store.Store
	arbiter   *termination.Arbiter
	bus       *bus.Bus
	publicURL string
	logger    *slog.Logger
}

// NewGateway wires the gateway. publicURL is the externally reachable base
// the provider calls back on.
func NewGateway(client *Client, ai SignedURLSource, st *store.Store, arb *termination.Arbiter, b *bus.Bus, publicURL string) *Gateway {
	return &Gateway{
		client:    client,
		ai:        ai,
		store:     st,
		arbiter:   arb,
		bus:       b,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    slog.With("component", "gateway"),
	}
}

// CallRequest describes one outbound call to place. Prompt and
// FirstMessage override the agent defaults; ContactName feeds the agent's
// dynamic variables. Campaign and contact ids tie the call back to the
// dialing pipeline and may be empty for ad-hoc calls.
type CallRequest struct {
	To           string
	From         string
	Prompt       string
	FirstMessage string
	ContactName  string
	CampaignID   string
	ContactID    string
	RingTimeout  int
}

// CreateCall dials req.To and records the call. The AI provider is probed
// for a signed streaming URL first: a dead agent means nobody would speak
// to whoever answers, so the dial is not attempted.
func (g *Gateway) CreateCall(ctx context.Context, req CallRequest) (*models.Call, error) {
	if _, err := g.ai.GetSignedURL(ctx); err != nil {
		return nil, fmt.Errorf("ai provider pre-flight failed: %w", err)
	}

	resource, err := g.client.CreateCall(ctx, CreateCallRequest{
		To:                req.To,
		From:              req.From,
		TwiMLURL:          g.twimlURL(req),
		FallbackURL:       g.publicURL + "/fallback-twiml",
		StatusCallback:    g.publicURL + "/call-status-callback",
		AMDCallback:       g.publicURL + "/amd-status-callback",
		RecordingCallback: g.publicURL + "/recording-status-callback",
		RingTimeout:       req.RingTimeout,
	})
	if err != nil {
		return nil, err
	}

	from := req.From
	if from == "" {
		from = g.client.Number()
	}
	call, err := g.store.CreateCall(ctx, models.NewCall{
		ID:          resource.SID,
		CampaignID:  req.CampaignID,
		ContactID:   req.ContactID,
		ContactName: req.ContactName,
		Direction:   models.DirectionOutbound,
		State:       models.CallInitiated,
		From:        from,
		To:          req.To,
	})
	if err != nil {
		// The provider call is live but untracked; tear it down instead
		// of letting it ring unobserved.
		teardownCtx, cancel := context.WithTimeout(context.Background(), overallTimeout)
		defer cancel()
		if terr := g.client.TerminateCall(teardownCtx, resource.SID); terr != nil {
			g.logger.Error("failed to tear down untracked call", "call_id", resource.SID, "error", terr)
		}
		return nil, fmt.Errorf("failed to record call %s: %w", resource.SID, err)
	}

	g.appendEvent(ctx, call.ID, models.EventStatusChange, models.SourceInternal, map[string]any{
		"state": string(models.CallInitiated),
		"to":    req.To,
	})
	g.publishCall(call)
	return call, nil
}

// TerminateCall tears the provider call down. A non-empty reason is
// submitted to the arbiter before teardown so racing natural signals from
// the collapsing call resolve against it. An empty reason skips
// arbitration; the caller finalizes attribution separately.
func (g *Gateway) TerminateCall(ctx context.Context, callID string, reason models.TerminationTag) error {
	if reason != "" {
		_, err := g.arbiter.Signal(ctx, termination.Signal{
			CallID: callID,
			Tag:    reason,
			Source: models.SourceInternal,
			Reason: "terminate requested",
			At:     time.Now(),
		})
		if err != nil {
			g.logger.Warn("failed to record termination attribution", "call_id", callID, "error", err)
		}
	}

	if err := g.client.TerminateCall(ctx, callID); err != nil {
		return err
	}

	applied, err := g.store.UpdateCallState(ctx, callID, models.CallCompleted, 0)
	if err != nil {
		g.logger.Warn("failed to persist teardown state", "call_id", callID, "error", err)
		return nil
	}
	if applied {
		g.publishCallByID(ctx, callID)
	}
	return nil
}

// StreamRecording proxies a stored provider recording.
func (g *Gateway) StreamRecording(ctx context.Context, recordingURL string) (io.ReadCloser, string, error) {
	return g.client.StreamRecording(ctx, recordingURL)
}

// twimlURL carries the per-call overrides as query parameters so the
// TwiML endpoint can thread them into the media stream statelessly.
func (g *Gateway) twimlURL(req CallRequest) string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("prompt", req.Prompt)
	set("first_message", req.FirstMessage)
	set("name", req.ContactName)
	set("campaignId", req.CampaignID)
	set("contactId", req.ContactID)

	u := g.publicURL + "/outbound-call-twiml"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func (g *Gateway) appendEvent(ctx context.Context, callID string, typ models.CallEventType, source models.SignalSource, payload map[string]any) {
	err := g.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID:    callID,
		Type:      typ,
		Source:    source,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		g.logger.Warn("failed to append call event", "call_id", callID, "type", typ, "error", err)
	}
}

func (g *Gateway) publishCall(call *models.Call) {
	g.bus.Publish(bus.TopicCallUpdates, call)
	g.bus.Publish(bus.CallTopic(call.ID), call)
}

func (g *Gateway) publishCallByID(ctx context.Context, callID string) {
	call, err := g.store.GetCall(ctx, callID)
	if err != nil {
		g.logger.Warn("failed to load call for publish", "call_id", callID, "error", err)
		return
	}
	g.publishCall(call)
}

// StreamURL converts the public HTTP base into the media-stream WebSocket
// URL the TwiML hands to the provider.
func StreamURL(publicBase string) string {
	base := strings.TrimRight(publicBase, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/outbound-media-stream"
}
