// Package crm posts post-call summaries to an external CRM webhook.
// Delivery is best effort: the notifier never blocks or fails call
// finalization, it only logs and records the attempt on the call's
// event log.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

const postTimeout = 10 * time.Second

// EventRecorder appends entries to a call's event log. Satisfied by
// *store.Store.
type EventRecorder interface {
	AppendEvent(ctx context.Context, req models.AppendEventRequest) error
}

// Notifier delivers post-call summaries to the configured CRM webhook.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	webhookURL string
	client     *http.Client
	events     EventRecorder
	logger     *slog.Logger
}

// New creates a CRM notifier. Returns nil when the feature is disabled
// or no webhook URL is configured, so callers hold a nil handle and
// every notification becomes a no-op.
func New(cfg config.CRMConfig, events EventRecorder) *Notifier {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}
	return &Notifier{
		webhookURL: cfg.WebhookURL,
		client:     &http.Client{Timeout: postTimeout},
		events:     events,
		logger:     slog.Default().With("component", "crm-notifier"),
	}
}

// callSummary is the JSON body posted to the CRM webhook.
type callSummary struct {
	CallID       string     `json:"callId"`
	CampaignID   string     `json:"campaignId,omitempty"`
	ContactID    string     `json:"contactId,omitempty"`
	ContactName  string     `json:"contactName,omitempty"`
	To           string     `json:"to"`
	State        string     `json:"state"`
	TerminatedBy string     `json:"terminatedBy,omitempty"`
	Outcome      string     `json:"outcome"`
	DurationSec  int        `json:"durationSec"`
	Summary      string     `json:"summary,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// NotifyCallCompleted posts the call's post-call summary to the CRM
// webhook and records the attempt as a crm_send event.
// Fail-open: errors are logged, never returned.
func (n *Notifier) NotifyCallCompleted(ctx context.Context, call *models.Call, summary string) {
	if n == nil || call == nil {
		return
	}

	body := callSummary{
		CallID:       call.ID,
		CampaignID:   call.CampaignID,
		ContactID:    call.ContactID,
		ContactName:  call.ContactName,
		To:           call.To,
		State:        string(call.State),
		TerminatedBy: string(call.TerminatedBy),
		Outcome:      string(termination.Outcome(call.State, call.TerminatedBy)),
		DurationSec:  call.DurationSec,
		Summary:      summary,
		EndedAt:      call.EndedAt,
	}

	err := n.post(ctx, body)
	if err != nil {
		n.logger.Error("Failed to deliver CRM webhook",
			"call_id", call.ID,
			"error", err)
	}
	n.recordAttempt(ctx, call.ID, err)
}

func (n *Notifier) post(ctx context.Context, body callSummary) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode CRM payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build CRM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post CRM webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("CRM webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// recordAttempt appends a crm_send event reflecting the delivery result.
// The event itself is best effort too.
func (n *Notifier) recordAttempt(ctx context.Context, callID string, sendErr error) {
	payload := map[string]any{"delivered": sendErr == nil}
	if sendErr != nil {
		payload["error"] = sendErr.Error()
	}
	err := n.events.AppendEvent(ctx, models.AppendEventRequest{
		CallID:  callID,
		Type:    models.EventCRMSend,
		Source:  models.SourceInternal,
		Payload: payload,
	})
	if err != nil {
		n.logger.Warn("Failed to record crm_send event",
			"call_id", callID,
			"error", err)
	}
}
