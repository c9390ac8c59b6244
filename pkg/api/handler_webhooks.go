package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/telephony"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// Telephony callbacks always answer 200: a non-2xx makes the provider retry
// and, on the TwiML routes, drops the live call. Processing failures are
// logged and recorded on the call's event log instead of surfacing.

// statusCallbackHandler handles POST /call-status-callback. It is the single
// point where provider status transitions land: state update, terminal
// attribution, and the bus publish that wakes the campaign engine all
// happen here.
func (s *Server) statusCallbackHandler(c *echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("malformed status callback", "error", err)
		return c.NoContent(http.StatusOK)
	}

	cb := telephony.ParseStatusCallback(r.PostForm)
	if cb.CallSID == "" {
		return c.NoContent(http.StatusOK)
	}

	if err := s.applyStatusCallback(r.Context(), cb); err != nil {
		s.logger.Error("status callback processing failed",
			"callSid", cb.CallSID, "status", cb.CallStatus, "error", err)
		s.recordWebhookError(cb.CallSID, "status callback", err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) applyStatusCallback(ctx context.Context, cb telephony.StatusCallback) error {
	state, ok := cb.State()
	if !ok {
		s.logger.Debug("unmapped call status", "callSid", cb.CallSID, "status", cb.CallStatus)
		return s.store.AppendEvent(ctx, models.AppendEventRequest{
			CallID: cb.CallSID,
			Type:   models.EventStatusChange,
			Source: models.SourceTelephony,
			Payload: map[string]any{
				"status":   cb.CallStatus,
				"sequence": cb.SequenceNumber,
				"mapped":   false,
			},
		})
	}

	applied, err := s.store.UpdateCallState(ctx, cb.CallSID, state, cb.CallDuration)
	if err != nil {
		return err
	}
	if !applied && state.IsTerminal() {
		// The row went terminal before this webhook (API teardown or the
		// inactivity timer). Keep the provider's measured duration anyway.
		if err := s.store.SetCallDuration(ctx, cb.CallSID, cb.CallDuration); err != nil {
			s.logger.Warn("duration backfill failed", "callSid", cb.CallSID, "error", err)
		}
	}

	if err := s.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID: cb.CallSID,
		Type:   models.EventStatusChange,
		Source: models.SourceTelephony,
		Payload: map[string]any{
			"status":   cb.CallStatus,
			"sequence": cb.SequenceNumber,
		},
	}); err != nil {
		s.logger.Warn("status event append failed", "callSid", cb.CallSID, "error", err)
	}

	// AnsweredBy can ride along on the in-progress callback when AMD runs
	// synchronously.
	if cb.AnsweredBy != "" {
		s.recordAnsweredBy(ctx, cb.CallSID, cb.AnsweredBy, "")
	}

	if state.IsTerminal() {
		if tag := termination.TagForStatus(state); tag != "" {
			if _, err := s.arbiter.Signal(ctx, termination.Signal{
				CallID: cb.CallSID,
				Tag:    tag,
				Source: models.SourceTelephony,
				Reason: cb.CallStatus,
			}); err != nil {
				s.logger.Warn("terminal attribution failed", "callSid", cb.CallSID, "error", err)
			}
		}

		call, err := s.store.GetCall(ctx, cb.CallSID)
		if err != nil {
			return err
		}
		if _, err := s.arbiter.FinalizeUnattributed(ctx, call); err != nil {
			s.logger.Warn("fallback attribution failed", "callSid", cb.CallSID, "error", err)
		}
	}

	// Publish the row as stored so the engine and dashboard fan-out see the
	// attribution the arbiter just settled.
	call, err := s.store.GetCall(ctx, cb.CallSID)
	if err != nil {
		return err
	}
	s.publishCall(call)
	return nil
}

// amdCallbackHandler handles POST /amd-status-callback, the asynchronous
// answering-machine detection verdict.
func (s *Server) amdCallbackHandler(c *echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("malformed amd callback", "error", err)
		return c.NoContent(http.StatusOK)
	}

	cb := telephony.ParseAMDCallback(r.PostForm)
	if cb.CallSID == "" {
		return c.NoContent(http.StatusOK)
	}

	ctx := r.Context()
	s.recordAnsweredBy(ctx, cb.CallSID, cb.AnsweredBy, cb.MachineBehavior)

	if call, err := s.store.GetCall(ctx, cb.CallSID); err == nil {
		s.publishCall(call)
	}
	return c.NoContent(http.StatusOK)
}

// recordAnsweredBy persists the AMD classification, logs the event, and
// raises the machine attribution signal when a machine answered. The AMD
// verdict outlasts natural closure signals but yields to an explicit
// API termination.
func (s *Server) recordAnsweredBy(ctx context.Context, callID, answeredBy, behavior string) {
	normalized := telephony.NormalizeAnsweredBy(answeredBy)
	if err := s.store.SetAnsweredBy(ctx, callID, normalized); err != nil {
		s.logger.Warn("failed to set answered_by", "callSid", callID, "error", err)
		return
	}

	payload := map[string]any{"answeredBy": string(normalized)}
	if behavior != "" {
		payload["machineBehavior"] = behavior
	}
	if err := s.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID:  callID,
		Type:    models.EventMachineDetection,
		Source:  models.SourceTelephony,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("machine detection event append failed", "callSid", callID, "error", err)
	}

	if normalized.IsMachine() {
		if _, err := s.arbiter.Signal(ctx, termination.Signal{
			CallID: callID,
			Tag:    models.TerminatedByAMDMachine,
			Source: models.SourceTelephony,
			Reason: behavior,
		}); err != nil {
			s.logger.Warn("machine attribution failed", "callSid", callID, "error", err)
		}
	}
}

// recordingCallbackHandler handles POST /recording-status-callback.
func (s *Server) recordingCallbackHandler(c *echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("malformed recording callback", "error", err)
		return c.NoContent(http.StatusOK)
	}

	cb := telephony.ParseRecordingCallback(r.PostForm)
	if cb.CallSID == "" || cb.RecordingSID == "" {
		return c.NoContent(http.StatusOK)
	}

	ctx := r.Context()
	rec, err := s.store.UpsertRecording(ctx, models.Recording{
		ID:          cb.RecordingSID,
		CallID:      cb.CallSID,
		URL:         cb.RecordingURL,
		Status:      models.RecordingStatus(cb.RecordingStatus),
		DurationSec: cb.RecordingDuration,
		Channels:    cb.RecordingChannels,
	})
	if err != nil {
		s.logger.Error("recording upsert failed", "callSid", cb.CallSID, "recordingSid", cb.RecordingSID, "error", err)
		s.recordWebhookError(cb.CallSID, "recording callback", err)
		return c.NoContent(http.StatusOK)
	}

	if err := s.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID: cb.CallSID,
		Type:   models.EventRecordingUpdate,
		Source: models.SourceTelephony,
		Payload: map[string]any{
			"recordingId": rec.ID,
			"status":      string(rec.Status),
			"durationSec": rec.DurationSec,
		},
	}); err != nil {
		s.logger.Warn("recording event append failed", "callSid", cb.CallSID, "error", err)
	}

	s.bus.Publish(bus.CallTopic(cb.CallSID), rec)
	return c.NoContent(http.StatusOK)
}

// qualityCallbackHandler handles POST /quality-insights-callback. The
// payload shape varies by provider product, so the fields are kept as-is in
// the event log for later inspection.
func (s *Server) qualityCallbackHandler(c *echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		s.logger.Warn("malformed quality callback", "error", err)
		return c.NoContent(http.StatusOK)
	}

	callID := r.PostForm.Get("CallSid")
	if callID == "" {
		return c.NoContent(http.StatusOK)
	}

	payload := make(map[string]any, len(r.PostForm))
	for key := range r.PostForm {
		payload[key] = r.PostForm.Get(key)
	}

	if err := s.store.AppendEvent(r.Context(), models.AppendEventRequest{
		CallID:  callID,
		Type:    models.EventQualityUpdate,
		Source:  models.SourceTelephony,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("quality event append failed", "callSid", callID, "error", err)
	}

	s.bus.Publish(bus.CallTopic(callID), models.CallEvent{
		CallID:    callID,
		Type:      models.EventQualityUpdate,
		Source:    models.SourceTelephony,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	return c.NoContent(http.StatusOK)
}

// outboundTwiMLHandler handles POST /outbound-call-twiml. The provider
// fetches this when the callee picks up; the response opens the media
// stream back to this service with the conversation parameters the dialer
// attached to the URL.
func (s *Server) outboundTwiMLHandler(c *echo.Context) error {
	var params []telephony.Parameter
	for _, name := range []string{"prompt", "first_message", "name", "campaignId", "contactId"} {
		if v := c.QueryParam(name); v != "" {
			params = append(params, telephony.Parameter{Name: name, Value: v})
		}
	}

	xml, err := telephony.StreamTwiML(telephony.StreamURL(s.cfg.PublicURL), params)
	if err != nil {
		s.logger.Error("twiml render failed", "error", err)
		return c.Blob(http.StatusOK, "application/xml", []byte(telephony.FallbackTwiML()))
	}
	return c.Blob(http.StatusOK, "application/xml", []byte(xml))
}

// fallbackTwiMLHandler handles POST /fallback-twiml, the provider's last
// resort when the primary TwiML endpoint errors.
func (s *Server) fallbackTwiMLHandler(c *echo.Context) error {
	return c.Blob(http.StatusOK, "application/xml", []byte(telephony.FallbackTwiML()))
}

// publishCall pushes the current call row to its topics.
func (s *Server) publishCall(call *models.Call) {
	s.bus.Publish(bus.TopicCallUpdates, call)
	s.bus.Publish(bus.CallTopic(call.ID), call)
}

// recordWebhookError leaves a trace on the call event log when a webhook
// was acknowledged but not fully processed.
func (s *Server) recordWebhookError(callID, stage string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.AppendEvent(ctx, models.AppendEventRequest{
		CallID: callID,
		Type:   models.EventError,
		Source: models.SourceInternal,
		Payload: map[string]any{
			"stage": stage,
			"error": cause.Error(),
		},
	}); err != nil {
		s.logger.Warn("failed to record webhook error", "callSid", callID, "error", err)
	}
}
