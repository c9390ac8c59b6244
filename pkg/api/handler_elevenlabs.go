package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// maxWebhookBodyBytes bounds the post-call payload; long transcripts run to
// hundreds of kilobytes, never megabytes.
const maxWebhookBodyBytes = 4 << 20

// elevenLabsWebhookHandler handles POST /webhooks/elevenlabs, the AI
// provider's post-call delivery: final transcript, analysis, timing, and
// the provider's view of who ended the conversation. A bad signature is the
// one case that is not acknowledged; processing failures are logged and
// answered 200 so the provider does not retry into the same failure.
func (s *Server) elevenLabsWebhookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBodyBytes))
	if err != nil {
		s.logger.Warn("unreadable post-call body", "error", err)
		return c.JSON(http.StatusOK, AcceptedResponse{Success: true})
	}

	if s.aiSecret != "" {
		header := c.Request().Header.Get("elevenlabs-signature")
		if err := elevenlabs.VerifySignature(s.aiSecret, header, body, time.Now()); err != nil {
			s.logger.Warn("post-call signature rejected", "error", err)
			// Deliberately not the telephony always-200 contract: a bad
			// signature must surface as 401 so the provider retries with a
			// correct one instead of treating the payload as delivered.
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
		}
	}

	payload, err := elevenlabs.ParsePostCallPayload(body)
	if err != nil {
		s.logger.Warn("undecodable post-call payload", "error", err)
		return c.JSON(http.StatusOK, AcceptedResponse{Success: true})
	}
	if payload.Data.ConversationID == "" {
		return c.JSON(http.StatusOK, AcceptedResponse{Success: true})
	}

	if err := s.applyPostCall(c.Request().Context(), payload); err != nil {
		s.logger.Error("post-call processing failed",
			"conversationId", payload.Data.ConversationID, "error", err)
	}
	return c.JSON(http.StatusOK, AcceptedResponse{Success: true})
}

func (s *Server) applyPostCall(ctx context.Context, payload *elevenlabs.PostCallPayload) error {
	data := payload.Data

	call, err := s.store.GetCallByConversationID(ctx, data.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("post-call webhook for unknown conversation",
			"conversationId", data.ConversationID)
		return nil
	}
	if err != nil {
		return err
	}

	s.backfillTranscript(ctx, call, data)

	if data.Analysis != nil {
		if err := s.store.UpsertAnalysis(ctx, call.ID, models.TranscriptAnalysis{
			Summary: data.Analysis.TranscriptSummary,
		}); err != nil {
			s.logger.Warn("analysis upsert failed", "callSid", call.ID, "error", err)
		}
	}

	if err := s.store.SetCallDuration(ctx, call.ID, data.Metadata.CallDurationSecs); err != nil {
		s.logger.Warn("post-call duration backfill failed", "callSid", call.ID, "error", err)
	}

	// The provider's verdict may only fill attribution, never displace one
	// already decided; unknown verdicts contribute nothing the finalization
	// fallback would not.
	if tag := elevenlabs.HangupAttribution(data.Metadata.TerminationReason); tag != models.TerminatedByUnknown {
		if _, err := s.arbiter.Signal(ctx, termination.Signal{
			CallID: call.ID,
			Tag:    tag,
			Source: models.SourceAI,
			Reason: data.Metadata.TerminationReason,
		}); err != nil {
			s.logger.Warn("post-call attribution failed", "callSid", call.ID, "error", err)
		}
	}

	fresh, err := s.store.GetCall(ctx, call.ID)
	if err != nil {
		return err
	}
	s.publishCall(fresh)

	// CRM delivery happens off the request path; the provider expects this
	// endpoint to answer fast and the CRM target gets a 10s budget.
	var summary string
	if data.Analysis != nil {
		summary = data.Analysis.TranscriptSummary
	}
	go s.crm.NotifyCallCompleted(context.Background(), fresh, summary)

	return nil
}

// backfillTranscript persists the webhook's transcript copy only when the
// live bridge path captured nothing. Timestamps are reconstructed from the
// conversation start plus each turn's in-call offset.
func (s *Server) backfillTranscript(ctx context.Context, call *models.Call, data elevenlabs.PostCallData) {
	if len(data.Transcript) == 0 {
		return
	}

	existing, err := s.store.GetTranscript(ctx, call.ID)
	if err != nil {
		s.logger.Warn("transcript lookup failed", "callSid", call.ID, "error", err)
		return
	}
	if len(existing.Utterances) > 0 {
		return
	}

	start := time.Unix(data.Metadata.StartTimeUnixSecs, 0)
	if data.Metadata.StartTimeUnixSecs == 0 {
		start = call.CreatedAt
	}
	for _, turn := range data.Transcript {
		if turn.Message == "" {
			continue
		}
		at := start.Add(time.Duration(turn.TimeInCallSecs * float64(time.Second)))
		if err := s.store.AppendUtterance(ctx, call.ID, utteranceRole(turn.Role), turn.Message, at); err != nil {
			s.logger.Warn("transcript backfill append failed", "callSid", call.ID, "error", err)
			return
		}
	}
	s.logger.Info("transcript backfilled from post-call webhook",
		"callSid", call.ID, "turns", len(data.Transcript))
}

func utteranceRole(provider string) models.UtteranceRole {
	switch provider {
	case "agent":
		return models.RoleAgent
	case "user":
		return models.RoleUser
	}
	return models.RoleSystem
}
