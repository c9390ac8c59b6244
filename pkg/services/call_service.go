package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/telephony"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

// Dialer places and tears down provider calls. Satisfied by
// *telephony.Gateway.
type Dialer interface {
	CreateCall(ctx context.Context, req telephony.CallRequest) (*models.Call, error)
	TerminateCall(ctx context.Context, callID string, reason models.TerminationTag) error
	StreamRecording(ctx context.Context, recordingURL string) (io.ReadCloser, string, error)
}

// SessionTerminator ends a live media session. Satisfied by *bridge.Manager.
type SessionTerminator interface {
	TerminateSession(callID string, reason models.TerminationTag) bool
}

// OutboundCallInput is the domain-level shape of a single-call request,
// built by the handler from the HTTP body.
type OutboundCallInput struct {
	To           string
	From         string
	Region       string
	Prompt       string
	FirstMessage string
	Name         string
	CampaignID   string
	ContactID    string
}

// CallService owns single-call operations: manual dials, lookups, transcript
// and event reads, API-initiated termination, and recording access.
type CallService struct {
	store   *store.Store
	dialer  Dialer
	bridge  SessionTerminator
	arbiter *termination.Arbiter
	logger  *slog.Logger
}

// NewCallService creates a new CallService. bridge may be nil when no media
// endpoint is mounted (termination then goes straight to the provider).
func NewCallService(st *store.Store, dialer Dialer, bridge SessionTerminator, arbiter *termination.Arbiter) *CallService {
	if st == nil {
		panic("NewCallService: store must not be nil")
	}
	if dialer == nil {
		panic("NewCallService: dialer must not be nil")
	}
	if arbiter == nil {
		panic("NewCallService: arbiter must not be nil")
	}
	return &CallService{
		store:   st,
		dialer:  dialer,
		bridge:  bridge,
		arbiter: arbiter,
		logger:  slog.Default().With("component", "calls"),
	}
}

// InitiateOutbound places a single call outside any campaign tick. Region is
// accepted for wire compatibility but number selection always follows From
// or the configured caller id.
func (s *CallService) InitiateOutbound(ctx context.Context, input OutboundCallInput) (*models.Call, error) {
	if !phonePattern.MatchString(input.To) {
		return nil, NewValidationError("to", "must be an E.164 phone number")
	}
	if input.From != "" && !phonePattern.MatchString(input.From) {
		return nil, NewValidationError("from", "must be an E.164 phone number")
	}
	if input.CampaignID != "" {
		if _, err := s.store.GetCampaign(ctx, input.CampaignID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NewValidationError("campaignId", "unknown campaign")
			}
			return nil, err
		}
	}
	if input.ContactID != "" {
		if _, err := s.store.GetContact(ctx, input.ContactID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, NewValidationError("contactId", "unknown contact")
			}
			return nil, err
		}
	}

	call, err := s.dialer.CreateCall(ctx, telephony.CallRequest{
		To:           input.To,
		From:         input.From,
		Prompt:       input.Prompt,
		FirstMessage: input.FirstMessage,
		ContactName:  input.Name,
		CampaignID:   input.CampaignID,
		ContactID:    input.ContactID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("outbound call initiated", "callId", call.ID, "to", input.To)
	return call, nil
}

// Get returns one call.
func (s *CallService) Get(ctx context.Context, id string) (*models.Call, error) {
	call, err := s.store.GetCall(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return call, err
}

// List returns calls matching the filters plus the unpaginated total.
func (s *CallService) List(ctx context.Context, f models.CallFilters) ([]*models.Call, int, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, 0, NewValidationError("status", fmt.Sprintf("unknown call state %q", f.State))
	}
	if f.Limit < 0 {
		return nil, 0, NewValidationError("limit", "must not be negative")
	}
	if f.Offset < 0 {
		return nil, 0, NewValidationError("offset", "must not be negative")
	}
	return s.store.ListCalls(ctx, f)
}

// Events returns the call's event log, oldest first.
func (s *CallService) Events(ctx context.Context, callID string) ([]*models.CallEvent, error) {
	if _, err := s.Get(ctx, callID); err != nil {
		return nil, err
	}
	return s.store.ListCallEvents(ctx, callID)
}

// Transcript returns the call's transcript; fresh calls yield an empty one.
func (s *CallService) Transcript(ctx context.Context, callID string) (*models.Transcript, error) {
	if _, err := s.Get(ctx, callID); err != nil {
		return nil, err
	}
	return s.store.GetTranscript(ctx, callID)
}

// Terminate ends a live call on explicit API request. The api_request
// signal lands before the provider teardown so the natural closure signals
// it triggers lose arbitration.
func (s *CallService) Terminate(ctx context.Context, callID string) error {
	call, err := s.Get(ctx, callID)
	if err != nil {
		return err
	}
	if call.State.IsTerminal() {
		return fmt.Errorf("call %s already %s: %w", callID, call.State, ErrInvalidState)
	}

	if _, err := s.arbiter.Signal(ctx, termination.Signal{
		CallID: callID,
		Tag:    models.TerminatedByAPIRequest,
		Source: models.SourceInternal,
		Reason: "terminate requested via api",
	}); err != nil {
		s.logger.Warn("api termination arbitration failed", "callId", callID, "error", err)
	}

	// A live media session owns both sockets; let it tear down through the
	// gateway. Attribution already happened, so the reason stays empty.
	if s.bridge != nil && s.bridge.TerminateSession(callID, "") {
		return nil
	}
	return s.dialer.TerminateCall(ctx, callID, "")
}

// Recording returns recording metadata.
func (s *CallService) Recording(ctx context.Context, id string) (*models.Recording, error) {
	rec, err := s.store.GetRecording(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// OpenRecording streams the recording audio from the provider. The caller
// closes the reader.
func (s *CallService) OpenRecording(ctx context.Context, id string) (io.ReadCloser, string, error) {
	rec, err := s.Recording(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return s.dialer.StreamRecording(ctx, rec.URL)
}
