package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/engine"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
)

// phonePattern accepts E.164 numbers: a plus sign and 8 to 15 digits.
var phonePattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// CampaignService owns campaign CRUD, contact attachment, and the lifecycle
// operations that delegate to the engine.
type CampaignService struct {
	store    *store.Store
	engine   *engine.Engine
	bus      *bus.Bus
	defaults config.DialerDefaults
	logger   *slog.Logger
}

// NewCampaignService creates a new CampaignService.
func NewCampaignService(st *store.Store, eng *engine.Engine, b *bus.Bus, defaults config.DialerDefaults) *CampaignService {
	if st == nil {
		panic("NewCampaignService: store must not be nil")
	}
	if eng == nil {
		panic("NewCampaignService: engine must not be nil")
	}
	if b == nil {
		panic("NewCampaignService: bus must not be nil")
	}
	return &CampaignService{
		store:    st,
		engine:   eng,
		bus:      b,
		defaults: defaults,
		logger:   slog.Default().With("component", "campaigns"),
	}
}

// Create validates the request, fills unset dialing knobs from the server
// defaults, and inserts a draft campaign.
func (s *CampaignService) Create(ctx context.Context, req models.CreateCampaignRequest) (*models.Campaign, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "campaign name is required")
	}
	if err := validateSettings(req.Settings); err != nil {
		return nil, err
	}
	req.Settings = s.applyDefaults(req.Settings)

	campaign, err := s.store.CreateCampaign(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign created", "campaignId", campaign.ID, "name", campaign.Name)
	s.publish(campaign)
	return campaign, nil
}

// Get returns one campaign.
func (s *CampaignService) Get(ctx context.Context, id string) (*models.Campaign, error) {
	campaign, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return campaign, err
}

// List returns all campaigns, newest first.
func (s *CampaignService) List(ctx context.Context) ([]*models.Campaign, error) {
	return s.store.ListCampaigns(ctx)
}

// Update applies name or settings changes. A running campaign keeps dialing
// with the settings snapshot taken at start; edits take effect on the next
// start or resume.
func (s *CampaignService) Update(ctx context.Context, id string, req models.UpdateCampaignRequest) (*models.Campaign, error) {
	if req.Name != nil && *req.Name == "" {
		return nil, NewValidationError("name", "campaign name must not be empty")
	}
	if req.Settings != nil {
		if err := validateSettings(*req.Settings); err != nil {
			return nil, err
		}
	}

	campaign, err := s.store.UpdateCampaign(ctx, id, req)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	s.publish(campaign)
	return campaign, nil
}

// Delete removes a campaign. Running or paused campaigns must be stopped
// first so no runtime keeps dialing against a missing row.
func (s *CampaignService) Delete(ctx context.Context, id string) error {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if campaign.State == models.CampaignActive || campaign.State == models.CampaignPaused {
		return fmt.Errorf("campaign %s is %s, stop it first: %w", id, campaign.State, ErrInvalidState)
	}
	err = s.store.DeleteCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return err
}

// AddContacts validates and attaches contacts, then refreshes the campaign's
// contact counter. Returns the upserted contacts and the new total.
func (s *CampaignService) AddContacts(ctx context.Context, campaignID string, inputs []models.ContactInput) ([]*models.Contact, int, error) {
	if len(inputs) == 0 {
		return nil, 0, NewValidationError("contacts", "at least one contact is required")
	}
	for i, in := range inputs {
		if !phonePattern.MatchString(in.Phone) {
			return nil, 0, NewValidationError(
				fmt.Sprintf("contacts[%d].phone", i),
				fmt.Sprintf("%q is not an E.164 phone number", in.Phone))
		}
	}
	if _, err := s.Get(ctx, campaignID); err != nil {
		return nil, 0, err
	}

	contacts, err := s.store.UpsertContacts(ctx, campaignID, inputs)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.RefreshTotalContacts(ctx, campaignID)
	if err != nil {
		return nil, 0, err
	}
	s.logger.Info("contacts attached", "campaignId", campaignID, "added", len(contacts), "total", total)
	if campaign, err := s.store.GetCampaign(ctx, campaignID); err == nil {
		s.publish(campaign)
	}
	return contacts, total, nil
}

// Start begins dialing. Any non-active campaign can start; starting from
// paused restarts with the stored settings rather than the pause snapshot.
// A campaign with no contacts retires to completed on the first tick.
func (s *CampaignService) Start(ctx context.Context, id string) (*models.Campaign, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.StartCampaign(ctx, campaign); err != nil {
		return nil, s.lifecycleError(id, err)
	}
	return s.Get(ctx, id)
}

// Pause halts dialing without touching in-flight calls.
func (s *CampaignService) Pause(ctx context.Context, id string) (*models.Campaign, error) {
	if err := s.engine.Pause(ctx, id); err != nil {
		return nil, s.lifecycleError(id, err)
	}
	return s.Get(ctx, id)
}

// Resume continues a paused campaign and dials immediately.
func (s *CampaignService) Resume(ctx context.Context, id string) (*models.Campaign, error) {
	if err := s.engine.Resume(ctx, id); err != nil {
		return nil, s.lifecycleError(id, err)
	}
	return s.Get(ctx, id)
}

// Stop cancels the campaign. In-flight calls run to completion.
func (s *CampaignService) Stop(ctx context.Context, id string) (*models.Campaign, error) {
	if err := s.engine.StopCampaign(ctx, id); err != nil {
		return nil, s.lifecycleError(id, err)
	}
	return s.Get(ctx, id)
}

// StartFromCSV creates a campaign, attaches the contacts parsed from r, and
// starts dialing in one step.
func (s *CampaignService) StartFromCSV(ctx context.Context, name string, settings models.CampaignSettings, r io.Reader) (*models.Campaign, error) {
	inputs, err := ParseContactsCSV(r)
	if err != nil {
		return nil, err
	}
	campaign, err := s.Create(ctx, models.CreateCampaignRequest{Name: name, Settings: settings})
	if err != nil {
		return nil, err
	}
	if _, _, err := s.AddContacts(ctx, campaign.ID, inputs); err != nil {
		return nil, err
	}
	return s.Start(ctx, campaign.ID)
}

// lifecycleError maps engine sentinels onto the service error taxonomy. A
// campaign the engine does not know gets a store lookup so unknown ids still
// surface as not found.
func (s *CampaignService) lifecycleError(id string, err error) error {
	switch {
	case errors.Is(err, engine.ErrAlreadyRunning):
		return fmt.Errorf("campaign %s is already active: %w", id, ErrInvalidState)
	case errors.Is(err, engine.ErrNotRunning):
		return fmt.Errorf("campaign %s is not active: %w", id, ErrInvalidState)
	case errors.Is(err, engine.ErrNotPaused):
		return fmt.Errorf("campaign %s is not paused: %w", id, ErrInvalidState)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *CampaignService) applyDefaults(settings models.CampaignSettings) models.CampaignSettings {
	if settings.CallDelayMs == 0 {
		settings.CallDelayMs = int(s.defaults.CallDelay / time.Millisecond)
	}
	if settings.MaxConcurrentCalls == 0 {
		settings.MaxConcurrentCalls = s.defaults.MaxConcurrentCalls
	}
	if settings.RetryCount == 0 {
		settings.RetryCount = s.defaults.RetryCount
	}
	if settings.RetryDelayMs == 0 {
		settings.RetryDelayMs = int(s.defaults.RetryDelay / time.Millisecond)
	}
	return settings
}

func (s *CampaignService) publish(campaign *models.Campaign) {
	s.bus.Publish(bus.TopicCampaignUpdates, campaign)
	s.bus.Publish(bus.CampaignTopic(campaign.ID), campaign)
}

func validateSettings(settings models.CampaignSettings) error {
	if settings.CallDelayMs < 0 {
		return NewValidationError("settings.callDelayMs", "must not be negative")
	}
	if settings.MaxConcurrentCalls < 0 {
		return NewValidationError("settings.maxConcurrentCalls", "must not be negative")
	}
	if settings.RetryCount < 0 {
		return NewValidationError("settings.retryCount", "must not be negative")
	}
	if settings.RetryDelayMs < 0 {
		return NewValidationError("settings.retryDelayMs", "must not be negative")
	}
	if settings.CallerID != "" && !phonePattern.MatchString(settings.CallerID) {
		return NewValidationError("settings.callerId", "must be an E.164 phone number")
	}
	return nil
}
