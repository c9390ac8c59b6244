// Package engine drives outbound dialing for active campaigns. Each campaign
// gets an independent timer loop that claims contacts from the store and
// hands them to the telephony gateway, capped by the campaign's concurrency
// settings. A single outcome loop watches call.updates and settles contact
// dispositions and campaign counters when calls reach a terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/telephony"
	"github.com/kestrelcall/kestrel/pkg/termination"
)

var (
	// ErrAlreadyRunning is returned when starting or resuming a campaign
	// that already has a live runtime.
	ErrAlreadyRunning = errors.New("campaign already running")
	// ErrNotRunning is returned when pausing or stopping a campaign the
	// engine is not driving.
	ErrNotRunning = errors.New("campaign not running")
	// ErrNotPaused is returned when resuming a campaign that holds no
	// pause snapshot and is not paused in the store either.
	ErrNotPaused = errors.New("campaign not paused")
)

const (
	// outcomeBuffer sizes the engine's call.updates subscription. Terminal
	// events dropped under extreme lag leave contacts in processing until
	// the lock sweeper reverts them, so the buffer is generous.
	outcomeBuffer = 256

	// settleTimeout bounds the store writes performed when a call finishes
	// or a placement fails. These run on background contexts because the
	// originating request or runtime may already be gone.
	settleTimeout = 30 * time.Second

	fundsFailureThreshold = 3
	fundsFailureWindow    = time.Minute
)

// CallPlacer starts outbound calls. Satisfied by *telephony.Gateway.
type CallPlacer interface {
	CreateCall(ctx context.Context, req telephony.CallRequest) (*models.Call, error)
}

// Engine schedules outbound calls for campaigns. A campaign id lives in at
// most one of the active and paused maps, never both.
type Engine struct {
	store    *store.Store
	placer   CallPlacer
	bus      *bus.Bus
	defaults config.DialerDefaults
	lockTTL  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*runtime
	paused map[string]pauseSnapshot

	ctx         context.Context
	cancel      context.CancelFunc
	sub         *bus.Subscription
	outcomeDone chan struct{}
}

// pauseSnapshot preserves the runtime knobs across a pause so resume does
// not pick up settings edits made while the campaign was active.
type pauseSnapshot struct {
	settings models.CampaignSettings
	pausedAt time.Time
}

func New(st *store.Store, placer CallPlacer, b *bus.Bus, defaults config.DialerDefaults, lockTTL time.Duration) *Engine {
	return &Engine{
		store:    st,
		placer:   placer,
		bus:      b,
		defaults: defaults,
		lockTTL:  lockTTL,
		logger:   slog.Default().With("component", "engine"),
		active:   make(map[string]*runtime),
		paused:   make(map[string]pauseSnapshot),
	}
}

// Start attaches the outcome handler. Call once before any campaign
// operation; ctx bounds every dial loop the engine spawns.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.sub = e.bus.Subscribe(bus.TopicCallUpdates, outcomeBuffer)
	e.outcomeDone = make(chan struct{})
	go e.outcomeLoop()
}

// StartCampaign spins up a dial loop for the campaign and marks it active.
// The first tick fires immediately.
func (e *Engine) StartCampaign(ctx context.Context, campaign *models.Campaign) error {
	e.mu.Lock()
	if _, ok := e.active[campaign.ID]; ok {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Starting over discards any stale pause snapshot.
	delete(e.paused, campaign.ID)
	rt := e.newRuntime(campaign.ID, campaign.Settings)
	e.active[campaign.ID] = rt
	e.mu.Unlock()

	if err := e.store.SetCampaignState(ctx, campaign.ID, models.CampaignActive); err != nil {
		e.removeRuntime(rt)
		return err
	}
	go e.dialLoop(rt, 0)
	e.logger.Info("campaign started",
		"campaignId", campaign.ID,
		"maxConcurrent", rt.settings.MaxConcurrentCalls,
		"callDelay", rt.delay())
	e.publishCampaign(ctx, campaign.ID)
	return nil
}

// Pause stops the campaign's timer before removing its handle, so no tick
// can observe a half-paused runtime. In-flight calls are not waited on; they
// run to completion and settle through the outcome loop.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	e.mu.Lock()
	rt, ok := e.active[campaignID]
	if !ok {
		e.mu.Unlock()
		return ErrNotRunning
	}
	rt.cancel()
	delete(e.active, campaignID)
	e.paused[campaignID] = pauseSnapshot{settings: rt.settings, pausedAt: time.Now()}
	e.mu.Unlock()

	if err := e.store.SetCampaignState(ctx, campaignID, models.CampaignPaused); err != nil {
		return err
	}
	e.logger.Info("campaign paused", "campaignId", campaignID, "inFlight", rt.inFlightCount())
	e.publishCampaign(ctx, campaignID)
	return nil
}

// Resume moves a paused campaign back to active and ticks immediately. After
// a restart no snapshot survives, so a campaign the store still marks paused
// is rebuilt from its row instead.
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	e.mu.Lock()
	snap, ok := e.paused[campaignID]
	if !ok {
		if _, running := e.active[campaignID]; running {
			e.mu.Unlock()
			return ErrAlreadyRunning
		}
		e.mu.Unlock()
		campaign, err := e.store.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if campaign.State != models.CampaignPaused {
			return ErrNotPaused
		}
		return e.StartCampaign(ctx, campaign)
	}
	delete(e.paused, campaignID)
	rt := e.newRuntime(campaignID, snap.settings)
	e.active[campaignID] = rt
	e.mu.Unlock()

	e.rebuildInFlight(ctx, rt)

	if err := e.store.SetCampaignState(ctx, campaignID, models.CampaignActive); err != nil {
		e.removeRuntime(rt)
		e.mu.Lock()
		e.paused[campaignID] = snap
		e.mu.Unlock()
		return err
	}
	go e.dialLoop(rt, 0)
	e.logger.Info("campaign resumed", "campaignId", campaignID, "inFlight", rt.inFlightCount())
	e.publishCampaign(ctx, campaignID)
	return nil
}

// StopCampaign is pause plus a cancelled state, and the snapshot is
// discarded. Calls already in flight keep running; their outcomes still
// settle contacts and stats.
func (e *Engine) StopCampaign(ctx context.Context, campaignID string) error {
	e.mu.Lock()
	rt, running := e.active[campaignID]
	_, wasPaused := e.paused[campaignID]
	if running {
		rt.cancel()
		delete(e.active, campaignID)
	}
	delete(e.paused, campaignID)
	e.mu.Unlock()

	if !running && !wasPaused {
		return ErrNotRunning
	}
	if err := e.store.SetCampaignState(ctx, campaignID, models.CampaignCancelled); err != nil {
		return err
	}
	e.logger.Info("campaign stopped", "campaignId", campaignID)
	e.publishCampaign(ctx, campaignID)
	return nil
}

// RestoreActive rebuilds runtime handles for campaigns the store still marks
// active after a restart. The first tick is held back a full interval so the
// provider webhook backlog drains before new dials go out.
func (e *Engine) RestoreActive(ctx context.Context) (int, error) {
	campaigns, err := e.store.ListCampaignsByState(ctx, models.CampaignActive)
	if err != nil {
		return 0, fmt.Errorf("failed to list active campaigns: %w", err)
	}
	restored := 0
	for _, campaign := range campaigns {
		e.mu.Lock()
		if _, ok := e.active[campaign.ID]; ok {
			e.mu.Unlock()
			continue
		}
		rt := e.newRuntime(campaign.ID, campaign.Settings)
		e.active[campaign.ID] = rt
		e.mu.Unlock()

		e.rebuildInFlight(ctx, rt)
		go e.dialLoop(rt, rt.delay())
		restored++
		e.logger.Info("campaign restored", "campaignId", campaign.ID, "inFlight", rt.inFlightCount())
	}
	return restored, nil
}

// InFlight reports how many calls the engine is tracking for the campaign
// and whether it has a live runtime.
func (e *Engine) InFlight(campaignID string) (int, bool) {
	e.mu.Lock()
	rt, ok := e.active[campaignID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return rt.inFlightCount(), true
}

// Shutdown stops every dial loop and drains the outcome handler. Campaign
// rows keep their states so RestoreActive can rebuild them on the next boot.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	runtimes := make([]*runtime, 0, len(e.active))
	for _, rt := range e.active {
		runtimes = append(runtimes, rt)
	}
	e.active = make(map[string]*runtime)
	e.paused = make(map[string]pauseSnapshot)
	e.mu.Unlock()

	for _, rt := range runtimes {
		rt.cancel()
	}
	for _, rt := range runtimes {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.sub != nil {
		e.sub.Close()
		select {
		case <-e.outcomeDone:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) newRuntime(campaignID string, settings models.CampaignSettings) *runtime {
	ctx, cancel := context.WithCancel(e.ctx)
	return &runtime{
		campaignID: campaignID,
		settings:   normalizeSettings(settings, e.defaults),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		inFlight:   make(map[string]string),
	}
}

func (e *Engine) removeRuntime(rt *runtime) {
	e.mu.Lock()
	if e.active[rt.campaignID] == rt {
		delete(e.active, rt.campaignID)
	}
	e.mu.Unlock()
	rt.cancel()
}

func (e *Engine) lookupActive(campaignID string) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[campaignID]
}

// rebuildInFlight seeds the runtime's call set from the store. Calls dialed
// before a pause or restart still count against the concurrency cap.
func (e *Engine) rebuildInFlight(ctx context.Context, rt *runtime) {
	_, live, err := e.store.CountActiveCallsByCampaign(ctx, rt.campaignID)
	if err != nil {
		e.logger.Error("failed to rebuild in-flight calls",
			"campaignId", rt.campaignID,
			"error", err)
		return
	}
	for _, call := range live {
		rt.trackCall(call.ID, call.ContactID)
	}
}

// dialLoop fires ticks until the runtime is cancelled. Ticks run inline so a
// cycle that outlasts the interval simply delays the next one; the
// cycleInProgress latch additionally guards against external tick sources.
func (e *Engine) dialLoop(rt *runtime, initialDelay time.Duration) {
	defer close(rt.done)

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-timer.C:
		}
		e.tick(rt)
		timer.Reset(e.nextDelay(rt))
	}
}

// nextDelay doubles the interval while the call.updates lag counter is still
// growing, halving the effective dial rate until subscribers catch up.
// lastLag is only touched from the dial loop.
func (e *Engine) nextDelay(rt *runtime) time.Duration {
	base := rt.delay()
	lag := e.bus.TopicLag(bus.TopicCallUpdates)
	growing := lag > rt.lastLag
	rt.lastLag = lag
	if growing {
		return base * 2
	}
	return base
}

// tick claims up to the campaign's free slots and dials each claimed
// contact. Claims left unplaced after a mid-cycle cancellation are reverted
// by the lock sweeper.
func (e *Engine) tick(rt *runtime) {
	if !rt.cycleInProgress.CompareAndSwap(false, true) {
		return
	}
	defer rt.cycleInProgress.Store(false)

	ctx := rt.ctx
	slots := rt.settings.MaxConcurrentCalls - rt.inFlightCount()
	if slots <= 0 {
		return
	}
	contacts, err := e.store.ClaimNextContacts(ctx, rt.campaignID, slots, e.lockTTL)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("contact claim failed", "campaignId", rt.campaignID, "error", err)
		}
		return
	}
	if len(contacts) == 0 {
		if rt.inFlightCount() == 0 {
			e.maybeComplete(rt)
		}
		return
	}

	placed := 0
	for _, contact := range contacts {
		if ctx.Err() != nil {
			return
		}
		if e.placeCall(rt, contact) {
			placed++
		}
	}
	if placed > 0 {
		e.publishCampaign(ctx, rt.campaignID)
	}
}

func (e *Engine) placeCall(rt *runtime, contact *models.Contact) bool {
	call, err := e.placer.CreateCall(rt.ctx, telephony.CallRequest{
		To:           contact.Phone,
		From:         rt.settings.CallerID,
		Prompt:       rt.settings.DialerPrompt,
		FirstMessage: rt.settings.FirstMessage,
		ContactName:  contact.Name,
		CampaignID:   rt.campaignID,
		ContactID:    contact.ID,
	})
	if err != nil {
		e.handlePlacementFailure(rt, contact, err)
		return false
	}
	rt.trackCall(call.ID, contact.ID)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := e.store.ApplyStatsDelta(ctx, rt.campaignID, models.StatsDelta{CallsPlaced: 1}); err != nil {
		e.logger.Error("failed to count placed call", "campaignId", rt.campaignID, "error", err)
	}
	return true
}

// handlePlacementFailure settles a contact whose call never got off the
// ground. Repeated insufficient-funds rejections auto-pause the campaign so
// a drained account does not burn through the remaining contacts.
func (e *Engine) handlePlacementFailure(rt *runtime, contact *models.Contact, err error) {
	if rt.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Pause or shutdown raced the dial; the claim reverts via the
		// sweeper rather than being burned as failed.
		return
	}
	reason := telephony.FailureReason(err)
	e.logger.Error("outbound call failed to start",
		"campaignId", rt.campaignID,
		"contactId", contact.ID,
		"reason", reason,
		"error", err)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := e.store.FinalizeContact(ctx, contact.ID, models.OutcomeFailed); err != nil {
		e.logger.Error("failed to finalize contact", "contactId", contact.ID, "error", err)
	}
	// The rejected dial still counts as placed, so callsPlaced stays an
	// upper bound on callsCompleted+callsFailed.
	if err := e.store.ApplyStatsDelta(ctx, rt.campaignID, models.StatsDelta{CallsPlaced: 1, CallsFailed: 1}); err != nil {
		e.logger.Error("failed to count failed call", "campaignId", rt.campaignID, "error", err)
	}

	if reason == telephony.ReasonInsufficientFunds && rt.noteFundsFailure(time.Now()) {
		e.logger.Warn("insufficient funds threshold reached, auto-pausing",
			"campaignId", rt.campaignID)
		// Pause removes this runtime from the map; run it outside the
		// tick so the dial loop is not waiting on itself.
		go func() {
			pctx, pcancel := context.WithTimeout(context.Background(), settleTimeout)
			defer pcancel()
			if err := e.Pause(pctx, rt.campaignID); err != nil && !errors.Is(err, ErrNotRunning) {
				e.logger.Error("auto-pause failed", "campaignId", rt.campaignID, "error", err)
			}
		}()
	}
}

// outcomeLoop settles contacts and campaign counters as calls finish. A
// lagged marker means terminal events were dropped; the affected contacts
// stay in processing until the lock sweeper reverts them.
func (e *Engine) outcomeLoop() {
	defer close(e.outcomeDone)
	for ev := range e.sub.C() {
		if ev.Kind == bus.KindLagged {
			e.logger.Warn("outcome subscription lagged, relying on lock sweeper",
				"dropped", e.sub.Lagged())
			continue
		}
		call, ok := ev.Payload.(*models.Call)
		if !ok || call.CampaignID == "" || !call.State.IsTerminal() {
			continue
		}
		e.settleOutcome(call)
	}
}

// settleOutcome is idempotent per call: terminal rows are published by both
// the gateway teardown and the provider webhook, and FinalizeContact only
// reports applied for the transition that actually moved the contact.
func (e *Engine) settleOutcome(call *models.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	rt := e.lookupActive(call.CampaignID)
	if rt != nil {
		rt.releaseCall(call.ID)
	}

	// Manually placed calls may reference a campaign without holding a
	// claimed contact; those never move campaign counters.
	if call.ContactID != "" {
		outcome := termination.Outcome(call.State, call.TerminatedBy)
		applied, err := e.store.FinalizeContact(ctx, call.ContactID, outcome)
		if err != nil {
			e.logger.Error("failed to finalize contact",
				"contactId", call.ContactID,
				"callId", call.ID,
				"error", err)
		}
		if applied {
			if err := e.store.ApplyStatsDelta(ctx, call.CampaignID, outcomeDelta(call)); err != nil {
				e.logger.Error("failed to apply outcome stats",
					"campaignId", call.CampaignID,
					"error", err)
			}
			e.publishCampaign(ctx, call.CampaignID)
		}
	}

	if rt != nil && rt.inFlightCount() == 0 {
		e.maybeComplete(rt)
	}
}

func outcomeDelta(call *models.Call) models.StatsDelta {
	var d models.StatsDelta
	if call.AnsweredAt != nil {
		d.CallsAnswered = 1
	}
	if call.State == models.CallCompleted {
		d.CallsCompleted = 1
		d.DurationSec = call.DurationSec
	} else {
		d.CallsFailed = 1
	}
	return d
}

// maybeComplete retires the campaign once nothing is left to dial: no
// claimable contacts, none still processing, and no calls in flight. The
// processing count covers contacts claimed by a cycle that has not created
// their calls yet.
func (e *Engine) maybeComplete(rt *runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	claimable, err := e.store.ClaimableContactCount(ctx, rt.campaignID)
	if err != nil || claimable > 0 {
		return
	}
	processing, err := e.store.ProcessingContactCount(ctx, rt.campaignID)
	if err != nil || processing > 0 {
		return
	}

	e.mu.Lock()
	if e.active[rt.campaignID] != rt || rt.inFlightCount() > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.active, rt.campaignID)
	e.mu.Unlock()
	rt.cancel()

	if err := e.store.SetCampaignState(ctx, rt.campaignID, models.CampaignCompleted); err != nil {
		e.logger.Error("failed to mark campaign completed",
			"campaignId", rt.campaignID,
			"error", err)
		return
	}
	e.logger.Info("campaign completed", "campaignId", rt.campaignID)
	e.publishCampaign(ctx, rt.campaignID)
}

func (e *Engine) publishCampaign(ctx context.Context, campaignID string) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		e.logger.Error("failed to load campaign for publish",
			"campaignId", campaignID,
			"error", err)
		return
	}
	e.bus.Publish(bus.TopicCampaignUpdates, campaign)
	e.bus.Publish(bus.CampaignTopic(campaignID), campaign)
}

// normalizeSettings fills zero knobs from the server defaults so a runtime
// never runs with a zero interval or zero cap.
func normalizeSettings(s models.CampaignSettings, d config.DialerDefaults) models.CampaignSettings {
	if s.CallDelayMs <= 0 {
		s.CallDelayMs = int(d.CallDelay / time.Millisecond)
	}
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	return s
}
