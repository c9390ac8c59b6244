package e2e

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/models"
)

// TestCampaignRunToCompletion drives a campaign through its whole life over
// the public surface: HTTP to create and start it, provider webhooks to
// finish each call, and a dashboard socket watching the run.
func TestCampaignRunToCompletion(t *testing.T) {
	app := NewTestApp(t)

	ws := app.DialDashboard(t)
	require.NoError(t, ws.Subscribe(bus.TopicCampaignUpdates))
	_, err := ws.WaitForEventNamed("snapshot."+bus.TopicCampaignUpdates, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, ws.Subscribe(bus.TopicCallUpdates))
	_, err = ws.WaitForEventNamed("snapshot."+bus.TopicCallUpdates, 5*time.Second)
	require.NoError(t, err)

	campaign := app.CreateCampaign(t, "August renewals", models.CampaignSettings{
		CallDelayMs:        20,
		MaxConcurrentCalls: 3,
		DialerPrompt:       "Be brief and polite.",
	})
	campaignID := stringField(t, campaign, "id")
	require.Equal(t, "draft", campaign["state"])

	added := app.AddContacts(t, campaignID, []models.ContactInput{
		{Phone: "+15550100001", Name: "Ada"},
		{Phone: "+15550100002", Name: "Grace"},
		{Phone: "+15550100003", Name: "Edsger"},
	})
	assert.EqualValues(t, 3, added["added"])

	started := app.StartCampaign(t, campaignID)
	require.Equal(t, "active", started["state"])

	// All three contacts fit under the concurrency cap, so the first tick
	// dials everyone.
	placed := app.Dialer.WaitForPlacements(t, 3, 10*time.Second)
	require.Len(t, placed, 3)
	for _, p := range placed {
		assert.Equal(t, campaignID, p.Request.CampaignID)
		assert.Equal(t, "Be brief and polite.", p.Request.Prompt)
	}

	// The provider answers and finishes each call.
	for _, p := range placed {
		app.AnswerAndComplete(t, p.SID, 30)
	}

	app.WaitForCampaignState(t, campaignID, "completed")

	final := app.GetCampaign(t, campaignID)
	assert.EqualValues(t, 3, statsField(t, final, "totalContacts"))
	assert.EqualValues(t, 3, statsField(t, final, "callsPlaced"))
	assert.EqualValues(t, 3, statsField(t, final, "callsAnswered"))
	assert.EqualValues(t, 3, statsField(t, final, "callsCompleted"))
	assert.EqualValues(t, 0, statsField(t, final, "callsFailed"))
	assert.InDelta(t, 30.0, statsField(t, final, "avgDurationSec"), 0.01)

	// The dashboard observed the run end to end: the campaign went active
	// and completed, and every call reached a terminal state on the wire.
	_, err = ws.WaitForCampaignState("active", 5*time.Second)
	require.NoError(t, err)
	_, err = ws.WaitForCampaignState("completed", 5*time.Second)
	require.NoError(t, err)

	completedCalls := func(events []WSEvent) map[string]bool {
		seen := make(map[string]bool)
		for _, evt := range events {
			if evt.Event != "event."+bus.TopicCallUpdates || evt.Object == nil {
				continue
			}
			if evt.Object["state"] == "completed" {
				if id, ok := evt.Object["id"].(string); ok {
					seen[id] = true
				}
			}
		}
		return seen
	}
	events, err := ws.CollectUntil(func(events []WSEvent) bool {
		return len(completedCalls(events)) >= 3
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Len(t, completedCalls(events), 3)

	// Contacts settled as called.
	for _, p := range placed {
		contact, err := app.Store.GetContact(context.Background(), p.Request.ContactID)
		require.NoError(t, err)
		assert.Equal(t, models.ContactCalled, contact.Status)
	}
}

// TestCampaignConcurrencyCap pins the cap: the second dial must wait for the
// first call to finish.
func TestCampaignConcurrencyCap(t *testing.T) {
	app := NewTestApp(t)

	campaign := app.CreateCampaign(t, "Drip dial", models.CampaignSettings{
		CallDelayMs:        20,
		MaxConcurrentCalls: 1,
	})
	campaignID := stringField(t, campaign, "id")
	app.AddContacts(t, campaignID, []models.ContactInput{
		{Phone: "+15550110001", Name: "First"},
		{Phone: "+15550110002", Name: "Second"},
	})
	app.StartCampaign(t, campaignID)

	placed := app.Dialer.WaitForPlacements(t, 1, 5*time.Second)

	// Several ticks pass; the cap keeps the second contact undialed.
	time.Sleep(150 * time.Millisecond)
	require.Len(t, app.Dialer.Placed(), 1)

	app.AnswerAndComplete(t, placed[0].SID, 10)

	placed = app.Dialer.WaitForPlacements(t, 2, 5*time.Second)
	app.AnswerAndComplete(t, placed[1].SID, 10)

	app.WaitForCampaignState(t, campaignID, "completed")
	final := app.GetCampaign(t, campaignID)
	assert.EqualValues(t, 2, statsField(t, final, "callsPlaced"))
	assert.EqualValues(t, 2, statsField(t, final, "callsCompleted"))
}

// TestCampaignPauseResume pauses a live campaign, lets the in-flight call
// settle while paused, and resumes to completion.
func TestCampaignPauseResume(t *testing.T) {
	app := NewTestApp(t)

	campaign := app.CreateCampaign(t, "Pause and resume", models.CampaignSettings{
		CallDelayMs:        20,
		MaxConcurrentCalls: 1,
	})
	campaignID := stringField(t, campaign, "id")
	app.AddContacts(t, campaignID, []models.ContactInput{
		{Phone: "+15550120001", Name: "One"},
		{Phone: "+15550120002", Name: "Two"},
		{Phone: "+15550120003", Name: "Three"},
	})
	app.StartCampaign(t, campaignID)

	placed := app.Dialer.WaitForPlacements(t, 1, 5*time.Second)

	paused := app.PauseCampaign(t, campaignID)
	require.Equal(t, "paused", paused["state"])

	// The in-flight call finishes while the campaign is paused; its outcome
	// still settles the contact and moves the counters.
	app.AnswerAndComplete(t, placed[0].SID, 10)
	require.Eventually(t, func() bool {
		c, err := app.Store.GetCampaign(context.Background(), campaignID)
		return err == nil && c.Stats.CallsCompleted == 1
	}, 10*time.Second, 100*time.Millisecond, "paused campaign did not settle the in-flight call")

	// No new dials while paused.
	time.Sleep(150 * time.Millisecond)
	require.Len(t, app.Dialer.Placed(), 1)

	resumed := app.ResumeCampaign(t, campaignID)
	require.Equal(t, "active", resumed["state"])

	placed = app.Dialer.WaitForPlacements(t, 2, 5*time.Second)
	app.AnswerAndComplete(t, placed[1].SID, 10)
	placed = app.Dialer.WaitForPlacements(t, 3, 5*time.Second)
	app.AnswerAndComplete(t, placed[2].SID, 10)

	app.WaitForCampaignState(t, campaignID, "completed")
	final := app.GetCampaign(t, campaignID)
	assert.EqualValues(t, 3, statsField(t, final, "callsPlaced"))
	assert.EqualValues(t, 3, statsField(t, final, "callsCompleted"))
}

// TestCampaignStopSettlesInFlight cancels a running campaign and checks the
// cancellation is not undone by the in-flight call's outcome.
func TestCampaignStopSettlesInFlight(t *testing.T) {
	app := NewTestApp(t)

	campaign := app.CreateCampaign(t, "Cut short", models.CampaignSettings{
		CallDelayMs:        20,
		MaxConcurrentCalls: 1,
	})
	campaignID := stringField(t, campaign, "id")
	app.AddContacts(t, campaignID, []models.ContactInput{
		{Phone: "+15550130001", Name: "Reached"},
		{Phone: "+15550130002", Name: "Spared"},
	})
	app.StartCampaign(t, campaignID)

	placed := app.Dialer.WaitForPlacements(t, 1, 5*time.Second)

	stopped := app.StopCampaign(t, campaignID)
	require.Equal(t, "cancelled", stopped["state"])

	// The in-flight call runs to completion and still settles its contact.
	app.AnswerAndComplete(t, placed[0].SID, 20)
	require.Eventually(t, func() bool {
		c, err := app.Store.GetCampaign(context.Background(), campaignID)
		return err == nil && c.Stats.CallsCompleted == 1
	}, 10*time.Second, 100*time.Millisecond, "stopped campaign did not settle the in-flight call")

	// No further dials, and the campaign stays cancelled.
	time.Sleep(150 * time.Millisecond)
	require.Len(t, app.Dialer.Placed(), 1)

	final := app.GetCampaign(t, campaignID)
	assert.Equal(t, "cancelled", final["state"])
	assert.EqualValues(t, 1, statsField(t, final, "callsPlaced"))

	// The second contact was never burned.
	claimable, err := app.Store.ClaimableContactCount(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, claimable)
}

// TestPlacementFailureSettlesContact injects a provider rejection and checks
// the contact is burned as failed while the rest of the campaign proceeds.
func TestPlacementFailureSettlesContact(t *testing.T) {
	app := NewTestApp(t)

	campaign := app.CreateCampaign(t, "One bad number", models.CampaignSettings{
		CallDelayMs:        20,
		MaxConcurrentCalls: 3,
	})
	campaignID := stringField(t, campaign, "id")
	app.AddContacts(t, campaignID, []models.ContactInput{
		{Phone: "+15550140001", Name: "Unreachable"},
		{Phone: "+15550140002", Name: "Fine"},
	})
	app.Dialer.FailPlacement("+15550140001", errors.New("provider rejected the dial"))

	app.StartCampaign(t, campaignID)

	// Only the healthy contact produces a placement.
	placed := app.Dialer.WaitForPlacements(t, 1, 5*time.Second)
	require.Equal(t, "+15550140002", placed[0].Request.To)

	app.AnswerAndComplete(t, placed[0].SID, 15)

	app.WaitForCampaignState(t, campaignID, "completed")
	final := app.GetCampaign(t, campaignID)
	// The rejected dial counts as placed alongside the completed one.
	assert.EqualValues(t, 2, statsField(t, final, "callsPlaced"))
	assert.EqualValues(t, 1, statsField(t, final, "callsCompleted"))
	assert.EqualValues(t, 1, statsField(t, final, "callsFailed"))

	// Both contacts are settled; nothing is left claimable or stuck.
	claimable, err := app.Store.ClaimableContactCount(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Zero(t, claimable)
	processing, err := app.Store.ProcessingContactCount(context.Background(), campaignID)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

// TestCampaignStartFromCSV uploads a contact CSV and starts dialing in one
// request.
func TestCampaignStartFromCSV(t *testing.T) {
	app := NewTestApp(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("name", "CSV import"))
	require.NoError(t, mw.WriteField("settings", `{"callDelayMs":20,"maxConcurrentCalls":2}`))
	fw, err := mw.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("phone,name,email\n+15550150001,Lin,lin@example.com\n+15550150002,Rafa,\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, app.BaseURL+"/api/campaigns/start-from-csv", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var campaign map[string]interface{}
	require.NoError(t, decodeBody(resp, &campaign))
	campaignID := stringField(t, campaign, "id")
	require.Equal(t, "active", campaign["state"])
	assert.EqualValues(t, 2, statsField(t, campaign, "totalContacts"))

	placed := app.Dialer.WaitForPlacements(t, 2, 10*time.Second)
	for _, p := range placed {
		app.AnswerAndComplete(t, p.SID, 12)
	}
	app.WaitForCampaignState(t, campaignID, "completed")
}
