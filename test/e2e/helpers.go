package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Campaign API helpers
// ────────────────────────────────────────────────────────────

// CreateCampaign posts a campaign and returns the parsed response.
func (app *TestApp) CreateCampaign(t *testing.T, name string, settings models.CampaignSettings) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"name":     name,
		"settings": settings,
	}
	return app.postJSON(t, "/api/campaigns", body, http.StatusCreated)
}

// AddContacts attaches contacts to the campaign and returns the parsed
// response.
func (app *TestApp) AddContacts(t *testing.T, campaignID string, contacts []models.ContactInput) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{"contacts": contacts}
	return app.postJSON(t, "/api/campaigns/"+campaignID+"/contacts", body, http.StatusOK)
}

// GetCampaign retrieves a campaign by ID.
func (app *TestApp) GetCampaign(t *testing.T, campaignID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/campaigns/"+campaignID, http.StatusOK)
}

// StartCampaign sends POST /api/campaigns/:id/start.
func (app *TestApp) StartCampaign(t *testing.T, campaignID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/campaigns/"+campaignID+"/start", nil, http.StatusOK)
}

// PauseCampaign sends POST /api/campaigns/:id/pause.
func (app *TestApp) PauseCampaign(t *testing.T, campaignID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/campaigns/"+campaignID+"/pause", nil, http.StatusOK)
}

// ResumeCampaign sends POST /api/campaigns/:id/resume.
func (app *TestApp) ResumeCampaign(t *testing.T, campaignID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/campaigns/"+campaignID+"/resume", nil, http.StatusOK)
}

// StopCampaign sends POST /api/campaigns/:id/stop.
func (app *TestApp) StopCampaign(t *testing.T, campaignID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/campaigns/"+campaignID+"/stop", nil, http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Call API helpers
// ────────────────────────────────────────────────────────────

// PlaceOutboundCall posts a single manual dial and returns the parsed
// response.
func (app *TestApp) PlaceOutboundCall(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/outbound-call", body, http.StatusOK)
}

// GetCall retrieves a call by ID.
func (app *TestApp) GetCall(t *testing.T, callID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/calls/"+callID, http.StatusOK)
}

// GetCallEvents retrieves the call's event log envelope.
func (app *TestApp) GetCallEvents(t *testing.T, callID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/calls/"+callID+"/events", http.StatusOK)
}

// GetTranscript retrieves the call's transcript.
func (app *TestApp) GetTranscript(t *testing.T, callID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/api/calls/"+callID+"/transcript", http.StatusOK)
}

// TerminateCall sends POST /api/calls/:id/terminate.
func (app *TestApp) TerminateCall(t *testing.T, callID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/api/calls/"+callID+"/terminate", nil, http.StatusOK)
}

// ────────────────────────────────────────────────────────────
// Provider webhook helpers
// ────────────────────────────────────────────────────────────

// PostStatusCallback posts a telephony status callback for the call. A zero
// duration leaves CallDuration off the form, matching non-terminal statuses.
func (app *TestApp) PostStatusCallback(t *testing.T, callSID, status string, durationSec int) {
	t.Helper()
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", status)
	if durationSec > 0 {
		form.Set("CallDuration", strconv.Itoa(durationSec))
	}
	app.postForm(t, "/call-status-callback", form)
}

// PostStatusCallbackAnswered posts an in-progress callback with a synchronous
// AMD verdict riding along.
func (app *TestApp) PostStatusCallbackAnswered(t *testing.T, callSID, answeredBy string) {
	t.Helper()
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "in-progress")
	form.Set("AnsweredBy", answeredBy)
	app.postForm(t, "/call-status-callback", form)
}

// PostAMDCallback posts an asynchronous answering-machine verdict.
func (app *TestApp) PostAMDCallback(t *testing.T, callSID, answeredBy string) {
	t.Helper()
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("AnsweredBy", answeredBy)
	app.postForm(t, "/amd-status-callback", form)
}

// PostRecordingCallback posts a recording status callback.
func (app *TestApp) PostRecordingCallback(t *testing.T, callSID, recordingSID, status string, durationSec int) {
	t.Helper()
	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("RecordingSid", recordingSID)
	form.Set("RecordingStatus", status)
	form.Set("RecordingUrl", "https://api.twilio.example.com/recordings/"+recordingSID)
	if durationSec > 0 {
		form.Set("RecordingDuration", strconv.Itoa(durationSec))
	}
	form.Set("RecordingChannels", "2")
	app.postForm(t, "/recording-status-callback", form)
}

// PostElevenLabsWebhook signs and posts a post-call webhook payload.
func (app *TestApp) PostElevenLabsWebhook(t *testing.T, payload map[string]interface{}) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		app.BaseURL+"/webhooks/elevenlabs", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("elevenlabs-signature", elevenlabs.SignatureHeader(testWebhookSecret, time.Now(), body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /webhooks/elevenlabs: unexpected status")
}

// AnswerAndComplete walks a call through in-progress and completed.
func (app *TestApp) AnswerAndComplete(t *testing.T, callSID string, durationSec int) {
	t.Helper()
	app.PostStatusCallback(t, callSID, "in-progress", 0)
	app.PostStatusCallback(t, callSID, "completed", durationSec)
}

// ────────────────────────────────────────────────────────────
// Seeding helpers
// ────────────────────────────────────────────────────────────

// SeedCall inserts a call row directly, bypassing the dial path.
func (app *TestApp) SeedCall(t *testing.T, state models.CallState) *models.Call {
	t.Helper()

	sid := "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")
	call, err := app.Store.CreateCall(context.Background(), models.NewCall{
		ID:        sid,
		Direction: models.DirectionOutbound,
		State:     models.CallInitiated,
		From:      "+15550001111",
		To:        "+15550002222",
	})
	require.NoError(t, err)

	if state != models.CallInitiated {
		_, err = app.Store.UpdateCallState(context.Background(), sid, state, 0)
		require.NoError(t, err)
		call, err = app.Store.GetCall(context.Background(), sid)
		require.NoError(t, err)
	}
	return call
}

// ────────────────────────────────────────────────────────────
// Polling helpers
// ────────────────────────────────────────────────────────────

// WaitForCampaignState polls the store until the campaign reaches one of the
// expected states.
func (app *TestApp) WaitForCampaignState(t *testing.T, campaignID string, expected ...string) string {
	t.Helper()

	var actual string
	require.Eventually(t, func() bool {
		campaign, err := app.Store.GetCampaign(context.Background(), campaignID)
		if err != nil {
			return false
		}
		actual = string(campaign.State)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond,
		"campaign %s did not reach state %v (last: %s)", campaignID, expected, actual)
	return actual
}

// WaitForCallStateInStore polls the store until the call reaches the state.
func (app *TestApp) WaitForCallStateInStore(t *testing.T, callID string, state models.CallState) {
	t.Helper()

	require.Eventually(t, func() bool {
		call, err := app.Store.GetCall(context.Background(), callID)
		if err != nil {
			return false
		}
		return call.State == state
	}, 10*time.Second, 100*time.Millisecond,
		"call %s did not reach state %s", callID, state)
}

// ────────────────────────────────────────────────────────────
// HTTP plumbing
// ────────────────────────────────────────────────────────────

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status, body: %s", path, raw)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &result), "POST %s: body: %s", path, raw)
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status, body: %s", path, raw)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &result), "GET %s: body: %s", path, raw)
	return result
}

// postForm posts a provider-style form callback. Webhook routes carry no
// bearer token and always answer 200.
func (app *TestApp) postForm(t *testing.T, path string, form url.Values) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		app.BaseURL+path, bytes.NewBufferString(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST %s: unexpected status", path)
}

// decodeBody decodes a response body into out.
func decodeBody(resp *http.Response, out interface{}) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

// stringField reads a top-level string out of a parsed JSON object, failing
// the test when it is absent.
func stringField(t *testing.T, obj map[string]interface{}, key string) string {
	t.Helper()
	v, ok := obj[key].(string)
	require.True(t, ok, "field %q missing or not a string: %v", key, obj[key])
	return v
}

// statsField digs one numeric stat out of a campaign response.
func statsField(t *testing.T, campaign map[string]interface{}, key string) float64 {
	t.Helper()
	stats, ok := campaign["stats"].(map[string]interface{})
	require.True(t, ok, "campaign has no stats object: %v", campaign)
	v, ok := stats[key].(float64)
	require.True(t, ok, "stat %q missing or not a number: %v", key, stats[key])
	return v
}
