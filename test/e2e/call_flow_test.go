package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/models"
)

// TestManualOutboundCallLifecycle drives one manual dial from placement
// through the full provider webhook sequence and checks every read surface:
// the scoped dashboard topic, the call record, the event log, the transcript,
// and the recording routes.
func TestManualOutboundCallLifecycle(t *testing.T) {
	app := NewTestApp(t)
	ws := app.DialDashboard(t)

	resp := app.PlaceOutboundCall(t, map[string]interface{}{
		"to":           "+15550107777",
		"prompt":       "Confirm the delivery window.",
		"firstMessage": "Hi, this is the delivery desk.",
		"name":         "Nadia",
	})
	require.Equal(t, true, resp["success"])
	callID := stringField(t, resp, "callId")
	assert.Equal(t, "initiated", resp["state"])

	placed := app.Dialer.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, "+15550107777", placed[0].Request.To)
	assert.Equal(t, "Confirm the delivery window.", placed[0].Request.Prompt)
	assert.Equal(t, "Nadia", placed[0].Request.ContactName)

	require.NoError(t, ws.Subscribe(bus.CallTopic(callID)))
	evt, err := ws.WaitForEventNamed("snapshot."+bus.CallTopic(callID), 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, evt.Object)
	assert.Equal(t, "initiated", evt.Object["state"])

	app.PostStatusCallback(t, callID, "ringing", 0)
	_, err = ws.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "event."+bus.CallTopic(callID) && e.Object != nil && e.Object["state"] == "ringing"
	}, 5*time.Second)
	require.NoError(t, err)

	app.PostStatusCallbackAnswered(t, callID, "human")
	app.WaitForCallStateInStore(t, callID, models.CallInProgress)

	recordingSID := "RE" + strings.ReplaceAll(uuid.New().String(), "-", "")
	app.PostRecordingCallback(t, callID, recordingSID, "completed", 42)
	evt, err = ws.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "event."+bus.CallTopic(callID) && e.Object != nil && e.Object["id"] == recordingSID
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, callID, evt.Object["callId"])

	app.PostStatusCallback(t, callID, "completed", 42)
	app.WaitForCallStateInStore(t, callID, models.CallCompleted)

	call := app.GetCall(t, callID)
	assert.Equal(t, "completed", call["state"])
	assert.Equal(t, float64(42), call["durationSec"])
	assert.Equal(t, "human", call["answeredBy"])
	// No closure signal fired, so the finalization fallback applies and the
	// 42s duration keeps it out of the immediate-hangup bucket.
	assert.Equal(t, "unknown", call["terminatedBy"])
	assert.NotNil(t, call["answeredAt"])
	assert.NotNil(t, call["endedAt"])

	events := app.GetCallEvents(t, callID)
	items, ok := events["items"].([]interface{})
	require.True(t, ok)
	seen := map[string]bool{}
	for _, raw := range items {
		event, ok := raw.(map[string]interface{})
		require.True(t, ok)
		seen[stringField(t, event, "type")] = true
	}
	assert.True(t, seen["status_change"], "events: %v", seen)
	assert.True(t, seen["machine_detection"], "events: %v", seen)
	assert.True(t, seen["recording_update"], "events: %v", seen)

	transcript := app.GetTranscript(t, callID)
	assert.Equal(t, callID, transcript["callId"])
	assert.Empty(t, transcript["utterances"])

	rec := app.getJSON(t, "/api/recordings/"+recordingSID, http.StatusOK)
	assert.Equal(t, callID, rec["callId"])
	assert.Equal(t, "completed", rec["status"])
	assert.Equal(t, float64(42), rec["durationSec"])

	// The media route proxies the provider audio without exposing provider
	// credentials to the client.
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet,
		app.BaseURL+"/api/media/recordings/"+recordingSID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	mediaResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = mediaResp.Body.Close() }()
	require.Equal(t, http.StatusOK, mediaResp.StatusCode)
	audio, err := io.ReadAll(mediaResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "RIFFe2efakewav", string(audio))
	assert.Equal(t, "audio/x-wav", mediaResp.Header.Get("Content-Type"))
}

// TestTerminateCallThroughAPI checks API-initiated teardown: the provider
// hangup is requested, attribution is pinned to api_request, and the natural
// completion webhook arriving afterwards cannot displace it.
func TestTerminateCallThroughAPI(t *testing.T) {
	app := NewTestApp(t)

	resp := app.PlaceOutboundCall(t, map[string]interface{}{"to": "+15550108888"})
	callID := stringField(t, resp, "callId")

	app.PostStatusCallback(t, callID, "in-progress", 0)
	app.WaitForCallStateInStore(t, callID, models.CallInProgress)

	result := app.TerminateCall(t, callID)
	assert.Equal(t, true, result["success"])
	assert.Contains(t, app.Dialer.Terminated(), callID)

	// Attribution lands before the provider confirms the hangup.
	call := app.GetCall(t, callID)
	assert.Equal(t, "in-progress", call["state"])
	assert.Equal(t, "api_request", call["terminatedBy"])

	app.PostStatusCallback(t, callID, "completed", 18)
	app.WaitForCallStateInStore(t, callID, models.CallCompleted)

	call = app.GetCall(t, callID)
	assert.Equal(t, float64(18), call["durationSec"])
	assert.Equal(t, "api_request", call["terminatedBy"])

	// A second terminate hits the terminal-state guard.
	conflict := app.postJSON(t, "/api/calls/"+callID+"/terminate", nil, http.StatusConflict)
	errBody, ok := conflict["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "conflict", errBody["code"])
}

// TestAnsweringMachineAttribution checks the AMD path: the verdict sets
// answeredBy, raises the machine attribution, and holds it through the
// natural completion.
func TestAnsweringMachineAttribution(t *testing.T) {
	app := NewTestApp(t)

	resp := app.PlaceOutboundCall(t, map[string]interface{}{"to": "+15550109999"})
	callID := stringField(t, resp, "callId")

	app.PostStatusCallback(t, callID, "in-progress", 0)
	app.WaitForCallStateInStore(t, callID, models.CallInProgress)

	app.PostAMDCallback(t, callID, "machine_end_beep")

	call := app.GetCall(t, callID)
	assert.Equal(t, "machine_end_beep", call["answeredBy"])

	app.PostStatusCallback(t, callID, "completed", 12)
	app.WaitForCallStateInStore(t, callID, models.CallCompleted)

	call = app.GetCall(t, callID)
	assert.Equal(t, "completed", call["state"])
	assert.Equal(t, "amd_machine", call["terminatedBy"])
}

// TestPostCallWebhookBackfillsTranscript checks the AI provider's post-call
// delivery: transcript backfill, analysis, and the hangup attribution
// displacing the unknown fallback.
func TestPostCallWebhookBackfillsTranscript(t *testing.T) {
	app := NewTestApp(t)

	resp := app.PlaceOutboundCall(t, map[string]interface{}{"to": "+15550106666"})
	callID := stringField(t, resp, "callId")

	convID := "conv_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, app.Store.SetConversationID(context.Background(), callID, convID))

	app.AnswerAndComplete(t, callID, 45)
	app.WaitForCallStateInStore(t, callID, models.CallCompleted)

	call := app.GetCall(t, callID)
	assert.Equal(t, "unknown", call["terminatedBy"])

	app.PostElevenLabsWebhook(t, map[string]interface{}{
		"type":            "post_call_transcription",
		"event_timestamp": time.Now().Unix(),
		"data": map[string]interface{}{
			"agent_id":        "agent_renewals",
			"conversation_id": convID,
			"status":          "done",
			"transcript": []map[string]interface{}{
				{"role": "agent", "message": "Hi, calling about your subscription renewal.", "time_in_call_secs": 1.5},
				{"role": "user", "message": "Not interested, please take me off the list.", "time_in_call_secs": 6.0},
			},
			"metadata": map[string]interface{}{
				"start_time_unix_secs": time.Now().Add(-time.Minute).Unix(),
				"call_duration_secs":   45,
				"termination_reason":   "client hung up",
			},
			"analysis": map[string]interface{}{
				"call_successful":    "failure",
				"transcript_summary": "Callee asked to be removed from the list.",
			},
		},
	})

	transcript := app.GetTranscript(t, callID)
	utterances, ok := transcript["utterances"].([]interface{})
	require.True(t, ok)
	require.Len(t, utterances, 2)

	first, ok := utterances[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent", first["role"])
	assert.Equal(t, "Hi, calling about your subscription renewal.", first["text"])

	second, ok := utterances[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user", second["role"])

	analysis, ok := transcript["analysis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Callee asked to be removed from the list.", analysis["summary"])

	// The provider's verdict fills over the unknown fallback.
	call = app.GetCall(t, callID)
	assert.Equal(t, "user", call["terminatedBy"])
}

// TestPostCallWebhookRejectsBadSignature checks that a forged delivery is the
// one webhook case answered with a non-2xx.
func TestPostCallWebhookRejectsBadSignature(t *testing.T) {
	app := NewTestApp(t)

	body, err := json.Marshal(map[string]interface{}{
		"type": "post_call_transcription",
		"data": map[string]interface{}{"conversation_id": "conv_forged"},
	})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost,
		app.BaseURL+"/webhooks/elevenlabs", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("elevenlabs-signature", elevenlabs.SignatureHeader("wrong-secret", time.Now(), body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestPostCallWebhookUnknownConversationAcknowledged checks that a delivery
// for a conversation this service never bridged is acknowledged rather than
// retried forever.
func TestPostCallWebhookUnknownConversationAcknowledged(t *testing.T) {
	app := NewTestApp(t)

	app.PostElevenLabsWebhook(t, map[string]interface{}{
		"type": "post_call_transcription",
		"data": map[string]interface{}{"conversation_id": "conv_never_seen"},
	})
}
