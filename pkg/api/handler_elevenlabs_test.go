package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
)

func postCallBody(t *testing.T, conversationID string, mutate func(m map[string]any)) []byte {
	t.Helper()

	payload := map[string]any{
		"type":            "post_call_transcription",
		"event_timestamp": time.Now().Unix(),
		"data": map[string]any{
			"agent_id":        "agent-test",
			"conversation_id": conversationID,
			"status":          "done",
			"transcript": []map[string]any{
				{"role": "agent", "message": "Hello, this is Kestrel calling.", "time_in_call_secs": 1.2},
				{"role": "user", "message": "Hi, what is this about?", "time_in_call_secs": 4.8},
			},
			"metadata": map[string]any{
				"start_time_unix_secs": time.Now().Add(-time.Minute).Unix(),
				"call_duration_secs":   42,
				"termination_reason":   "client ended the conversation",
			},
			"analysis": map[string]any{
				"call_successful":    "success",
				"transcript_summary": "Caller asked about the offer and agreed to a follow-up.",
			},
		},
	}
	if mutate != nil {
		mutate(payload)
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func (env *serverEnv) postSigned(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("elevenlabs-signature", elevenlabs.SignatureHeader(testWebhookSecret, time.Now(), body))

	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestElevenLabsWebhook_RejectsBadSignature(t *testing.T) {
	env := setupServer(t)
	body := postCallBody(t, "conv-sig", nil)

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs", strings.NewReader(string(body)))
		rec := httptest.NewRecorder()
		env.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs", strings.NewReader(string(body)))
		req.Header.Set("elevenlabs-signature", elevenlabs.SignatureHeader("other-secret", time.Now(), body))
		rec := httptest.NewRecorder()
		env.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("signature over different body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/elevenlabs", strings.NewReader(string(body)))
		req.Header.Set("elevenlabs-signature",
			elevenlabs.SignatureHeader(testWebhookSecret, time.Now(), []byte("tampered")))
		rec := httptest.NewRecorder()
		env.server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestElevenLabsWebhook_UnknownConversationAcknowledged(t *testing.T) {
	env := setupServer(t)

	rec := env.postSigned(t, postCallBody(t, "conv-never-seen", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestElevenLabsWebhook_PostCallFlow(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	env.seedCall(t, "CA-el-flow", models.CallInProgress)
	require.NoError(t, env.store.SetConversationID(ctx, "CA-el-flow", "conv-el-flow"))
	applied, err := env.store.UpdateCallState(ctx, "CA-el-flow", models.CallCompleted, 0)
	require.NoError(t, err)
	require.True(t, applied)

	rec := env.postSigned(t, postCallBody(t, "conv-el-flow", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	call, err := env.store.GetCall(ctx, "CA-el-flow")
	require.NoError(t, err)
	assert.Equal(t, 42, call.DurationSec)
	assert.Equal(t, models.TerminatedByUser, call.TerminatedBy)

	transcript, err := env.store.GetTranscript(ctx, "CA-el-flow")
	require.NoError(t, err)
	require.Len(t, transcript.Utterances, 2)
	assert.Equal(t, models.RoleAgent, transcript.Utterances[0].Role)
	assert.Equal(t, "Hello, this is Kestrel calling.", transcript.Utterances[0].Text)
	assert.Equal(t, models.RoleUser, transcript.Utterances[1].Role)

	require.NotNil(t, transcript.Analysis)
	assert.Contains(t, transcript.Analysis.Summary, "agreed to a follow-up")
}

func TestElevenLabsWebhook_KeepsLiveTranscript(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	env.seedCall(t, "CA-el-live", models.CallCompleted)
	require.NoError(t, env.store.SetConversationID(ctx, "CA-el-live", "conv-el-live"))
	require.NoError(t, env.store.AppendUtterance(ctx, "CA-el-live", models.RoleAgent,
		"Live path captured this.", time.Now()))

	rec := env.postSigned(t, postCallBody(t, "conv-el-live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	transcript, err := env.store.GetTranscript(ctx, "CA-el-live")
	require.NoError(t, err)
	require.Len(t, transcript.Utterances, 1)
	assert.Equal(t, "Live path captured this.", transcript.Utterances[0].Text)
	// Analysis still lands even when the transcript copy is skipped.
	require.NotNil(t, transcript.Analysis)
}

func TestElevenLabsWebhook_NeverDisplacesAttribution(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	env.seedCall(t, "CA-el-amd", models.CallCompleted)
	require.NoError(t, env.store.SetConversationID(ctx, "CA-el-amd", "conv-el-amd"))
	applied, err := env.store.SetTerminatedBy(ctx, "CA-el-amd", models.TerminatedByAMDMachine, store.WriteIfMissing)
	require.NoError(t, err)
	require.True(t, applied)

	rec := env.postSigned(t, postCallBody(t, "conv-el-amd", func(m map[string]any) {
		data := m["data"].(map[string]any)
		meta := data["metadata"].(map[string]any)
		meta["termination_reason"] = "agent ended the conversation"
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	call, err := env.store.GetCall(ctx, "CA-el-amd")
	require.NoError(t, err)
	assert.Equal(t, models.TerminatedByAMDMachine, call.TerminatedBy)
}

func TestElevenLabsWebhook_FillsMissingAttribution(t *testing.T) {
	env := setupServer(t)
	ctx := context.Background()

	env.seedCall(t, "CA-el-fill", models.CallCompleted)
	require.NoError(t, env.store.SetConversationID(ctx, "CA-el-fill", "conv-el-fill"))

	rec := env.postSigned(t, postCallBody(t, "conv-el-fill", func(m map[string]any) {
		data := m["data"].(map[string]any)
		meta := data["metadata"].(map[string]any)
		meta["termination_reason"] = "agent hangup"
	}))
	require.Equal(t, http.StatusOK, rec.Code)

	call, err := env.store.GetCall(ctx, "CA-el-fill")
	require.NoError(t, err)
	assert.Equal(t, models.TerminatedByAgent, call.TerminatedBy)
}
