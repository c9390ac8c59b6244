package elevenlabs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// signatureTolerance is how far a webhook timestamp may drift from the
// local clock before the request is rejected as a replay.
const signatureTolerance = 30 * time.Minute

// Sign computes the signature value for a webhook body at the given unix
// timestamp: hex(hmac_sha256(secret, ts + "." + body)).
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader renders the header value the provider sends:
// "t=<ts>,v0=<signature>".
func SignatureHeader(secret string, ts time.Time, body []byte) string {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return fmt.Sprintf("t=%s,v0=%s", timestamp, Sign(secret, timestamp, body))
}

// VerifySignature checks the elevenlabs-signature header against the body.
// now is injected for testability.
func VerifySignature(secret, header string, body []byte, now time.Time) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}

	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			timestamp = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v0="):
			signature = strings.TrimPrefix(part, "v0=")
		}
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", err)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift > signatureTolerance || drift < -signatureTolerance {
		return fmt.Errorf("signature timestamp outside tolerance")
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// PostCallPayload is the provider's post-call webhook body.
type PostCallPayload struct {
	Type           string       `json:"type"`
	EventTimestamp int64        `json:"event_timestamp"`
	Data           PostCallData `json:"data"`
}

// PostCallData carries the conversation outcome, transcript, and analysis.
type PostCallData struct {
	AgentID        string               `json:"agent_id"`
	ConversationID string               `json:"conversation_id"`
	Status         string               `json:"status"`
	Transcript     []TranscriptTurn     `json:"transcript,omitempty"`
	Metadata       PostCallMetadata     `json:"metadata"`
	Analysis       *PostCallAnalysis    `json:"analysis,omitempty"`
	InitiationData *InitiationClientRef `json:"conversation_initiation_client_data,omitempty"`
}

// TranscriptTurn is one utterance in the provider's transcript.
type TranscriptTurn struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

// PostCallMetadata summarizes call timing and how the conversation ended.
type PostCallMetadata struct {
	StartTimeUnixSecs int64  `json:"start_time_unix_secs"`
	CallDurationSecs  int    `json:"call_duration_secs"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// PostCallAnalysis is the provider's conversation analysis.
type PostCallAnalysis struct {
	CallSuccessful    string `json:"call_successful,omitempty"`
	TranscriptSummary string `json:"transcript_summary,omitempty"`
}

// InitiationClientRef echoes back the dynamic variables we sent at
// initiation, which carry the call id linkage.
type InitiationClientRef struct {
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// ParsePostCallPayload decodes the webhook body.
func ParsePostCallPayload(body []byte) (*PostCallPayload, error) {
	var payload PostCallPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode post-call payload: %w", err)
	}
	return &payload, nil
}

// HangupAttribution maps the provider's termination reason onto the
// attribution the arbiter understands: agent-initiated hangups tag the
// agent, caller-initiated ones tag the user. Unrecognized reasons return
// unknown and let the arbiter's fallback decide.
func HangupAttribution(terminationReason string) models.TerminationTag {
	reason := strings.ToLower(terminationReason)
	switch {
	case strings.Contains(reason, "agent"):
		return models.TerminatedByAgent
	case strings.Contains(reason, "client"), strings.Contains(reason, "user"), strings.Contains(reason, "caller"):
		return models.TerminatedByUser
	}
	return models.TerminatedByUnknown
}
