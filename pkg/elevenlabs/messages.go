package elevenlabs

import (
	"encoding/json"
	"fmt"
)

// Conversation WebSocket message types sent by the provider.
const (
	TypeConversationInitiationMetadata = "conversation_initiation_metadata"
	TypeAudio                          = "audio"
	TypeUserTranscript                 = "user_transcript"
	TypeAgentResponse                  = "agent_response"
	TypeAgentResponseCorrection        = "agent_response_correction"
	TypeInterruption                   = "interruption"
	TypePing                           = "ping"
	TypeVADScore                       = "vad_score"
	TypeInternalTentativeAgentResponse = "internal_tentative_agent_response"
)

// ServerMessage is one frame from the conversation socket. Only the event
// struct matching Type is populated.
type ServerMessage struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *ConversationInitiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
	AudioEvent                          *AudioEvent                          `json:"audio_event,omitempty"`
	UserTranscriptionEvent              *UserTranscriptionEvent              `json:"user_transcription_event,omitempty"`
	AgentResponseEvent                  *AgentResponseEvent                  `json:"agent_response_event,omitempty"`
	AgentResponseCorrectionEvent        *AgentResponseCorrectionEvent        `json:"agent_response_correction_event,omitempty"`
	InterruptionEvent                   *InterruptionEvent                   `json:"interruption_event,omitempty"`
	PingEvent                           *PingEvent                           `json:"ping_event,omitempty"`
}

// ConversationInitiationMetadataEvent announces the conversation id and the
// negotiated audio formats; its arrival activates the bridge session.
type ConversationInitiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

// AudioEvent carries one agent audio chunk.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id"`
}

// UserTranscriptionEvent carries a transcribed user utterance.
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// AgentResponseEvent carries the agent's spoken text.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// AgentResponseCorrectionEvent replaces the tail of the previous agent
// response after an interruption.
type AgentResponseCorrectionEvent struct {
	OriginalAgentResponse  string `json:"original_agent_response,omitempty"`
	CorrectedAgentResponse string `json:"corrected_agent_response"`
}

// InterruptionEvent signals the user talked over the agent; buffered agent
// audio should be flushed.
type InterruptionEvent struct {
	EventID int `json:"event_id"`
}

// PingEvent is the provider's keepalive; answer with Pong carrying the same
// event id.
type PingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

// ParseServerMessage decodes one socket frame.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode conversation message: %w", err)
	}
	return &msg, nil
}

// ConversationOverrides carries the per-call prompt customization threaded
// from campaign settings through the stream's custom parameters.
type ConversationOverrides struct {
	Prompt       string
	FirstMessage string
	// DynamicVariables are substituted into the agent's prompt templates
	// (e.g. the contact's name).
	DynamicVariables map[string]string
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type conversationConfigOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
}

type initiationClientData struct {
	Type                       string                      `json:"type"`
	ConversationConfigOverride *conversationConfigOverride `json:"conversation_config_override,omitempty"`
	DynamicVariables           map[string]string           `json:"dynamic_variables,omitempty"`
}

// InitiationMessage renders the conversation_initiation_client_data frame
// that opens every conversation.
func InitiationMessage(o ConversationOverrides) ([]byte, error) {
	msg := initiationClientData{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: o.DynamicVariables,
	}
	if o.Prompt != "" || o.FirstMessage != "" {
		agent := &agentOverride{FirstMessage: o.FirstMessage}
		if o.Prompt != "" {
			agent.Prompt = &promptOverride{Prompt: o.Prompt}
		}
		msg.ConversationConfigOverride = &conversationConfigOverride{Agent: agent}
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initiation message: %w", err)
	}
	return out, nil
}

// AudioChunk renders one caller audio frame for the conversation socket.
// The payload stays base64 µ-law exactly as the telephony stream delivered it.
func AudioChunk(base64Payload string) ([]byte, error) {
	out, err := json.Marshal(struct {
		UserAudioChunk string `json:"user_audio_chunk"`
	}{UserAudioChunk: base64Payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio chunk: %w", err)
	}
	return out, nil
}

// Pong answers a ping event.
func Pong(eventID int) ([]byte, error) {
	out, err := json.Marshal(struct {
		Type    string `json:"type"`
		EventID int    `json:"event_id"`
	}{Type: "pong", EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pong: %w", err)
	}
	return out, nil
}
