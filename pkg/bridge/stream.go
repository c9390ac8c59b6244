package bridge

import "encoding/json"

// Telephony media-stream events.
const (
	streamEventConnected = "connected"
	streamEventStart     = "start"
	streamEventMedia     = "media"
	streamEventStop      = "stop"
	streamEventMark      = "mark"
	streamEventClear     = "clear"
)

// StreamMessage is one frame on the provider's media-stream socket, in
// both directions. Only the struct matching Event is populated.
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
}

// StreamStart announces the stream and carries the custom parameters the
// TwiML threaded through: prompt, first_message, name, campaignId,
// contactId. All optional.
type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StreamMedia carries one base64 µ-law audio chunk.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

func parseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// mediaFrame renders an agent audio chunk bound for the callee.
func mediaFrame(streamSid, payload string) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     streamEventMedia,
		StreamSid: streamSid,
		Media:     &StreamMedia{Payload: payload},
	})
}

// clearFrame tells the provider to flush buffered agent audio, used when
// the caller interrupts the agent.
func clearFrame(streamSid string) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     streamEventClear,
		StreamSid: streamSid,
	})
}
