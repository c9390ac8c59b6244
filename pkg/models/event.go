package models

import "time"

// CallEventType classifies entries in the per-call append-only event log.
type CallEventType string

const (
	EventStatusChange      CallEventType = "status_change"
	EventMachineDetection  CallEventType = "machine_detection"
	EventRecordingUpdate   CallEventType = "recording_update"
	EventQualityUpdate     CallEventType = "quality_update"
	EventTranscriptMessage CallEventType = "transcript_message"
	EventCRMSend           CallEventType = "crm_send"
	EventError             CallEventType = "error"
)

// CallEvent is one append-only log entry for a call. Events for a call id
// form a non-decreasing time order.
type CallEvent struct {
	ID        int64          `json:"id"`
	CallID    string         `json:"callId"`
	Type      CallEventType  `json:"type"`
	Source    SignalSource   `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AppendEventRequest contains fields for appending a call event. CreatedAt
// participates in the idempotency hash: a retried append with the same
// timestamp and payload is a no-op, a genuine repeat with a new timestamp
// inserts a new row.
type AppendEventRequest struct {
	CallID    string
	Type      CallEventType
	Source    SignalSource
	Payload   map[string]any
	CreatedAt time.Time
}
