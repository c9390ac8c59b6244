package models

import "time"

// RecordingStatus mirrors the provider's recording lifecycle.
type RecordingStatus string

const (
	RecordingPending    RecordingStatus = "pending"
	RecordingInProgress RecordingStatus = "in-progress"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingFailed     RecordingStatus = "failed"
)

// Recording is provider-hosted call audio. The ID is the provider-assigned
// recording sid; a call may have several recordings.
type Recording struct {
	ID          string          `json:"id"`
	CallID      string          `json:"callId"`
	URL         string          `json:"url"`
	Status      RecordingStatus `json:"status"`
	DurationSec int             `json:"durationSec"`
	Channels    int             `json:"channels"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
