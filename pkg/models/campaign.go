package models

import "time"

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignActive    CampaignState = "active"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignCancelled CampaignState = "cancelled"
)

// CampaignSettings are the per-campaign dialing knobs. Zero values are
// replaced with defaults at creation time (see config.Defaults).
type CampaignSettings struct {
	CallDelayMs        int    `json:"callDelayMs"`
	MaxConcurrentCalls int    `json:"maxConcurrentCalls"`
	RetryCount         int    `json:"retryCount"`
	RetryDelayMs       int    `json:"retryDelayMs"`
	DialerPrompt       string `json:"dialerPrompt,omitempty"`
	FirstMessage       string `json:"firstMessage,omitempty"`
	CallerID           string `json:"callerId,omitempty"`
}

// CampaignStats are rolling counters maintained by the engine.
// Invariant: CallsPlaced >= CallsCompleted + CallsFailed.
type CampaignStats struct {
	TotalContacts  int     `json:"totalContacts"`
	CallsPlaced    int     `json:"callsPlaced"`
	CallsAnswered  int     `json:"callsAnswered"`
	CallsCompleted int     `json:"callsCompleted"`
	CallsFailed    int     `json:"callsFailed"`
	AvgDurationSec float64 `json:"avgDurationSec"`
}

// StatsDelta is an atomic increment applied to CampaignStats.
// DurationSec is folded into the rolling average when Completed > 0.
type StatsDelta struct {
	TotalContacts  int
	CallsPlaced    int
	CallsAnswered  int
	CallsCompleted int
	CallsFailed    int
	DurationSec    int
}

// Campaign is an outbound dialing campaign.
type Campaign struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	State     CampaignState    `json:"state"`
	Settings  CampaignSettings `json:"settings"`
	Stats     CampaignStats    `json:"stats"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// CreateCampaignRequest contains fields for creating a campaign.
type CreateCampaignRequest struct {
	Name     string           `json:"name"`
	Settings CampaignSettings `json:"settings"`
}

// UpdateCampaignRequest contains mutable campaign fields. Nil means
// "leave unchanged".
type UpdateCampaignRequest struct {
	Name     *string           `json:"name,omitempty"`
	Settings *CampaignSettings `json:"settings,omitempty"`
}
