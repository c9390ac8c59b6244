package models

import "time"

// UtteranceRole identifies the speaker of a transcript utterance.
type UtteranceRole string

const (
	RoleAgent  UtteranceRole = "agent"
	RoleUser   UtteranceRole = "user"
	RoleSystem UtteranceRole = "system"
)

// Utterance is one finalized turn in a call transcript.
type Utterance struct {
	ID        int64         `json:"id"`
	CallID    string        `json:"callId"`
	Role      UtteranceRole `json:"role"`
	Text      string        `json:"text"`
	CreatedAt time.Time     `json:"createdAt"`
}

// TranscriptAnalysis is the post-call analysis delivered by the AI
// provider's webhook.
type TranscriptAnalysis struct {
	Summary   string   `json:"summary,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// Transcript is the full conversation record for one call.
type Transcript struct {
	CallID     string              `json:"callId"`
	Utterances []Utterance         `json:"utterances"`
	Analysis   *TranscriptAnalysis `json:"analysis,omitempty"`
}

// TranscriptDelta is a live transcript fragment published on the bus. When
// IsPartial is set, subscribers overwrite the tail of the previous fragment
// for the same role instead of appending.
type TranscriptDelta struct {
	CallID    string        `json:"callId"`
	Role      UtteranceRole `json:"role"`
	Text      string        `json:"text"`
	IsPartial bool          `json:"isPartial"`
	At        time.Time     `json:"at"`
}
