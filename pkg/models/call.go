package models

import "time"

// CallState is the telephony lifecycle state of a call. Terminal states
// are sinks: the store rejects transitions out of them.
type CallState string

const (
	CallInitiated  CallState = "initiated"
	CallRinging    CallState = "ringing"
	CallInProgress CallState = "in-progress"
	CallCompleted  CallState = "completed"
	CallBusy       CallState = "busy"
	CallFailed     CallState = "failed"
	CallNoAnswer   CallState = "no-answer"
	CallCanceled   CallState = "canceled"
)

// TerminalCallStates lists the sink states in a stable order, usable
// directly in SQL "= ANY($n)" clauses.
var TerminalCallStates = []string{
	string(CallCompleted),
	string(CallBusy),
	string(CallFailed),
	string(CallNoAnswer),
	string(CallCanceled),
}

// IsTerminal reports whether s is a sink state.
func (s CallState) IsTerminal() bool {
	switch s {
	case CallCompleted, CallBusy, CallFailed, CallNoAnswer, CallCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s CallState) Valid() bool {
	switch s {
	case CallInitiated, CallRinging, CallInProgress,
		CallCompleted, CallBusy, CallFailed, CallNoAnswer, CallCanceled:
		return true
	}
	return false
}

// CallDirection distinguishes dialer-originated calls from inbound ones.
type CallDirection string

const (
	DirectionOutbound CallDirection = "outbound"
	DirectionInbound  CallDirection = "inbound"
)

// AnsweredBy is the provider's answering-machine classification.
type AnsweredBy string

const (
	AnsweredByHuman            AnsweredBy = "human"
	AnsweredByMachineStart     AnsweredBy = "machine_start"
	AnsweredByMachineEndBeep   AnsweredBy = "machine_end_beep"
	AnsweredByMachineEndOther  AnsweredBy = "machine_end_other"
	AnsweredByMachineEndSilent AnsweredBy = "machine_end_silence"
	AnsweredByFax              AnsweredBy = "fax"
	AnsweredByUnknown          AnsweredBy = "unknown"
)

// IsMachine reports whether the classification indicates an answering machine.
func (a AnsweredBy) IsMachine() bool {
	switch a {
	case AnsweredByMachineStart, AnsweredByMachineEndBeep, AnsweredByMachineEndOther, AnsweredByMachineEndSilent, AnsweredByFax:
		return true
	}
	return false
}

// Call is the authoritative record of one provider call. The ID is the
// provider-assigned call sid.
type Call struct {
	ID             string         `json:"id"`
	CampaignID     string         `json:"campaignId,omitempty"`
	ContactID      string         `json:"contactId,omitempty"`
	ContactName    string         `json:"contactName,omitempty"`
	Direction      CallDirection  `json:"direction"`
	State          CallState      `json:"state"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	AnsweredBy     AnsweredBy     `json:"answeredBy,omitempty"`
	TerminatedBy   TerminationTag `json:"terminatedBy,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	DurationSec    int            `json:"durationSec"`
	CreatedAt      time.Time      `json:"createdAt"`
	AnsweredAt     *time.Time     `json:"answeredAt,omitempty"`
	EndedAt        *time.Time     `json:"endedAt,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CallFilters contains filtering options for listing calls.
type CallFilters struct {
	CampaignID string
	ContactID  string
	State      CallState
	Limit      int
	Offset     int
}

// NewCall contains the fields known at call creation time.
type NewCall struct {
	ID          string
	CampaignID  string
	ContactID   string
	ContactName string
	Direction   CallDirection
	State       CallState
	From        string
	To          string
}
