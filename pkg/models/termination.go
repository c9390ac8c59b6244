package models

// TerminationTag is the canonical terminatedBy attribution decided by the
// termination arbiter. It is written at most once per call.
type TerminationTag string

const (
	TerminatedByUserBusy        TerminationTag = "user_busy"
	TerminatedByUserNoAnswer    TerminationTag = "user_no_answer"
	TerminatedBySystem          TerminationTag = "system"
	TerminatedByAMDMachine      TerminationTag = "amd_machine"
	TerminatedByAgent           TerminationTag = "agent"
	TerminatedByUser            TerminationTag = "user"
	TerminatedByInactivity      TerminationTag = "system_inactivity"
	TerminatedByDurationLimit   TerminationTag = "duration_limit"
	TerminatedByAPIRequest      TerminationTag = "api_request"
	TerminatedByImmediateHangup TerminationTag = "user_immediate_hangup"
	TerminatedByUnknown         TerminationTag = "unknown"
)

// IsSystem reports whether the tag attributes termination to this service
// rather than a party on the call. System attributions map the contact
// outcome to failed.
func (t TerminationTag) IsSystem() bool {
	return t == TerminatedBySystem || t == TerminatedByInactivity
}

// SignalSource identifies which collaborator produced a termination signal.
type SignalSource string

const (
	SourceTelephony SignalSource = "telephony"
	SourceAI        SignalSource = "ai"
	SourceInternal  SignalSource = "internal"
)
