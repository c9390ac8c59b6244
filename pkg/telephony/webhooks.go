package telephony

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelcall/kestrel/pkg/models"
)

// StatusCallback is the provider's call lifecycle webhook payload.
type StatusCallback struct {
	CallSID        string
	CallStatus     string
	From           string
	To             string
	Direction      string
	CallDuration   int
	AnsweredBy     string
	SequenceNumber int
	Timestamp      time.Time
}

// ParseStatusCallback reads the form-encoded status callback fields.
func ParseStatusCallback(form url.Values) StatusCallback {
	duration, _ := strconv.Atoi(form.Get("CallDuration"))
	seq, _ := strconv.Atoi(form.Get("SequenceNumber"))
	ts, err := time.Parse(time.RFC1123Z, form.Get("Timestamp"))
	if err != nil {
		ts = time.Now()
	}
	return StatusCallback{
		CallSID:        form.Get("CallSid"),
		CallStatus:     form.Get("CallStatus"),
		From:           form.Get("From"),
		To:             form.Get("To"),
		Direction:      form.Get("Direction"),
		CallDuration:   duration,
		AnsweredBy:     form.Get("AnsweredBy"),
		SequenceNumber: seq,
		Timestamp:      ts,
	}
}

// State maps the provider status onto the call lifecycle state. The second
// return is false for statuses this service does not track.
func (s StatusCallback) State() (models.CallState, bool) {
	return StateForStatus(s.CallStatus)
}

// StateForStatus maps a provider CallStatus string to a call state.
func StateForStatus(status string) (models.CallState, bool) {
	switch strings.ToLower(status) {
	case "queued", "initiated":
		return models.CallInitiated, true
	case "ringing":
		return models.CallRinging, true
	case "in-progress", "answered":
		return models.CallInProgress, true
	case "completed":
		return models.CallCompleted, true
	case "busy":
		return models.CallBusy, true
	case "failed":
		return models.CallFailed, true
	case "no-answer":
		return models.CallNoAnswer, true
	case "canceled":
		return models.CallCanceled, true
	}
	return "", false
}

// AMDCallback is the asynchronous answering-machine detection payload.
type AMDCallback struct {
	CallSID         string
	AnsweredBy      string
	MachineBehavior string
}

// ParseAMDCallback reads the form-encoded AMD callback fields.
func ParseAMDCallback(form url.Values) AMDCallback {
	return AMDCallback{
		CallSID:         form.Get("CallSid"),
		AnsweredBy:      form.Get("AnsweredBy"),
		MachineBehavior: form.Get("MachineBehavior"),
	}
}

// NormalizeAnsweredBy maps a provider AnsweredBy string onto the model
// enum, defaulting to unknown.
func NormalizeAnsweredBy(v string) models.AnsweredBy {
	switch strings.ToLower(v) {
	case "human":
		return models.AnsweredByHuman
	case "machine_start":
		return models.AnsweredByMachineStart
	case "machine_end_beep":
		return models.AnsweredByMachineEndBeep
	case "machine_end_other":
		return models.AnsweredByMachineEndOther
	case "machine_end_silence":
		return models.AnsweredByMachineEndSilent
	case "fax":
		return models.AnsweredByFax
	}
	return models.AnsweredByUnknown
}

// RecordingCallback is the recording status webhook payload.
type RecordingCallback struct {
	CallSID           string
	RecordingSID      string
	RecordingURL      string
	RecordingStatus   string
	RecordingDuration int
	RecordingChannels int
}

// ParseRecordingCallback reads the form-encoded recording callback fields.
func ParseRecordingCallback(form url.Values) RecordingCallback {
	duration, _ := strconv.Atoi(form.Get("RecordingDuration"))
	channels, _ := strconv.Atoi(form.Get("RecordingChannels"))
	return RecordingCallback{
		CallSID:           form.Get("CallSid"),
		RecordingSID:      form.Get("RecordingSid"),
		RecordingURL:      form.Get("RecordingUrl"),
		RecordingStatus:   form.Get("RecordingStatus"),
		RecordingDuration: duration,
		RecordingChannels: channels,
	}
}
