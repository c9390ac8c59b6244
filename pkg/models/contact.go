package models

import "time"

// ContactStatus tracks where a contact sits in the dialing pipeline.
type ContactStatus string

const (
	ContactPending    ContactStatus = "pending"
	ContactProcessing ContactStatus = "processing"
	ContactCalled     ContactStatus = "called"
	ContactFailed     ContactStatus = "failed"
	ContactDoNotCall  ContactStatus = "do-not-call"
)

// Contact is a dialable phone contact. Phone numbers are E.164 and unique
// across the store. A contact in status processing holds a claim lock; the
// sweeper reverts expired locks to pending.
type Contact struct {
	ID              string        `json:"id"`
	Phone           string        `json:"phone"`
	Name            string        `json:"name"`
	Email           string        `json:"email,omitempty"`
	Status          ContactStatus `json:"status"`
	CallCount       int           `json:"callCount"`
	Priority        int           `json:"priority"`
	LastContactedAt *time.Time    `json:"lastContactedAt,omitempty"`
	LockedUntil     *time.Time    `json:"lockedUntil,omitempty"`
	CampaignIDs     []string      `json:"campaignIds,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ContactInput is one row of a bulk contact upload.
type ContactInput struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ContactOutcome is the terminal disposition recorded by FinalizeContact.
type ContactOutcome string

const (
	OutcomeCalled ContactOutcome = "called"
	OutcomeFailed ContactOutcome = "failed"
)
