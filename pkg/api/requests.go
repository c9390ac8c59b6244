package api

import "github.com/kestrelcall/kestrel/pkg/models"

// OutboundCallRequest is the HTTP request body for POST /api/outbound-call.
type OutboundCallRequest struct {
	To           string `json:"to"`
	From         string `json:"from,omitempty"`
	Region       string `json:"region,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	FirstMessage string `json:"firstMessage,omitempty"`
	Name         string `json:"name,omitempty"`
	CampaignID   string `json:"campaignId,omitempty"`
	ContactID    string `json:"contactId,omitempty"`
}

// AddContactsRequest is the HTTP request body for POST /api/campaigns/:id/contacts.
type AddContactsRequest struct {
	Contacts []models.ContactInput `json:"contacts"`
}

// TerminateCallRequest is the optional body for POST /api/calls/:id/terminate.
type TerminateCallRequest struct {
	Reason string `json:"reason,omitempty"`
}
