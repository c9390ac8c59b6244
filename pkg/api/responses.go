package api

// listEnvelope is the common shape of paginated list responses. Limit and
// Offset echo the request so clients can page without re-reading their own
// query string.
type listEnvelope struct {
	Items      any `json:"items"`
	TotalCount int `json:"totalCount"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
}

// OutboundCallResponse is returned by POST /api/outbound-call.
type OutboundCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId"`
	State   string `json:"state"`
}

// AddContactsResponse is returned by POST /api/campaigns/:id/contacts.
type AddContactsResponse struct {
	Added         int `json:"added"`
	TotalContacts int `json:"totalContacts"`
}

// AcceptedResponse acknowledges webhook deliveries and fire-and-forget
// actions where the caller only needs to know the request landed.
type AcceptedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is the status of a single subsystem inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}
