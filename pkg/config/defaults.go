package config

import "github.com/kestrelcall/kestrel/pkg/models"

// Normalize fills zero-valued campaign settings from the dialer defaults
// and clamps nonsense values.
func (d DialerDefaults) Normalize(s models.CampaignSettings) models.CampaignSettings {
	if s.CallDelayMs <= 0 {
		s.CallDelayMs = int(d.CallDelay.Milliseconds())
	}
	if s.MaxConcurrentCalls <= 0 {
		s.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if s.RetryCount < 0 {
		s.RetryCount = d.RetryCount
	}
	if s.RetryDelayMs <= 0 {
		s.RetryDelayMs = int(d.RetryDelay.Milliseconds())
	}
	return s
}
