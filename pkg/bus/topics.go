package bus

import "strings"

// Well-known topics. Entity-scoped topics are derived with the helper
// functions below so producers and subscribers agree on naming.
const (
	// TopicCallUpdates carries every call state transition platform-wide.
	TopicCallUpdates = "call.updates"
	// TopicCampaignUpdates carries campaign lifecycle and stats changes.
	TopicCampaignUpdates = "campaign.updates"
)

// CallTopic returns the per-call topic for detailed updates of one call.
func CallTopic(callID string) string {
	return "call." + callID
}

// TranscriptTopic returns the per-call topic for live transcript deltas.
func TranscriptTopic(callID string) string {
	return "transcript." + callID
}

// CampaignTopic returns the per-campaign topic for progress updates.
func CampaignTopic(campaignID string) string {
	return "campaign." + campaignID
}

// ValidTopic reports whether topic is one the platform publishes. Unknown
// topics are rejected at subscribe time instead of silently never firing.
func ValidTopic(topic string) bool {
	if topic == TopicCallUpdates || topic == TopicCampaignUpdates {
		return true
	}
	kind, id := SplitTopic(topic)
	switch kind {
	case "call", "transcript", "campaign":
		return id != ""
	}
	return false
}

// SplitTopic separates an entity-scoped topic into its kind and entity ID.
// Returns empty strings when topic has no separator.
func SplitTopic(topic string) (kind, id string) {
	i := strings.Index(topic, ".")
	if i < 0 {
		return "", ""
	}
	return topic[:i], topic[i+1:]
}
