package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "call.CA123", CallTopic("CA123"))
	assert.Equal(t, "transcript.CA123", TranscriptTopic("CA123"))
	assert.Equal(t, "campaign.7f9d", CampaignTopic("7f9d"))
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		valid bool
	}{
		{"call.updates", true},
		{"campaign.updates", true},
		{"call.CA123", true},
		{"transcript.CA123", true},
		{"campaign.7f9d", true},
		{"call.", false},
		{"transcript.", false},
		{"campaign.", false},
		{"call", false},
		{"transcript", false},
		{"weather.updates", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTopic(tt.topic))
		})
	}
}

func TestSplitTopic(t *testing.T) {
	kind, id := SplitTopic("call.CA123")
	assert.Equal(t, "call", kind)
	assert.Equal(t, "CA123", id)

	kind, id = SplitTopic("transcript.CA1.extra")
	assert.Equal(t, "transcript", kind)
	assert.Equal(t, "CA1.extra", id)

	kind, id = SplitTopic("nodot")
	assert.Empty(t, kind)
	assert.Empty(t, id)
}
