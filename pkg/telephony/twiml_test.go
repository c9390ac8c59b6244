package telephony

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTwiML(t *testing.T) {
	out, err := StreamTwiML("wss://kestrel.example.com/outbound-media-stream", []Parameter{
		{Name: "prompt", Value: "You are a friendly assistant"},
		{Name: "name", Value: "Ada"},
		{Name: "campaignId", Value: "c-1"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, xml.Header))
	assert.Contains(t, out, `<Stream url="wss://kestrel.example.com/outbound-media-stream">`)
	assert.Contains(t, out, `<Parameter name="prompt" value="You are a friendly assistant">`)
	assert.Contains(t, out, `<Parameter name="campaignId" value="c-1">`)

	// Must be well-formed XML with Response as the document element.
	var doc struct {
		XMLName xml.Name `xml:"Response"`
	}
	require.NoError(t, xml.Unmarshal([]byte(out), &doc))
}

func TestStreamTwiMLEscapesValues(t *testing.T) {
	out, err := StreamTwiML("wss://kestrel.example.com/outbound-media-stream", []Parameter{
		{Name: "prompt", Value: `say "hi" & <wave>`},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "say &#34;hi&#34; &amp; &lt;wave&gt;")
	assert.NotContains(t, out, `<wave>`)
}

func TestFallbackTwiML(t *testing.T) {
	out := FallbackTwiML()
	assert.Contains(t, out, "<Say>")
	assert.Contains(t, out, "Goodbye")
	assert.Contains(t, out, "<Hangup>")
	assert.NotContains(t, out, "<Connect>")
}
