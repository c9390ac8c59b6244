package telephony

import (
	"encoding/xml"
	"fmt"
)

// Parameter is a custom key/value the provider echoes back in the media
// stream's start event.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type streamElement struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type sayElement struct {
	Text string `xml:",chardata"`
}

type twimlResponse struct {
	XMLName xml.Name        `xml:"Response"`
	Connect *connectElement `xml:"Connect,omitempty"`
	Say     *sayElement     `xml:"Say,omitempty"`
	Hangup  *struct{}       `xml:"Hangup,omitempty"`
}

// StreamTwiML renders the voice response that connects the answered call to
// the media-stream WebSocket, threading the custom parameters through to
// the stream start event.
func StreamTwiML(streamURL string, params []Parameter) (string, error) {
	doc := twimlResponse{
		Connect: &connectElement{
			Stream: streamElement{URL: streamURL, Parameters: params},
		},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render stream twiml: %w", err)
	}
	return xml.Header + string(out), nil
}

// FallbackTwiML renders the apology the provider plays when the primary
// TwiML endpoint fails.
func FallbackTwiML() string {
	doc := twimlResponse{
		Say:    &sayElement{Text: "We are sorry, a technical problem interrupted this call. Goodbye."},
		Hangup: &struct{}{},
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Static document; marshalling cannot fail at runtime.
		return xml.Header + "<Response><Hangup></Hangup></Response>"
	}
	return xml.Header + string(out)
}
