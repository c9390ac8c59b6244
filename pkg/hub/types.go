package hub

import "encoding/json"

// Client frame events accepted over the dashboard socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSnapshot    = "snapshot"
	ActionPing        = "ping"
)

// Server frame event names and prefixes. Topic-scoped frames append the
// topic to the prefix, e.g. "snapshot.call.updates".
const (
	EventConnectionEstablished = "connection.established"
	EventPong                  = "pong"
	EventError                 = "error"

	prefixSnapshot = "snapshot."
	prefixEvent    = "event."
	prefixLagged   = "lagged."
)

// ClientFrame is one message from a dashboard client. Every action that
// targets a topic carries it in data.topic.
type ClientFrame struct {
	Event string `json:"event"`
	Data  struct {
		Topic string `json:"topic"`
	} `json:"data"`
}

// ServerFrame is one message to a dashboard client.
type ServerFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func snapshotFrame(topic string, data any) ServerFrame {
	return ServerFrame{Event: prefixSnapshot + topic, Data: data}
}

func eventFrame(topic string, payload any) ServerFrame {
	return ServerFrame{Event: prefixEvent + topic, Data: payload}
}

// laggedFrame tells the client it missed events on topic and should
// request a fresh snapshot.
func laggedFrame(topic string) ServerFrame {
	return ServerFrame{Event: prefixLagged + topic, Data: map[string]string{"topic": topic}}
}

func errorFrame(message string, topic string) ServerFrame {
	data := map[string]string{"message": message}
	if topic != "" {
		data["topic"] = topic
	}
	return ServerFrame{Event: EventError, Data: data}
}

// decodeClientFrame parses a raw client message.
func decodeClientFrame(raw []byte) (ClientFrame, error) {
	var frame ClientFrame
	err := json.Unmarshal(raw, &frame)
	return frame, err
}
