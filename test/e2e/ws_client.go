package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelcall/kestrel/pkg/bus"
)

// WSEvent is one server frame received on the dashboard socket.
type WSEvent struct {
	Event    string                 // frame event name, e.g. "event.call.updates"
	Raw      json.RawMessage        // original frame JSON
	Object   map[string]interface{} // data parsed as an object, nil otherwise
	Items    []interface{}          // data parsed as an array, nil otherwise
	Received time.Time
}

// WSClient connects to the dashboard WebSocket endpoint and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect establishes a WebSocket connection to the test server and starts
// collecting frames in a background goroutine.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	// Start background reader.
	go c.readLoop()

	return c, nil
}

// Subscribe sends a subscribe frame for the given topic.
func (c *WSClient) Subscribe(topic string) error {
	return c.send("subscribe", topic)
}

// Unsubscribe sends an unsubscribe frame for the given topic.
func (c *WSClient) Unsubscribe(topic string) error {
	return c.send("unsubscribe", topic)
}

// RequestSnapshot asks for a fresh snapshot of the topic.
func (c *WSClient) RequestSnapshot(topic string) error {
	return c.send("snapshot", topic)
}

// Ping sends a keepalive probe; the server answers with a pong frame.
func (c *WSClient) Ping() error {
	return c.send("ping", "")
}

func (c *WSClient) send(event, topic string) error {
	frame := map[string]interface{}{"event": event}
	if topic != "" {
		frame["data"] = map[string]string{"topic": topic}
	}
	data, _ := json.Marshal(frame)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until a frame matching the predicate arrives, or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventNamed waits for a frame with the given event name.
func (c *WSClient) WaitForEventNamed(event string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == event
	}, timeout)
}

// WaitForCampaignState waits for a campaign.updates event carrying the state.
func (c *WSClient) WaitForCampaignState(state string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "event."+bus.TopicCampaignUpdates && e.Object != nil && e.Object["state"] == state
	}, timeout)
}

// WaitForCallState waits for a call.updates event where the call is in the
// given state.
func (c *WSClient) WaitForCallState(callID, state string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Event == "event."+bus.TopicCallUpdates && e.Object != nil &&
			e.Object["id"] == callID && e.Object["state"] == state
	}, timeout)
}

// CollectUntil collects frames until predicate returns true or timeout.
func (c *WSClient) CollectUntil(predicate func(events []WSEvent) bool, timeout time.Duration) ([]WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return c.Events(), fmt.Errorf("timeout waiting for condition (collected %d frames)", len(c.Events()))
		case <-tick.C:
			evts := c.Events()
			if predicate(evts) {
				return evts, nil
			}
		}
	}
}

// Events returns a snapshot of all collected frames.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSEvent, len(c.events))
	copy(result, c.events)
	return result
}

// EventsNamed returns frames filtered by event name.
func (c *WSClient) EventsNamed(event string) []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSEvent
	for _, e := range c.events {
		if e.Event == event {
			result = append(result, e)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames from the WebSocket and appends them to the events
// slice.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue // Skip malformed frames.
		}

		evt := WSEvent{
			Event:    frame.Event,
			Raw:      json.RawMessage(data),
			Received: time.Now(),
		}
		if len(frame.Data) > 0 {
			var obj map[string]interface{}
			if json.Unmarshal(frame.Data, &obj) == nil {
				evt.Object = obj
			} else {
				var arr []interface{}
				if json.Unmarshal(frame.Data, &arr) == nil {
					evt.Items = arr
				}
			}
		}

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}
