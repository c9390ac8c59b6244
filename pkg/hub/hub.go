// Package hub fans platform events out to dashboard WebSocket clients.
//
// Each client connection runs a read loop that owns the connection's
// subscription set. Subscribing attaches a bus subscription per topic and
// replies with a snapshot built from the store, so a client that connects
// (or reconnects) mid-call starts from current state and applies live
// events on top. When a slow client overflows its bus buffer it receives
// a lagged frame and is expected to request a fresh snapshot.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kestrelcall/kestrel/pkg/bus"
)

const (
	// pingInterval is how often the hub pings each client.
	pingInterval = 10 * time.Second
	// idleTimeout closes a connection whose ping goes unanswered this long.
	idleTimeout = 25 * time.Second
	// writeTimeout bounds a single frame write to one client.
	writeTimeout = 5 * time.Second
)

// Snapshotter builds the point-in-time view delivered when a client
// subscribes to a topic.
type Snapshotter interface {
	Snapshot(ctx context.Context, topic string) (any, error)
}

// Hub owns all dashboard connections and their bus subscriptions.
type Hub struct {
	bus       *bus.Bus
	snapshots Snapshotter
	logger    *slog.Logger

	connections map[string]*Connection
	mu          sync.RWMutex
}

// Connection is one dashboard client.
type Connection struct {
	ID   string
	conn *websocket.Conn

	// subscriptions is only touched by the goroutine running the read
	// loop for this connection, so it needs no lock.
	subscriptions map[string]*topicSub

	ctx    context.Context
	cancel context.CancelFunc
}

// topicSub ties one bus subscription to the forwarder goroutine that
// drains it into the client socket.
type topicSub struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a hub over the given event bus and snapshot source.
func New(b *bus.Bus, snapshots Snapshotter) *Hub {
	return &Hub{
		bus:         b,
		snapshots:   snapshots,
		logger:      slog.Default().With("component", "hub"),
		connections: make(map[string]*Connection),
	}
}

// HandleConnection serves one accepted WebSocket until the client
// disconnects or ctx is canceled. It runs on the caller's goroutine.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Connection{
		ID:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]*topicSub),
		ctx:           connCtx,
		cancel:        cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendFrame(c, ServerFrame{
		Event: EventConnectionEstablished,
		Data:  map[string]string{"connectionId": c.ID},
	})

	go h.keepalive(c)

	for {
		_, raw, err := conn.Read(connCtx)
		if err != nil {
			h.logger.Debug("connection closed", "connection_id", c.ID, "error", err)
			return
		}

		frame, err := decodeClientFrame(raw)
		if err != nil {
			h.logger.Warn("invalid client frame", "connection_id", c.ID, "error", err)
			h.sendFrame(c, errorFrame("invalid frame", ""))
			continue
		}
		h.handleClientFrame(c, frame)
	}
}

func (h *Hub) handleClientFrame(c *Connection, frame ClientFrame) {
	topic := frame.Data.Topic

	switch frame.Event {
	case ActionSubscribe:
		if !bus.ValidTopic(topic) {
			h.sendFrame(c, errorFrame("unrecognized topic", topic))
			return
		}
		h.subscribe(c, topic)

	case ActionUnsubscribe:
		h.unsubscribe(c, topic)

	case ActionSnapshot:
		if !bus.ValidTopic(topic) {
			h.sendFrame(c, errorFrame("unrecognized topic", topic))
			return
		}
		h.sendSnapshot(c, topic)

	case ActionPing:
		h.sendFrame(c, ServerFrame{Event: EventPong})

	default:
		h.sendFrame(c, errorFrame("unrecognized event "+frame.Event, ""))
	}
}

// subscribe attaches a bus subscription and replies with a snapshot. The
// bus subscription is live before the snapshot is built, so nothing
// published in between is lost; events already reflected in the snapshot
// may be re-delivered, which clients absorb by keying on entity IDs.
func (h *Hub) subscribe(c *Connection, topic string) {
	if _, exists := c.subscriptions[topic]; exists {
		// Duplicate subscribe acts as a snapshot refresh.
		h.sendSnapshot(c, topic)
		return
	}

	sub := h.bus.Subscribe(topic, bus.DefaultBuffer)
	fwdCtx, cancel := context.WithCancel(c.ctx)
	ts := &topicSub{sub: sub, cancel: cancel, done: make(chan struct{})}
	c.subscriptions[topic] = ts

	h.sendSnapshot(c, topic)
	go h.forward(fwdCtx, c, ts)

	h.logger.Debug("subscribed", "connection_id", c.ID, "topic", topic)
}

func (h *Hub) unsubscribe(c *Connection, topic string) {
	ts, ok := c.subscriptions[topic]
	if !ok {
		return
	}
	delete(c.subscriptions, topic)
	ts.cancel()
	ts.sub.Close()
	<-ts.done

	h.logger.Debug("unsubscribed", "connection_id", c.ID, "topic", topic)
}

func (h *Hub) sendSnapshot(c *Connection, topic string) {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	data, err := h.snapshots.Snapshot(ctx, topic)
	if err != nil {
		h.logger.Warn("snapshot failed", "connection_id", c.ID, "topic", topic, "error", err)
		h.sendFrame(c, errorFrame("snapshot unavailable", topic))
		return
	}
	h.sendFrame(c, snapshotFrame(topic, data))
}

// forward drains one bus subscription into the client socket.
func (h *Hub) forward(ctx context.Context, c *Connection, ts *topicSub) {
	defer close(ts.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ts.sub.C():
			var frame ServerFrame
			if ev.Kind == bus.KindLagged {
				frame = laggedFrame(ev.Topic)
			} else {
				frame = eventFrame(ev.Topic, ev.Payload)
			}
			h.sendFrame(c, frame)
		}
	}
}

// keepalive pings the client on a fixed interval and cancels the
// connection when a ping goes unanswered past the idle timeout.
func (h *Hub) keepalive(c *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, idleTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Info("client unresponsive, closing", "connection_id", c.ID)
				c.cancel()
				return
			}
		}
	}
}

// sendFrame writes one frame with a bounded deadline. Write failures are
// logged and left to the read loop, which observes the broken socket.
func (h *Hub) sendFrame(c *Connection, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", "connection_id", c.ID, "event", frame.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("write failed", "connection_id", c.ID, "event", frame.Event, "error", err)
	}
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("dashboard client connected", "connection_id", c.ID, "total", h.ActiveConnections())
}

func (h *Hub) unregister(c *Connection) {
	for topic := range c.subscriptions {
		h.unsubscribe(c, topic)
	}

	h.mu.Lock()
	delete(h.connections, c.ID)
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")

	h.logger.Info("dashboard client disconnected", "connection_id", c.ID, "total", h.ActiveConnections())
}

// ActiveConnections returns the number of connected dashboard clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Shutdown disconnects every client. Read loops observe their canceled
// contexts and unwind through their deferred cleanup.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
	}
}
