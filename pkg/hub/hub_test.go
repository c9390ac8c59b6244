package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/bus"
)

// mockSnapshots serves canned snapshots per topic and records requests.
type mockSnapshots struct {
	mu    sync.Mutex
	state map[string]any
	calls []string
}

func newMockSnapshots() *mockSnapshots {
	return &mockSnapshots{state: make(map[string]any)}
}

func (m *mockSnapshots) set(topic string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[topic] = data
}

func (m *mockSnapshots) Snapshot(_ context.Context, topic string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, topic)
	if data, ok := m.state[topic]; ok {
		return data, nil
	}
	return map[string]any{}, nil
}

func (m *mockSnapshots) requests(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == topic {
			n++
		}
	}
	return n
}

func setupTestHub(t *testing.T) (*Hub, *bus.Bus, *mockSnapshots, *httptest.Server) {
	t.Helper()

	b := bus.New()
	snapshots := newMockSnapshots()
	h := New(b, snapshots)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		h.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return h, b, snapshots, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event, topic string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frame ClientFrame
	frame.Event = event
	frame.Data.Topic = topic
	data, _ := json.Marshal(frame)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_ConnectionEstablished(t *testing.T) {
	_, _, _, server := setupTestHub(t)
	conn := connectWS(t, server)

	msg := readFrame(t, conn)
	assert.Equal(t, EventConnectionEstablished, msg["event"])
	data := msg["data"].(map[string]interface{})
	assert.NotEmpty(t, data["connectionId"])
}

func TestHub_SubscribeDeliversSnapshotThenEvents(t *testing.T) {
	_, b, snapshots, server := setupTestHub(t)
	snapshots.set(bus.TopicCallUpdates, []map[string]string{{"id": "CA1", "state": "in-progress"}})

	conn := connectWS(t, server)
	readFrame(t, conn) // connection.established

	writeFrame(t, conn, ActionSubscribe, bus.TopicCallUpdates)

	msg := readFrame(t, conn)
	assert.Equal(t, "snapshot.call.updates", msg["event"])
	items := msg["data"].([]interface{})
	require.Len(t, items, 1)

	// Wait for the bus subscription before publishing.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(bus.TopicCallUpdates) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish(bus.TopicCallUpdates, map[string]string{"id": "CA2", "state": "ringing"})

	msg = readFrame(t, conn)
	assert.Equal(t, "event.call.updates", msg["event"])
	payload := msg["data"].(map[string]interface{})
	assert.Equal(t, "CA2", payload["id"])
}

func TestHub_SubscribeUnknownTopic(t *testing.T) {
	_, _, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	writeFrame(t, conn, ActionSubscribe, "weather.updates")

	msg := readFrame(t, conn)
	assert.Equal(t, EventError, msg["event"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "weather.updates", data["topic"])
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	_, b, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	callTopic := bus.CallTopic("CA100")
	writeFrame(t, conn, ActionSubscribe, callTopic)
	readFrame(t, conn) // snapshot

	writeFrame(t, conn, ActionUnsubscribe, callTopic)

	// Unsubscribe is processed by the read loop; once the bus has no
	// subscribers left the detach is complete.
	require.Eventually(t, func() bool {
		return b.SubscriberCount(callTopic) == 0
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish(callTopic, map[string]string{"id": "CA100"})

	// A ping round-trip proves nothing else was queued for delivery.
	writeFrame(t, conn, ActionPing, "")
	msg := readFrame(t, conn)
	assert.Equal(t, EventPong, msg["event"])
}

func TestHub_SnapshotOnDemand(t *testing.T) {
	_, _, snapshots, server := setupTestHub(t)
	snapshots.set(bus.TopicCampaignUpdates, []map[string]string{{"id": "c1", "state": "running"}})

	conn := connectWS(t, server)
	readFrame(t, conn)

	writeFrame(t, conn, ActionSnapshot, bus.TopicCampaignUpdates)

	msg := readFrame(t, conn)
	assert.Equal(t, "snapshot.campaign.updates", msg["event"])
	assert.Equal(t, 1, snapshots.requests(bus.TopicCampaignUpdates))
}

func TestHub_DuplicateSubscribeRefreshesSnapshot(t *testing.T) {
	_, _, snapshots, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	writeFrame(t, conn, ActionSubscribe, bus.TopicCallUpdates)
	readFrame(t, conn)

	writeFrame(t, conn, ActionSubscribe, bus.TopicCallUpdates)
	msg := readFrame(t, conn)
	assert.Equal(t, "snapshot.call.updates", msg["event"])
	assert.Equal(t, 2, snapshots.requests(bus.TopicCallUpdates))
}

func TestHub_ReconnectGetsFreshSnapshot(t *testing.T) {
	_, b, snapshots, server := setupTestHub(t)
	topic := bus.TranscriptTopic("CA7")
	snapshots.set(topic, map[string]any{"utterances": []string{"hello"}})

	conn := connectWS(t, server)
	readFrame(t, conn)
	writeFrame(t, conn, ActionSubscribe, topic)
	readFrame(t, conn)

	// Client drops; events keep flowing while it is away.
	conn.Close(websocket.StatusGoingAway, "")
	require.Eventually(t, func() bool {
		return b.SubscriberCount(topic) == 0
	}, 2*time.Second, 10*time.Millisecond)
	snapshots.set(topic, map[string]any{"utterances": []string{"hello", "world"}})

	conn2 := connectWS(t, server)
	readFrame(t, conn2)
	writeFrame(t, conn2, ActionSubscribe, topic)

	msg := readFrame(t, conn2)
	require.Equal(t, "snapshot."+topic, msg["event"])
	data := msg["data"].(map[string]interface{})
	assert.Len(t, data["utterances"], 2)
}

func TestHub_InvalidFrame(t *testing.T) {
	_, _, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))

	msg := readFrame(t, conn)
	assert.Equal(t, EventError, msg["event"])
}

func TestHub_UnsubscribeIgnoresUnknownTopic(t *testing.T) {
	_, _, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	writeFrame(t, conn, ActionUnsubscribe, bus.CallTopic("never-subscribed"))

	// Connection stays healthy.
	writeFrame(t, conn, ActionPing, "")
	msg := readFrame(t, conn)
	assert.Equal(t, EventPong, msg["event"])
}

func TestHub_MultipleClientsIndependentTopics(t *testing.T) {
	_, b, _, server := setupTestHub(t)

	conn1 := connectWS(t, server)
	readFrame(t, conn1)
	conn2 := connectWS(t, server)
	readFrame(t, conn2)

	topic1 := bus.CallTopic("CA1")
	topic2 := bus.CallTopic("CA2")
	writeFrame(t, conn1, ActionSubscribe, topic1)
	readFrame(t, conn1)
	writeFrame(t, conn2, ActionSubscribe, topic2)
	readFrame(t, conn2)

	require.Eventually(t, func() bool {
		return b.SubscriberCount(topic1) == 1 && b.SubscriberCount(topic2) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish(topic1, map[string]string{"id": "CA1"})
	b.Publish(topic2, map[string]string{"id": "CA2"})

	msg1 := readFrame(t, conn1)
	assert.Equal(t, "event."+topic1, msg1["event"])
	msg2 := readFrame(t, conn2)
	assert.Equal(t, "event."+topic2, msg2["event"])
}

func TestHub_DisconnectCleansUpSubscriptions(t *testing.T) {
	h, b, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	writeFrame(t, conn, ActionSubscribe, bus.TopicCallUpdates)
	readFrame(t, conn)

	require.Eventually(t, func() bool {
		return h.ActiveConnections() == 1 && b.SubscriberCount(bus.TopicCallUpdates) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.ActiveConnections() == 0 && b.SubscriberCount(bus.TopicCallUpdates) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Shutdown(t *testing.T) {
	h, _, _, server := setupTestHub(t)
	conn := connectWS(t, server)
	readFrame(t, conn)

	require.Eventually(t, func() bool {
		return h.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Shutdown()

	require.Eventually(t, func() bool {
		return h.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The client observes the close.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}
