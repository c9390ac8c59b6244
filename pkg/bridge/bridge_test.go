package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/models"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/test/util"
)

// fakeAI accepts conversation sockets and hands them to the test to drive.
type fakeAI struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	fail   bool
}

func newFakeAI(t *testing.T) *fakeAI {
	t.Helper()
	f := &fakeAI{conns: make(chan *websocket.Conn, 4)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		conn.SetReadLimit(aiReadLimit)
		f.conns <- conn
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAI) GetSignedURL(context.Context) (string, error) {
	if f.fail {
		return "", errors.New("signed url unavailable")
	}
	return "ws" + strings.TrimPrefix(f.server.URL, "http"), nil
}

// accept waits for the bridge to dial in.
func (f *fakeAI) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("bridge never dialed the conversation socket")
		return nil
	}
}

type terminateReq struct {
	callID string
	reason models.TerminationTag
}

type fakeGateway struct {
	mu   sync.Mutex
	reqs []terminateReq
}

func (g *fakeGateway) TerminateCall(_ context.Context, callID string, reason models.TerminationTag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, terminateReq{callID: callID, reason: reason})
	return nil
}

func (g *fakeGateway) calls() []terminateReq {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]terminateReq(nil), g.reqs...)
}

type bridgeEnv struct {
	manager *Manager
	store   *store.Store
	bus     *bus.Bus
	ai      *fakeAI
	gateway *fakeGateway
	server  *httptest.Server
}

func setupBridge(t *testing.T, cfg config.BridgeConfig) *bridgeEnv {
	t.Helper()

	client := util.SetupTestDatabase(t)
	st := store.New(client)
	b := bus.New()
	ai := newFakeAI(t)
	gw := &fakeGateway{}

	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 60 * time.Second
	}
	if cfg.DurationCap == 0 {
		cfg.DurationCap = 10 * time.Minute
	}
	m := NewManager(st, b, ai, gw, cfg)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		m.HandleTelephonyStream(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return &bridgeEnv{manager: m, store: st, bus: b, ai: ai, gateway: gw, server: server}
}

func (env *bridgeEnv) newCall(t *testing.T) *models.Call {
	t.Helper()
	call, err := env.store.CreateCall(context.Background(), models.NewCall{
		ID:        "CA" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Direction: models.DirectionOutbound,
		State:     models.CallInProgress,
		From:      "+15550100000",
		To:        "+15550100001",
	})
	require.NoError(t, err)
	return call
}

func (env *bridgeEnv) dialStream(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + env.server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// startSession connects a telephony stream, sends connected+start, and
// completes AI initiation, returning both sides ready in Active state.
func startSession(t *testing.T, env *bridgeEnv, call *models.Call, params map[string]string) (telConn, aiConn *websocket.Conn) {
	t.Helper()

	telConn = env.dialStream(t)
	sendJSON(t, telConn, StreamMessage{Event: streamEventConnected})
	sendJSON(t, telConn, StreamMessage{
		Event:     streamEventStart,
		StreamSid: "MZ" + call.ID,
		Start: &StreamStart{
			StreamSid:        "MZ" + call.ID,
			CallSid:          call.ID,
			CustomParameters: params,
		},
	})

	aiConn = env.ai.accept(t)

	// The bridge opens with the initiation client data.
	init := readJSON(t, aiConn)
	require.Equal(t, "conversation_initiation_client_data", init["type"])

	sendJSON(t, aiConn, map[string]any{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]any{
			"conversation_id": "conv_" + call.ID,
		},
	})

	require.Eventually(t, func() bool {
		got, err := env.store.GetCall(context.Background(), call.ID)
		return err == nil && got.ConversationID == "conv_"+call.ID
	}, 5*time.Second, 20*time.Millisecond)

	return telConn, aiConn
}

func TestBridge_SessionLifecycle(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)

	updates := env.bus.Subscribe(bus.TopicCallUpdates, 0)
	defer updates.Close()
	transcript := env.bus.Subscribe(bus.TranscriptTopic(call.ID), 0)
	defer transcript.Close()

	telConn, aiConn := startSession(t, env, call, map[string]string{
		"prompt":        "custom prompt",
		"first_message": "hello there",
		"name":          "Fern",
	})

	// Activation published the updated call row.
	select {
	case ev := <-updates.C():
		published := ev.Payload.(*models.Call)
		assert.Equal(t, "conv_"+call.ID, published.ConversationID)
	case <-time.After(5 * time.Second):
		t.Fatal("no call.updates event after activation")
	}

	// Agent audio flows down to the telephony socket.
	sendJSON(t, aiConn, map[string]any{
		"type":        "audio",
		"audio_event": map[string]any{"audio_base_64": "ZmFrZQ==", "event_id": 1},
	})
	frame := readJSON(t, telConn)
	assert.Equal(t, "media", frame["event"])
	assert.Equal(t, "MZ"+call.ID, frame["streamSid"])
	media := frame["media"].(map[string]interface{})
	assert.Equal(t, "ZmFrZQ==", media["payload"])

	// Caller audio flows up as a user audio chunk.
	sendJSON(t, telConn, StreamMessage{
		Event: streamEventMedia,
		Media: &StreamMedia{Payload: "Y2FsbGVy"},
	})
	up := readJSON(t, aiConn)
	assert.Equal(t, "Y2FsbGVy", up["user_audio_chunk"])

	// Transcripts persist and publish.
	sendJSON(t, aiConn, map[string]any{
		"type":                     "user_transcript",
		"user_transcription_event": map[string]any{"user_transcript": "hi, who is this?"},
	})
	select {
	case ev := <-transcript.C():
		delta := ev.Payload.(models.TranscriptDelta)
		assert.Equal(t, models.RoleUser, delta.Role)
		assert.Equal(t, "hi, who is this?", delta.Text)
		assert.False(t, delta.IsPartial)
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript event")
	}
	require.Eventually(t, func() bool {
		tr, err := env.store.GetTranscript(context.Background(), call.ID)
		return err == nil && len(tr.Utterances) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Stop tears the session down and reaches the gateway without an
	// attribution claim.
	sendJSON(t, telConn, StreamMessage{Event: streamEventStop, StreamSid: "MZ" + call.ID})

	require.Eventually(t, func() bool {
		return len(env.gateway.calls()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	req := env.gateway.calls()[0]
	assert.Equal(t, call.ID, req.callID)
	assert.Equal(t, models.TerminationTag(""), req.reason)

	require.Eventually(t, func() bool {
		return env.manager.ActiveSessionCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBridge_InitiationOverrides(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)

	telConn := env.dialStream(t)
	sendJSON(t, telConn, StreamMessage{
		Event:     streamEventStart,
		StreamSid: "MZ1",
		Start: &StreamStart{
			StreamSid: "MZ1",
			CallSid:   call.ID,
			CustomParameters: map[string]string{
				"prompt":        "be brief",
				"first_message": "good morning",
				"name":          "Ada",
			},
		},
	})

	aiConn := env.ai.accept(t)
	init := readJSON(t, aiConn)

	override := init["conversation_config_override"].(map[string]interface{})
	agent := override["agent"].(map[string]interface{})
	prompt := agent["prompt"].(map[string]interface{})
	assert.Equal(t, "be brief", prompt["prompt"])
	assert.Equal(t, "good morning", agent["first_message"])

	vars := init["dynamic_variables"].(map[string]interface{})
	assert.Equal(t, "Ada", vars["name"])
}

func TestBridge_InterruptionSendsClear(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)
	telConn, aiConn := startSession(t, env, call, nil)

	sendJSON(t, aiConn, map[string]any{
		"type":               "interruption",
		"interruption_event": map[string]any{"event_id": 3},
	})

	frame := readJSON(t, telConn)
	assert.Equal(t, "clear", frame["event"])
	assert.Equal(t, "MZ"+call.ID, frame["streamSid"])
}

func TestBridge_AnswersPing(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)
	_, aiConn := startSession(t, env, call, nil)

	sendJSON(t, aiConn, map[string]any{
		"type":       "ping",
		"ping_event": map[string]any{"event_id": 7},
	})

	pong := readJSON(t, aiConn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(7), pong["event_id"])
}

func TestBridge_InactivityTerminates(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{InactivityTimeout: 300 * time.Millisecond})
	call := env.newCall(t)
	startSession(t, env, call, nil)

	require.Eventually(t, func() bool {
		calls := env.gateway.calls()
		return len(calls) == 1 && calls[0].reason == models.TerminatedByInactivity
	}, 10*time.Second, 50*time.Millisecond)
}

func TestBridge_DurationCapTerminates(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{DurationCap: 300 * time.Millisecond})
	call := env.newCall(t)
	telConn, _ := startSession(t, env, call, nil)

	// Steady audio keeps the inactivity clock fresh; only the cap fires.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
				data, _ := json.Marshal(StreamMessage{
					Event: streamEventMedia,
					Media: &StreamMedia{Payload: "YXVkaW8="},
				})
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = telConn.Write(ctx, websocket.MessageText, data)
				cancel()
			}
		}
	}()

	require.Eventually(t, func() bool {
		calls := env.gateway.calls()
		return len(calls) == 1 && calls[0].reason == models.TerminatedByDurationLimit
	}, 10*time.Second, 50*time.Millisecond)
}

func TestBridge_AIDialFailure(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	env.ai.fail = true
	call := env.newCall(t)

	telConn := env.dialStream(t)
	sendJSON(t, telConn, StreamMessage{
		Event:     streamEventStart,
		StreamSid: "MZ1",
		Start:     &StreamStart{StreamSid: "MZ1", CallSid: call.ID},
	})

	// Nobody would speak to the callee; the call is torn down as a
	// system failure.
	require.Eventually(t, func() bool {
		calls := env.gateway.calls()
		return len(calls) == 1 && calls[0].reason == models.TerminatedBySystem
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, env.manager.ActiveSessionCount())
}

func TestBridge_Shutdown(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)
	startSession(t, env, call, nil)

	require.Equal(t, 1, env.manager.ActiveSessionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.manager.Shutdown(ctx)

	calls := env.gateway.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.TerminatedBySystem, calls[0].reason)
	assert.Equal(t, 0, env.manager.ActiveSessionCount())
}

func TestBridge_SendQueueOverflow(t *testing.T) {
	env := setupBridge(t, config.BridgeConfig{})
	call := env.newCall(t)

	// White-box: drive the queue directly with no sender draining it.
	s := &Session{
		CallID:    call.ID,
		m:         env.manager,
		sendQueue: make(chan string, 4),
		logger:    env.manager.logger,
	}

	for i := 0; i < 10; i++ {
		s.enqueueAudio("frame")
	}

	assert.Equal(t, int64(6), s.dropped.Load())
	assert.Len(t, s.sendQueue, 4)

	// The overflow surfaced as a quality event.
	require.Eventually(t, func() bool {
		events, err := env.store.ListCallEvents(context.Background(), call.ID)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type == models.EventQualityUpdate {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStreamMessageRoundTrip(t *testing.T) {
	frame, err := mediaFrame("MZ9", "cGF5bG9hZA==")
	require.NoError(t, err)

	msg, err := parseStreamMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, "media", msg.Event)
	assert.Equal(t, "MZ9", msg.StreamSid)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "cGF5bG9hZA==", msg.Media.Payload)

	clearData, err := clearFrame("MZ9")
	require.NoError(t, err)
	msg, err = parseStreamMessage(clearData)
	require.NoError(t, err)
	assert.Equal(t, "clear", msg.Event)
	assert.Nil(t, msg.Media)
}
