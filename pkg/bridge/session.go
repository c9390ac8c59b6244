package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/models"
)

var errMissingStart = errors.New("start frame carries no call sid")

// State is the bridge session lifecycle state.
type State string

const (
	// StatePending covers accept until the telephony start frame arrives.
	StatePending State = "pending"
	// StateAwaitingInit covers the AI dial until the conversation
	// initiation metadata arrives.
	StateAwaitingInit State = "awaiting-init"
	// StateActive is the steady audio-forwarding state.
	StateActive State = "active"
	// StateTerminating means teardown has begun; loops are unwinding.
	StateTerminating State = "terminating"
	// StateClosed is the final state after provider teardown.
	StateClosed State = "closed"
)

const (
	// sendQueueSize bounds telephony-bound audio, roughly five seconds of
	// 20 ms frames. Overflow drops the oldest frames.
	sendQueueSize = 256

	aiDialTimeout    = 10 * time.Second
	watchdogInterval = time.Second
	teardownTimeout  = 10 * time.Second

	// aiReadLimit accommodates large agent audio chunks.
	aiReadLimit = 1 << 20

	// qualityReportInterval rate-limits quality events during a sustained
	// overflow.
	qualityReportInterval = 5 * time.Second
)

// Session bridges one call: the telephony media stream on one side, the
// AI conversation socket on the other. It owns two read loops, a send
// loop, and a watchdog; no state is shared between sessions.
type Session struct {
	CallID    string
	streamSid string

	m       *Manager
	telConn *websocket.Conn
	aiConn  *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	reason models.TerminationTag

	startedAt    time.Time
	lastActivity atomic.Int64

	sendQueue  chan string
	dropped    atomic.Int64
	lastReport atomic.Int64

	wg   sync.WaitGroup
	done chan struct{}

	logger *slog.Logger
}

func newSession(ctx context.Context, m *Manager, telConn *websocket.Conn) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		m:         m,
		telConn:   telConn,
		ctx:       sessCtx,
		cancel:    cancel,
		state:     StatePending,
		startedAt: time.Now(),
		sendQueue: make(chan string, sendQueueSize),
		done:      make(chan struct{}),
		logger:    m.logger,
	}
	s.touch()
	return s
}

// run drives the session to completion on the caller's goroutine.
func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	start, err := s.awaitStart()
	if err != nil {
		s.logger.Info("media stream ended before start", "error", err)
		s.closeSockets()
		return
	}
	s.CallID = start.CallSid
	s.logger = s.logger.With("call_id", s.CallID)

	if prev := s.m.registry.add(s); prev != nil {
		s.logger.Warn("replacing orphaned session for call")
		prev.terminate("")
	}
	defer s.m.registry.remove(s)

	if err := s.dialAI(start); err != nil {
		s.logger.Error("failed to open conversation socket", "error", err)
		s.terminate(models.TerminatedBySystem)
		s.closeSockets()
		s.finishTeardown()
		return
	}
	s.setState(StateAwaitingInit)

	s.wg.Add(3)
	go s.aiReadLoop()
	go s.sendLoop()
	go s.watchdog()

	s.telephonyReadLoop()

	s.terminate("")
	s.closeSockets()
	s.wg.Wait()
	s.finishTeardown()
}

// awaitStart consumes frames until the provider's start event. The
// configured inactivity timeout bounds how long a silent stream may sit
// in Pending.
func (s *Session) awaitStart() (*StreamStart, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.m.cfg.InactivityTimeout)
	defer cancel()

	for {
		_, data, err := s.telConn.Read(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := parseStreamMessage(data)
		if err != nil {
			s.logger.Warn("undecodable stream frame", "error", err)
			continue
		}
		switch msg.Event {
		case streamEventConnected:
			continue
		case streamEventStart:
			if msg.Start == nil || msg.Start.CallSid == "" {
				return nil, errMissingStart
			}
			if msg.Start.StreamSid != "" {
				s.streamSid = msg.Start.StreamSid
			} else {
				s.streamSid = msg.StreamSid
			}
			return msg.Start, nil
		default:
			s.logger.Debug("ignoring pre-start frame", "event", msg.Event)
		}
	}
}

// dialAI fetches a fresh signed URL, opens the conversation socket, and
// sends the initiation overrides taken from the stream parameters.
func (s *Session) dialAI(start *StreamStart) error {
	ctx, cancel := context.WithTimeout(s.ctx, aiDialTimeout)
	defer cancel()

	signedURL, err := s.m.ai.GetSignedURL(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, signedURL, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(aiReadLimit)
	s.aiConn = conn

	overrides := elevenlabs.ConversationOverrides{
		Prompt:       start.CustomParameters["prompt"],
		FirstMessage: start.CustomParameters["first_message"],
	}
	if name := start.CustomParameters["name"]; name != "" {
		overrides.DynamicVariables = map[string]string{"name": name}
	}
	init, err := elevenlabs.InitiationMessage(overrides)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, init)
}

// telephonyReadLoop forwards caller audio upstream until the stream stops.
func (s *Session) telephonyReadLoop() {
	for {
		_, data, err := s.telConn.Read(s.ctx)
		if err != nil {
			s.logger.Debug("telephony stream closed", "error", err)
			return
		}
		msg, err := parseStreamMessage(data)
		if err != nil {
			s.logger.Warn("undecodable stream frame", "error", err)
			continue
		}

		switch msg.Event {
		case streamEventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			s.touch()
			chunk, err := elevenlabs.AudioChunk(msg.Media.Payload)
			if err != nil {
				s.logger.Warn("failed to encode audio chunk", "error", err)
				continue
			}
			if err := s.aiConn.Write(s.ctx, websocket.MessageText, chunk); err != nil {
				s.logger.Debug("conversation socket write failed", "error", err)
				return
			}
		case streamEventStop:
			s.logger.Info("telephony stream stopped")
			return
		case streamEventMark:
			// Playback acknowledgements are not tracked.
		default:
			s.logger.Debug("unhandled stream frame", "event", msg.Event)
		}
	}
}

// aiReadLoop handles every message class from the conversation socket.
func (s *Session) aiReadLoop() {
	defer s.wg.Done()
	defer s.terminate("")

	for {
		_, data, err := s.aiConn.Read(s.ctx)
		if err != nil {
			if s.State() == StateActive {
				s.logger.Info("conversation ended", "error", err)
			}
			return
		}
		msg, err := elevenlabs.ParseServerMessage(data)
		if err != nil {
			s.logger.Warn("undecodable conversation message", "error", err)
			continue
		}

		switch msg.Type {
		case elevenlabs.TypeConversationInitiationMetadata:
			if ev := msg.ConversationInitiationMetadataEvent; ev != nil {
				s.activate(ev.ConversationID)
			}
		case elevenlabs.TypeAudio:
			if ev := msg.AudioEvent; ev != nil && ev.AudioBase64 != "" {
				s.touch()
				s.enqueueAudio(ev.AudioBase64)
			}
		case elevenlabs.TypeUserTranscript:
			if ev := msg.UserTranscriptionEvent; ev != nil && ev.UserTranscript != "" {
				s.recordUtterance(models.RoleUser, ev.UserTranscript)
			}
		case elevenlabs.TypeAgentResponse:
			if ev := msg.AgentResponseEvent; ev != nil && ev.AgentResponse != "" {
				s.recordUtterance(models.RoleAgent, ev.AgentResponse)
			}
		case elevenlabs.TypeAgentResponseCorrection:
			if ev := msg.AgentResponseCorrectionEvent; ev != nil && ev.CorrectedAgentResponse != "" {
				s.recordCorrection(ev.OriginalAgentResponse, ev.CorrectedAgentResponse)
			}
		case elevenlabs.TypeInterruption:
			s.flushAgentAudio()
		case elevenlabs.TypePing:
			if ev := msg.PingEvent; ev != nil {
				s.pong(ev.EventID)
			}
		case elevenlabs.TypeVADScore, elevenlabs.TypeInternalTentativeAgentResponse:
			// Not surfaced.
		default:
			s.logger.Debug("unhandled conversation message", "type", msg.Type)
		}
	}
}

// sendLoop drains telephony-bound audio so a slow socket backs up the
// bounded queue instead of the AI read loop.
func (s *Session) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case payload := <-s.sendQueue:
			frame, err := mediaFrame(s.streamSid, payload)
			if err != nil {
				s.logger.Warn("failed to encode media frame", "error", err)
				continue
			}
			if err := s.telConn.Write(s.ctx, websocket.MessageText, frame); err != nil {
				s.logger.Debug("telephony stream write failed", "error", err)
				s.terminate("")
				return
			}
		}
	}
}

// watchdog enforces the inactivity timeout and the duration ceiling.
func (s *Session) watchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(s.lastActivityTime()) >= s.m.cfg.InactivityTimeout {
				s.logger.Info("terminating idle session",
					"idle", now.Sub(s.lastActivityTime()).Round(time.Second))
				s.terminate(models.TerminatedByInactivity)
				return
			}
			if now.Sub(s.startedAt) >= s.m.cfg.DurationCap {
				s.logger.Info("terminating session at duration cap",
					"elapsed", now.Sub(s.startedAt).Round(time.Second))
				s.terminate(models.TerminatedByDurationLimit)
				return
			}
		}
	}
}

// activate records the conversation id and moves the session to Active.
func (s *Session) activate(conversationID string) {
	s.mu.Lock()
	if s.state != StateAwaitingInit {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.mu.Unlock()
	s.touch()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.m.store.SetConversationID(ctx, s.CallID, conversationID); err != nil {
		s.logger.Warn("failed to persist conversation id", "error", err)
	}
	s.m.publishCall(ctx, s.CallID)

	s.logger.Info("bridge session active", "conversation_id", conversationID)
}

// enqueueAudio offers an agent audio chunk to the bounded send queue,
// dropping the oldest frames on overflow.
func (s *Session) enqueueAudio(payload string) {
	dropped := 0
	for {
		select {
		case s.sendQueue <- payload:
			if dropped > 0 {
				s.noteDrops(dropped)
			}
			return
		default:
			select {
			case <-s.sendQueue:
				dropped++
			default:
			}
		}
	}
}

// noteDrops accumulates the drop counter and emits a rate-limited
// quality event.
func (s *Session) noteDrops(n int) {
	total := s.dropped.Add(int64(n))

	now := time.Now().UnixNano()
	last := s.lastReport.Load()
	if now-last < int64(qualityReportInterval) {
		return
	}
	if !s.lastReport.CompareAndSwap(last, now) {
		return
	}

	s.logger.Warn("telephony send queue overflow", "dropped_total", total)
	go s.m.recordQuality(s.CallID, map[string]any{
		"droppedFrames": total,
		"queue":         "telephony-send",
	})
}

// flushAgentAudio discards queued agent audio and asks the provider to
// clear its playback buffer.
func (s *Session) flushAgentAudio() {
	for {
		select {
		case <-s.sendQueue:
			continue
		default:
		}
		break
	}

	frame, err := clearFrame(s.streamSid)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.telConn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.logger.Debug("failed to send clear frame", "error", err)
	}
}

func (s *Session) pong(eventID int) {
	data, err := elevenlabs.Pong(eventID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.aiConn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("failed to answer conversation ping", "error", err)
	}
}

// recordUtterance persists a finalized transcript turn and publishes the
// live delta.
func (s *Session) recordUtterance(role models.UtteranceRole, text string) {
	now := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.m.store.AppendUtterance(ctx, s.CallID, role, text, now); err != nil {
		s.logger.Warn("failed to persist utterance", "role", role, "error", err)
	}
	s.publishDelta(models.TranscriptDelta{
		CallID: s.CallID,
		Role:   role,
		Text:   text,
		At:     now,
	})
}

// recordCorrection publishes the corrected tail of an interrupted agent
// response and logs it to the call event log; the transcript table keeps
// the original turn.
func (s *Session) recordCorrection(original, corrected string) {
	now := time.Now()
	s.publishDelta(models.TranscriptDelta{
		CallID:    s.CallID,
		Role:      models.RoleAgent,
		Text:      corrected,
		IsPartial: true,
		At:        now,
	})
	go s.m.recordEvent(s.CallID, models.EventTranscriptMessage, map[string]any{
		"role":      string(models.RoleAgent),
		"text":      corrected,
		"original":  original,
		"corrected": true,
	})
}

func (s *Session) publishDelta(delta models.TranscriptDelta) {
	s.m.bus.Publish(bus.TranscriptTopic(s.CallID), delta)
}

// terminate moves the session to Terminating exactly once and records the
// winning reason; later callers are no-ops.
func (s *Session) terminate(reason models.TerminationTag) {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminating
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
}

// finishTeardown issues provider teardown after the loops have unwound.
func (s *Session) finishTeardown() {
	reason := s.terminationReason()

	if s.CallID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := s.m.gateway.TerminateCall(ctx, s.CallID, reason); err != nil {
			s.logger.Warn("provider teardown failed", "error", err)
		}
	}

	s.setState(StateClosed)
	s.logger.Info("bridge session closed",
		"reason", string(reason),
		"duration", time.Since(s.startedAt).Round(time.Second),
		"dropped_frames", s.dropped.Load())
}

func (s *Session) closeSockets() {
	if s.aiConn != nil {
		_ = s.aiConn.Close(websocket.StatusNormalClosure, "")
	}
	_ = s.telConn.Close(websocket.StatusNormalClosure, "")
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) terminationReason() models.TerminationTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// info snapshots the session for listings.
func (s *Session) info() SessionInfo {
	return SessionInfo{
		CallID:        s.CallID,
		State:         s.State(),
		StartedAt:     s.startedAt,
		DroppedFrames: s.dropped.Load(),
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) lastActivityTime() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}
