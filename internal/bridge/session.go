// Package bridge relays one phone call's media stream to a conversational
// agent: the Supervisor accepts Twilio media-stream websockets and runs one
// Session per connection; the Session owns its agent connection and a small
// state machine coordinating both lifecycles.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/voxbridge/voxbridge/core/logx"
	"github.com/voxbridge/voxbridge/internal/eleven"
	"github.com/voxbridge/voxbridge/internal/twilio"
)

// Session lifecycle states.
const (
	StateIdle     = "idle"
	StateActive   = "active"
	StateDraining = "draining"
	StateClosed   = "closed"
)

type linkState int

const (
	linkIdle linkState = iota
	linkConnecting
	linkOpen
	linkClosed
)

// AgentDialer opens one agent connection per call. Dial must honor ctx
// cancellation: session teardown waits for an in-flight dial to settle.
// *eleven.Client satisfies it; tests substitute a fake.
type AgentDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// Session relays frames between one telephony connection and one agent
// connection. All state is owned by the Run loop; the link read pumps only
// decode frames and post them onto the session's event channel.
type Session struct {
	id        string
	telephony *websocket.Conn
	dialer    AgentDialer
	log       zerolog.Logger

	machine *fsm.FSM
	events  chan any

	streamSid string
	callSid   string
	params    map[string]string

	telephonyState linkState
	agentState     linkState
	agent          *websocket.Conn
	agentSend      chan any

	// agentSendClosed guards close(agentSend): the writer goroutine exists
	// exactly when agent is non-nil, whatever agentState says by then.
	agentSendClosed bool
	// dialDone is closed by openAgent once the dial has settled; nil until
	// a dial is started.
	dialDone chan struct{}
}

// Events posted onto the session's channel. The channel is FIFO, which is
// what guarantees a pong is queued before any later frame is processed.
type (
	telephonyFrame struct{ ev twilio.StreamEvent }
	telephonyDown  struct{ err error }
	agentFrame     struct{ ev eleven.Event }
	agentOpened    struct{ conn *websocket.Conn }
	agentSetupErr  struct{ err error }
	agentDown      struct{ err error }
)

// NewSession wraps an accepted telephony connection. The session does not
// read from the connection until Run is called.
func NewSession(id string, conn *websocket.Conn, dialer AgentDialer) *Session {
	s := &Session{
		id:             id,
		telephony:      conn,
		dialer:         dialer,
		log:            logx.Log.With().Str("session_id", id).Logger(),
		events:         make(chan any, 64),
		telephonyState: linkOpen,
		agentSend:      make(chan any, 32),
	}
	s.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "start", Src: []string{StateIdle}, Dst: StateActive},
			{Name: "drain", Src: []string{StateIdle, StateActive}, Dst: StateDraining},
			{Name: "close", Src: []string{StateIdle, StateActive, StateDraining}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("session state")
			},
		},
	)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() string { return s.machine.Current() }

// StreamSid returns the provider-assigned stream id, empty before start.
func (s *Session) StreamSid() string { return s.streamSid }

// Run drives the session until both links are closed. It owns all session
// state and performs all sends; it returns only after both connections have
// been released.
func (s *Session) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	sessionsTotal.Inc()
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	go s.pumpTelephony(runCtx)

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case ev := <-s.events:
			s.handle(runCtx, ev)
			if s.machine.Current() == StateClosed {
				break loop
			}
		}
	}

	s.teardown(cancel)
}

func (s *Session) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case telephonyFrame:
		s.handleTelephony(ctx, e.ev)
	case telephonyDown:
		s.telephonyState = linkClosed
		if e.err != nil {
			s.logDisconnect("telephony", e.err)
		}
		s.shutdown(ctx)
	case agentFrame:
		s.handleAgent(ctx, e.ev)
	case agentOpened:
		s.handleAgentOpened(ctx, e.conn)
	case agentSetupErr:
		agentSetupFailures.Inc()
		s.agentState = linkClosed
		s.log.Error().Err(e.err).Msg("agent link setup failed")
		s.shutdown(ctx)
	case agentDown:
		s.agentState = linkClosed
		if e.err != nil {
			s.logDisconnect("agent", e.err)
		}
		s.shutdown(ctx)
	}
}

func (s *Session) handleTelephony(ctx context.Context, ev twilio.StreamEvent) {
	switch ev.Event {
	case twilio.EventStart:
		if s.machine.Current() != StateIdle || ev.Start == nil {
			s.log.Warn().Msg("unexpected start frame")
			return
		}
		s.streamSid = ev.Start.StreamSid
		s.callSid = ev.Start.CallSid
		s.params = ev.Start.CustomParameters
		if err := s.machine.Event(ctx, "start"); err != nil {
			return
		}
		s.log.Info().Str("stream_sid", s.streamSid).Str("call_sid", s.callSid).Msg("stream started")
		s.agentState = linkConnecting
		s.dialDone = make(chan struct{})
		go s.openAgent(ctx)
	case twilio.EventMedia:
		if ev.Media == nil {
			s.log.Warn().Msg("media frame missing payload")
			frameParseErrors.WithLabelValues("telephony").Inc()
			return
		}
		if s.agentState != linkOpen {
			// No buffering while the agent link is still connecting; the
			// stream is realtime and stale audio is worse than none.
			s.log.Debug().Msg("agent link not open; caller audio dropped")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable media payload")
			frameParseErrors.WithLabelValues("telephony").Inc()
			return
		}
		s.sendAgent(eleven.UserAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(raw)})
		framesForwarded.WithLabelValues("to_agent").Inc()
	case twilio.EventStop:
		s.log.Info().Str("stream_sid", s.streamSid).Msg("stream stopped by provider")
		s.shutdown(ctx)
	case twilio.EventConnected, twilio.EventMark, twilio.EventDTMF:
		s.log.Debug().Str("event", ev.Event).Msg("telephony event")
	default:
		s.log.Debug().Str("event", ev.Event).Msg("unhandled telephony event")
	}
}

func (s *Session) handleAgent(ctx context.Context, ev eleven.Event) {
	switch ev.Type {
	case eleven.TypePing:
		if ev.PingEvent == nil {
			s.log.Warn().Msg("ping without event id")
			return
		}
		s.sendAgent(eleven.NewPong(ev.PingEvent.EventID))
		pongsSent.Inc()
	case eleven.TypeAudio:
		payload, ok := ev.AudioPayload()
		if !ok {
			s.log.Warn().Msg("audio event without payload")
			frameParseErrors.WithLabelValues("agent").Inc()
			return
		}
		if s.streamSid == "" {
			s.log.Warn().Msg("agent audio before stream start; dropped")
			audioDropped.Inc()
			return
		}
		s.writeTelephony(ctx, twilio.MediaFrame(s.streamSid, payload))
	case eleven.TypeInterruption:
		if s.streamSid == "" {
			s.log.Debug().Msg("interruption before stream start; ignored")
			return
		}
		s.log.Info().Msg("interruption; clearing playback")
		s.writeTelephony(ctx, twilio.ClearFrame(s.streamSid))
	case eleven.TypeInitMetadata:
		s.log.Debug().Msg("conversation initiation metadata")
	case eleven.TypeAgentResponse:
		if ev.AgentResponseEvent != nil {
			s.log.Debug().Str("text", ev.AgentResponseEvent.AgentResponse).Msg("agent response")
		}
	case eleven.TypeUserTranscript:
		if ev.UserTranscriptionEvent != nil {
			s.log.Debug().Str("text", ev.UserTranscriptionEvent.UserTranscript).Msg("user transcript")
		}
	default:
		s.log.Debug().Str("type", ev.Type).Msg("unhandled agent event")
	}
}

func (s *Session) handleAgentOpened(ctx context.Context, conn *websocket.Conn) {
	if s.machine.Current() != StateActive {
		// The session moved on while the dial was in flight; discard the
		// result rather than resuming it.
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		return
	}
	s.agent = conn
	s.agentState = linkOpen
	s.log.Info().Msg("agent link open")

	go s.writeAgentLoop(ctx, conn)
	go s.pumpAgent(ctx, conn)

	prompt := s.params[twilio.ParamPrompt]
	firstMessage := s.params[twilio.ParamFirstMessage]
	s.sendAgent(eleven.NewInitiationConfig(prompt, firstMessage))
}

// openAgent performs the suspending part of agent link setup off the
// coordinator goroutine and reports back through the event channel. A dial
// that completes after the session has ended closes its own connection.
func (s *Session) openAgent(ctx context.Context) {
	defer close(s.dialDone)
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.post(ctx, agentSetupErr{err: err})
		return
	}
	if !s.post(ctx, agentOpened{conn: conn}) {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}
}

func (s *Session) pumpTelephony(ctx context.Context) {
	for {
		_, data, err := s.telephony.Read(ctx)
		if err != nil {
			s.post(ctx, telephonyDown{err: err})
			return
		}
		ev, err := twilio.ParseStreamEvent(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed telephony frame")
			frameParseErrors.WithLabelValues("telephony").Inc()
			continue
		}
		s.post(ctx, telephonyFrame{ev: ev})
	}
}

func (s *Session) pumpAgent(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.post(ctx, agentDown{err: err})
			return
		}
		ev, err := eleven.ParseEvent(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("malformed agent frame")
			frameParseErrors.WithLabelValues("agent").Inc()
			continue
		}
		s.post(ctx, agentFrame{ev: ev})
	}
}

// writeAgentLoop serializes agent link writes. It exits when the send
// channel closes or a write fails.
func (s *Session) writeAgentLoop(ctx context.Context, conn *websocket.Conn) {
	for msg := range s.agentSend {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			s.post(ctx, agentDown{err: err})
			return
		}
	}
}

// sendAgent queues a message for the agent link. Sending on a link that is
// not open is a no-op.
func (s *Session) sendAgent(msg any) {
	if s.agentState != linkOpen {
		return
	}
	select {
	case s.agentSend <- msg:
	default:
		s.log.Warn().Msg("agent send queue full; frame dropped")
	}
}

// writeTelephony sends a frame to the provider. Sending on a closed link is
// a no-op; a failed write closes the session.
func (s *Session) writeTelephony(ctx context.Context, ev twilio.StreamEvent) {
	if s.telephonyState != linkOpen {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.telephony.Write(ctx, websocket.MessageText, b); err != nil {
		s.log.Warn().Err(err).Msg("telephony write failed")
		s.telephonyState = linkClosed
		s.shutdown(ctx)
		return
	}
	framesForwarded.WithLabelValues("to_telephony").Inc()
}

// shutdown moves the session toward closed, releasing whichever links are
// still up. Safe to call repeatedly.
func (s *Session) shutdown(ctx context.Context) {
	if s.machine.Current() == StateClosed {
		return
	}
	_ = s.machine.Event(ctx, "drain")
	s.closeAgent()
	s.closeTelephony()
	_ = s.machine.Event(ctx, "close")
}

func (s *Session) closeAgent() {
	// agent is non-nil exactly when the writer goroutine was started, even
	// when a read failure already flipped agentState to closed. An in-flight
	// dial has no connection here yet; teardown reaps its result.
	if s.agent != nil {
		_ = s.agent.Close(websocket.StatusNormalClosure, "call ended")
		if !s.agentSendClosed {
			close(s.agentSend)
			s.agentSendClosed = true
		}
	}
	s.agentState = linkClosed
}

func (s *Session) closeTelephony() {
	if s.telephonyState == linkOpen {
		_ = s.telephony.Close(websocket.StatusNormalClosure, "call ended")
	}
	s.telephonyState = linkClosed
}

// teardown is the last-resort cleanup on every Run exit path. It runs under
// a fresh context: the run context may already be cancelled, and the state
// transitions must still fire.
func (s *Session) teardown(cancel context.CancelFunc) {
	s.shutdown(context.Background())
	cancel()
	if s.dialDone != nil {
		// The dial aborts once the run context is cancelled; reap whatever
		// it produced.
		<-s.dialDone
		s.drainEvents()
	}
	s.log.Info().Str("call_sid", s.callSid).Msg("session closed")
}

// drainEvents disposes of events still buffered after the run loop stopped.
// A late dial result is the one event carrying a live resource.
func (s *Session) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			if e, ok := ev.(agentOpened); ok {
				_ = e.conn.Close(websocket.StatusNormalClosure, "session ended")
			}
		default:
			return
		}
	}
}

func (s *Session) logDisconnect(link string, err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		lvl := s.log.Info()
		if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
			lvl = s.log.Warn()
		}
		lvl.Str("link", link).Str("reason", ce.Reason).Msg("disconnected")
		return
	}
	s.log.Warn().Err(err).Str("link", link).Msg("disconnected")
}

// post delivers an event to the coordinator. It reports false when the
// session context ended first and the event was not delivered.
func (s *Session) post(ctx context.Context, ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
