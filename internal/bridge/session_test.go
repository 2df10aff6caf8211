package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/eleven"
	"github.com/voxbridge/voxbridge/internal/twilio"
)

// wsPair returns both ends of a live websocket connection.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		connCh <- c
		<-done
	}))
	t.Cleanup(func() { close(done); srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-connCh
	t.Cleanup(func() {
		_ = cli.Close(websocket.StatusNormalClosure, "")
		_ = server.Close(websocket.StatusNormalClosure, "")
	})
	return cli, server
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

// expectNoFrame asserts nothing arrives within the wait. It consumes the
// connection, so call it last.
func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if _, data, err := conn.Read(ctx); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func agentEvent(t *testing.T, raw string) eleven.Event {
	t.Helper()
	ev, err := eleven.ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse agent event: %v", err)
	}
	return ev
}

type failDialer struct{}

func (failDialer) Dial(context.Context) (*websocket.Conn, error) {
	return nil, errors.New("dial refused")
}

type connDialer struct{ conn *websocket.Conn }

func (d connDialer) Dial(context.Context) (*websocket.Conn, error) {
	return d.conn, nil
}

func TestForwardsAgentAudioToTelephony(t *testing.T) {
	shapes := []struct {
		name string
		raw  string
	}{
		{"direct chunk", `{"type":"audio","audio":{"chunk":"abc"}}`},
		{"audio event", `{"type":"audio","audio_event":{"audio_base_64":"abc","event_id":1}}`},
	}
	for _, tc := range shapes {
		t.Run(tc.name, func(t *testing.T) {
			cli, srv := wsPair(t)
			s := NewSession("t", srv, nil)
			s.streamSid = "SID1"

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.handleAgent(ctx, agentEvent(t, tc.raw))

			frame := readFrame(t, ctx, cli)
			if frame["event"] != "media" || frame["streamSid"] != "SID1" {
				t.Fatalf("frame = %v", frame)
			}
			media := frame["media"].(map[string]any)
			if media["payload"] != "abc" {
				t.Fatalf("payload = %v", media["payload"])
			}
		})
	}
}

func TestDropsAgentAudioBeforeStart(t *testing.T) {
	cli, srv := wsPair(t)
	s := NewSession("t", srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handleAgent(ctx, agentEvent(t, `{"type":"audio","audio":{"chunk":"abc"}}`))

	expectNoFrame(t, cli, 150*time.Millisecond)
}

func TestInterruptionSendsClear(t *testing.T) {
	cli, srv := wsPair(t)
	s := NewSession("t", srv, nil)
	s.streamSid = "SID1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handleAgent(ctx, agentEvent(t, `{"type":"interruption"}`))

	frame := readFrame(t, ctx, cli)
	if frame["event"] != "clear" || frame["streamSid"] != "SID1" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestInterruptionBeforeStartIgnored(t *testing.T) {
	cli, srv := wsPair(t)
	s := NewSession("t", srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handleAgent(ctx, agentEvent(t, `{"type":"interruption"}`))

	expectNoFrame(t, cli, 150*time.Millisecond)
}

func TestPongEchoesPingEventID(t *testing.T) {
	_, srvT := wsPair(t)
	cliA, srvA := wsPair(t)

	s := NewSession("t", srvT, nil)
	s.agent = srvA
	s.agentState = linkOpen

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.writeAgentLoop(ctx, srvA)

	s.handleAgent(ctx, agentEvent(t, `{"type":"ping","ping_event":{"event_id":42}}`))

	frame := readFrame(t, ctx, cliA)
	if frame["type"] != "pong" || frame["event_id"] != float64(42) {
		t.Fatalf("frame = %v", frame)
	}
	// Exactly one pong per ping.
	expectNoFrame(t, cliA, 150*time.Millisecond)
}

func TestCallerAudioRoundTripsLosslessly(t *testing.T) {
	_, srvT := wsPair(t)
	cliA, srvA := wsPair(t)

	s := NewSession("t", srvT, nil)
	s.streamSid = "SID1"
	s.agent = srvA
	s.agentState = linkOpen

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go s.writeAgentLoop(ctx, srvA)

	raw := []byte{0x00, 0x10, 0x7f, 0xff, 0x80}
	payload := base64.StdEncoding.EncodeToString(raw)
	s.handleTelephony(ctx, twilio.StreamEvent{
		Event: twilio.EventMedia,
		Media: &twilio.MediaEvent{Payload: payload},
	})

	frame := readFrame(t, ctx, cliA)
	chunk, ok := frame["user_audio_chunk"].(string)
	if !ok {
		t.Fatalf("frame = %v", frame)
	}
	got, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("payload bytes changed: %x != %x", got, raw)
	}
}

func TestCallerAudioDroppedWhileAgentConnecting(t *testing.T) {
	_, srvT := wsPair(t)
	s := NewSession("t", srvT, nil)
	s.streamSid = "SID1"
	s.agentState = linkConnecting

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handleTelephony(ctx, twilio.StreamEvent{
		Event: twilio.EventMedia,
		Media: &twilio.MediaEvent{Payload: base64.StdEncoding.EncodeToString([]byte("x"))},
	})

	if n := len(s.agentSend); n != 0 {
		t.Fatalf("queued %d frames; want drop", n)
	}
}

func TestStartCapturesStreamIdentity(t *testing.T) {
	_, srvT := wsPair(t)
	s := NewSession("t", srvT, failDialer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handleTelephony(ctx, twilio.StreamEvent{
		Event: twilio.EventStart,
		Start: &twilio.StartEvent{
			StreamSid:        "SID9",
			CallSid:          "CA9",
			CustomParameters: map[string]string{"prompt": "X", "first_message": "Y"},
		},
	})

	if s.State() != StateActive {
		t.Fatalf("state = %q; want active", s.State())
	}
	if s.StreamSid() != "SID9" || s.callSid != "CA9" {
		t.Fatalf("identity = %q %q", s.streamSid, s.callSid)
	}
	if s.params["prompt"] != "X" || s.params["first_message"] != "Y" {
		t.Fatalf("params = %v", s.params)
	}

	// A duplicate start must not reset the captured identity.
	s.handleTelephony(ctx, twilio.StreamEvent{
		Event: twilio.EventStart,
		Start: &twilio.StartEvent{StreamSid: "OTHER"},
	})
	if s.StreamSid() != "SID9" {
		t.Fatalf("stream sid overwritten: %q", s.StreamSid())
	}
}

func TestAgentDisconnectReleasesWriter(t *testing.T) {
	telCli, telSrv := wsPair(t)
	agCli, agSrv := wsPair(t)

	s := NewSession("t", telSrv, connDialer{conn: agSrv})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	sendJSON(t, ctx, telCli, twilio.StreamEvent{
		Event: twilio.EventStart,
		Start: &twilio.StartEvent{StreamSid: "SID1", CallSid: "CA1"},
	})

	// The initiation config arriving proves the agent writer is running.
	readFrame(t, ctx, agCli)

	// Agent side drops first.
	_ = agCli.Close(websocket.StatusGoingAway, "agent gone")

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("session did not close after agent loss")
	}

	// The send queue must be closed so the writer goroutine exits.
	select {
	case _, ok := <-s.agentSend:
		if ok {
			t.Fatalf("frame left queued after closure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("agent send queue left open after closure")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	_, srvT := wsPair(t)
	_, srvA := wsPair(t)

	s := NewSession("t", srvT, nil)
	s.streamSid = "SID1"
	s.agent = srvA
	s.agentState = linkOpen

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.shutdown(ctx)
	if s.State() != StateClosed {
		t.Fatalf("state = %q; want closed", s.State())
	}
	s.shutdown(ctx)

	// Sends after closure are no-ops, never a crash.
	s.sendAgent(eleven.NewPong(1))
	s.writeTelephony(ctx, twilio.ClearFrame("SID1"))
	if s.State() != StateClosed {
		t.Fatalf("state = %q after redundant teardown", s.State())
	}
}
