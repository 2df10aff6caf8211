package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/core/logx"
	"github.com/voxbridge/voxbridge/internal/serverstate"
)

// Supervisor accepts media-stream websocket upgrades and runs one Session
// per accepted connection. Sessions never share a connection or any mutable
// state; a failing session never affects its siblings.
type Supervisor struct {
	dialer AgentDialer

	mu     sync.Mutex
	wg     sync.WaitGroup
	active int
}

// NewSupervisor returns a Supervisor creating agent links with dialer.
func NewSupervisor(dialer AgentDialer) *Supervisor {
	return &Supervisor{dialer: dialer}
}

// ActiveSessions returns the number of sessions currently running.
func (sv *Supervisor) ActiveSessions() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.active
}

// Wait blocks until all sessions have finished or the timeout elapses.
// It reports whether the bridge drained fully.
func (sv *Supervisor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Handler upgrades an incoming media-stream request and runs its session to
// completion. The router only routes the well-known stream path here; any
// other path never reaches the upgrade.
func (sv *Supervisor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		defer func() { _ = c.Close(websocket.StatusInternalError, "server error") }()

		id := uuid.NewString()
		logx.Log.Info().Str("session_id", id).Str("remote", r.RemoteAddr).Msg("media stream connected")

		sv.track(1)
		defer sv.track(-1)

		s := NewSession(id, c, sv.dialer)
		s.Run(r.Context())
	}
}

// RunSession runs a session for an already-accepted connection. Used by
// tests and embedders that perform their own upgrade.
func (sv *Supervisor) RunSession(ctx context.Context, conn *websocket.Conn) {
	sv.track(1)
	defer sv.track(-1)
	NewSession(uuid.NewString(), conn, sv.dialer).Run(ctx)
}

func (sv *Supervisor) track(d int) {
	sv.mu.Lock()
	sv.active += d
	sv.mu.Unlock()
	if d > 0 {
		sv.wg.Add(1)
	} else {
		sv.wg.Done()
	}
}
