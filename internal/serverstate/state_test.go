package serverstate

import (
	"encoding/json"
	"testing"
)

func TestStatusLifecycle(t *testing.T) {
	prev := active
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("fresh store status = %q; want not_ready", got)
	}
	if IsDraining() {
		t.Fatalf("fresh store reports draining")
	}

	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("status = %q; want ready", got)
	}

	// Draining flips both fields together so healthz and the stream
	// supervisor's 503 check agree on the answer.
	StartDrain()
	if !IsDraining() {
		t.Fatalf("IsDraining = false after StartDrain")
	}
	if got := GetState(); got != "draining" {
		t.Fatalf("status = %q; want draining", got)
	}

	// A late status write must not un-drain a stopping bridge.
	SetState("ready")
	if !IsDraining() {
		t.Fatalf("SetState cleared the draining flag")
	}
}

func TestStateWireShape(t *testing.T) {
	// The redis store persists this exact shape; a tag change would break
	// replicas reading state written before a rolling restart.
	b, err := json.Marshal(State{Status: "draining", Draining: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"status":"draining","draining":true}`; string(b) != want {
		t.Fatalf("state json = %s; want %s", b, want)
	}
}

func TestUseStoreIgnoresNil(t *testing.T) {
	prev := active
	defer UseStore(prev)

	ms := NewMemoryStore()
	UseStore(ms)
	UseStore(nil)

	SetState("ready")
	if got := ms.Load().Status; got != "ready" {
		t.Fatalf("active store not retained: %q", got)
	}
}
