package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/serverstate"
	"github.com/voxbridge/voxbridge/internal/twilio"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.SetDefaults()
	cfg.PublicHost = "bridge.example.com"
	return cfg
}

func newTestServer(t *testing.T, calls *twilio.Client) *httptest.Server {
	t.Helper()
	if calls == nil {
		calls = twilio.NewClient("AC1", "token", "+15550001111")
	}
	h := New(testConfig(), bridge.NewSupervisor(nil), calls, prometheus.NewRegistry())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Draining bool   `json:"draining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status == "" {
		t.Fatalf("empty status")
	}
}

func TestTwiMLEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/twiml?prompt=a%26b&first_message=hi")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	doc := string(body)
	if !strings.Contains(doc, "wss://bridge.example.com/media-stream") {
		t.Fatalf("missing stream url: %s", doc)
	}
	if !strings.Contains(doc, "a&amp;b") {
		t.Fatalf("value not escaped: %s", doc)
	}
	if !strings.Contains(doc, `name="first_message" value="hi"`) {
		t.Fatalf("first message parameter missing: %s", doc)
	}
}

func TestPlaceCallMissingNumber(t *testing.T) {
	var hits atomic.Int32
	fakeTwilio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer fakeTwilio.Close()

	calls := twilio.NewClient("AC1", "token", "+15550001111")
	calls.BaseURL = fakeTwilio.URL
	srv := newTestServer(t, calls)

	resp, err := http.Post(srv.URL+"/api/call", "application/json", strings.NewReader(`{"prompt":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", resp.StatusCode)
	}
	if hits.Load() != 0 {
		t.Fatalf("provider was contacted despite missing number")
	}
}

func TestPlaceCall(t *testing.T) {
	fakeTwilio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		cb := r.PostForm.Get("Url")
		if !strings.HasPrefix(cb, "https://bridge.example.com/twiml?") {
			t.Errorf("callback url = %q", cb)
		}
		if !strings.Contains(cb, "prompt=hi+there") {
			t.Errorf("prompt not embedded: %q", cb)
		}
		_, _ = w.Write([]byte(`{"sid":"CA42"}`))
	}))
	defer fakeTwilio.Close()

	calls := twilio.NewClient("AC1", "token", "+15550001111")
	calls.BaseURL = fakeTwilio.URL
	srv := newTestServer(t, calls)

	resp, err := http.Post(srv.URL+"/api/call", "application/json",
		strings.NewReader(`{"number":"+15557772222","prompt":"hi there"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Success bool   `json:"success"`
		CallSid string `json:"callSid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.CallSid != "CA42" {
		t.Fatalf("body = %+v", body)
	}
}

func TestUnknownPathRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/not-the-stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", resp.StatusCode)
	}
}

func TestStreamRejectedWhileDraining(t *testing.T) {
	serverstate.UseStore(serverstate.NewMemoryStore())
	serverstate.StartDrain()
	t.Cleanup(func() { serverstate.UseStore(serverstate.NewMemoryStore()) })

	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + StreamPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", resp.StatusCode)
	}
}
