// Package server wires the HTTP surface of the bridge: call placement, the
// TwiML webhook, the media-stream websocket endpoint, health, and metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/core/logx"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/serverstate"
	"github.com/voxbridge/voxbridge/internal/twilio"
)

// StreamPath is the well-known media-stream websocket path. Only requests
// to this exact path are upgraded.
const StreamPath = "/media-stream"

// New constructs the HTTP handler for the bridge. Bridge metrics are
// registered into preg and served on /metrics; the caller may also expose
// preg on a dedicated listener.
func New(cfg config.Config, sv *bridge.Supervisor, calls *twilio.Client, preg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	bridge.RegisterMetrics(preg)

	r.Get("/healthz", handleHealthz)
	r.Post("/api/call", handlePlaceCall(cfg, calls))
	r.Get("/twiml", handleTwiML(cfg))
	r.Post("/twiml", handleTwiML(cfg))
	r.Get(StreamPath, sv.Handler())
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   serverstate.GetState(),
		"draining": serverstate.IsDraining(),
	})
}

// placeCallRequest is the call placement API body.
type placeCallRequest struct {
	Number       string `json:"number"`
	Prompt       string `json:"prompt,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

type placeCallResponse struct {
	Success bool   `json:"success"`
	CallSid string `json:"callSid,omitempty"`
	Error   string `json:"error,omitempty"`
}

func handlePlaceCall(cfg config.Config, calls *twilio.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req placeCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, placeCallResponse{Error: "invalid request body"})
			return
		}
		callback := twilio.CallbackURL(cfg.PublicHost, req.Prompt, req.FirstMessage)
		sid, err := calls.PlaceCall(r.Context(), req.Number, callback)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, twilio.ErrMissingNumber) {
				status = http.StatusBadRequest
			}
			logx.Log.Warn().Err(err).Str("request_id", chimiddleware.GetReqID(r.Context())).Msg("call placement failed")
			writeJSON(w, status, placeCallResponse{Error: err.Error()})
			return
		}
		logx.Log.Info().Str("call_sid", sid).Str("to", req.Number).Msg("call placed")
		writeJSON(w, http.StatusOK, placeCallResponse{Success: true, CallSid: sid})
	}
}

func handleTwiML(cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		streamURL := url.URL{Scheme: "wss", Host: cfg.PublicHost, Path: StreamPath}
		doc, err := twilio.StreamTwiML(streamURL.String(), q.Get(twilio.ParamPrompt), q.Get(twilio.ParamFirstMessage))
		if err != nil {
			http.Error(w, "twiml render failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(doc))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
