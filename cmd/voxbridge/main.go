package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/core/logx"
	"github.com/voxbridge/voxbridge/core/secret"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/eleven"
	"github.com/voxbridge/voxbridge/internal/server"
	"github.com/voxbridge/voxbridge/internal/serverstate"
	"github.com/voxbridge/voxbridge/internal/twilio"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("resolve config")
	}
	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.RedisAddr != "" {
		store, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
		serverstate.UseStore(store)
	}

	agent := eleven.NewClient(cfg.ElevenAPIKey, cfg.ElevenAgentID)
	calls := twilio.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
	sv := bridge.NewSupervisor(agent)
	preg := prometheus.NewRegistry()
	handler := server.New(cfg, sv, calls, preg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}

	if cfg.MetricsAddr != srv.Addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics listener")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		serverstate.StartDrain()
		logx.Log.Info().Int("active_sessions", sv.ActiveSessions()).Msg("draining")
		if !sv.Wait(cfg.DrainTimeout) {
			logx.Log.Warn().Int("active_sessions", sv.ActiveSessions()).Msg("drain timeout; closing remaining calls")
		}
		_ = srv.Shutdown(context.Background())
	}()

	logx.Log.Info().
		Str("version", version).
		Str("sha", buildSHA).
		Str("date", buildDate).
		Int("port", cfg.Port).
		Str("public_host", cfg.PublicHost).
		Str("agent_id", cfg.ElevenAgentID).
		Str("twilio_account", secret.Mask(cfg.TwilioAccountSID)).
		Msg("voxbridge starting")

	serverstate.SetState("ready")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	logx.Log.Info().Msg("voxbridge stopped")
}
