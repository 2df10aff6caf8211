package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxbridge_sessions_active",
			Help: "Number of live relay sessions",
		},
	)

	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxbridge_sessions_total",
			Help: "Total number of relay sessions accepted",
		},
	)

	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_frames_forwarded_total",
			Help: "Audio frames relayed between the links",
		},
		[]string{"direction"},
	)

	audioDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxbridge_audio_dropped_total",
			Help: "Agent audio frames dropped before the stream id was known",
		},
	)

	pongsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxbridge_pongs_sent_total",
			Help: "Keepalive pongs sent on the agent link",
		},
	)

	frameParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxbridge_frame_parse_errors_total",
			Help: "Malformed frames dropped, by link",
		},
		[]string{"link"},
	)

	agentSetupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxbridge_agent_setup_failures_total",
			Help: "Agent link setups that failed before opening",
		},
	)
)

// RegisterMetrics registers the bridge metrics with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(sessionsActive, sessionsTotal, framesForwarded, audioDropped, pongsSent, frameParseErrors, agentSetupFailures)
}
