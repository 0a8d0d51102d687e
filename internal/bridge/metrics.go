package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_sessions_opened_total",
		Help: "Total number of HTTP/2 client sessions opened",
	})

	sessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_sessions_closed_total",
		Help: "Total number of HTTP/2 client sessions closed",
	})

	sessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_sessions_terminated_total",
			Help: "Sessions terminated with GOAWAY, by reason",
		},
		[]string{"reason"},
	)

	streamsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_streams_opened_total",
		Help: "Total number of client streams opened",
	})

	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bifrost_streams_active",
		Help: "Current number of live client streams",
	})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bifrost_stream_duration_seconds",
		Help:    "Stream lifetime from open to close",
		Buckets: prometheus.DefBuckets,
	})

	rstStreams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_rst_streams_total",
			Help: "RST_STREAM frames submitted toward clients, by error code",
		},
		[]string{"code"},
	)

	errorReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_error_replies_total",
			Help: "Synthesized error responses, by status",
		},
		[]string{"status"},
	)

	responsesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_responses_total",
			Help: "Origin responses relayed to clients, by status",
		},
		[]string{"status"},
	)

	clientBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bifrost_client_bytes_total",
		Help: "Bytes handed to the client-side output buffer",
	})

	originBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_origin_bytes_total",
			Help: "Body bytes relayed to and from origins",
		},
		[]string{"direction"},
	)
)
