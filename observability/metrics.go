package observability

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/progrium/rfcomm-go/mux/frame"
)

type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcomm",
			Subsystem: "frames",
			Name:      "total",
			Help:      "RFCOMM frames sent and received.",
		},
		[]string{"direction", "type"},
	)
	parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcomm",
			Subsystem: "frames",
			Name:      "parse_errors_total",
			Help:      "Inbound frames that could not be parsed.",
		},
		[]string{"kind"},
	)
	userDataBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcomm",
			Subsystem: "channel",
			Name:      "user_data_bytes_total",
			Help:      "User data bytes carried by channels.",
		},
		[]string{"direction"},
	)
	channelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rfcomm",
			Subsystem: "channel",
			Name:      "active",
			Help:      "Established channels.",
		},
	)
	channelOpenFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rfcomm",
			Subsystem: "channel",
			Name:      "open_failures_total",
			Help:      "Channel open attempts that did not produce a channel.",
		},
		[]string{"reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rfcomm",
			Subsystem: "session",
			Name:      "active",
			Help:      "Running sessions.",
		},
	)
	responseTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rfcomm",
			Subsystem: "session",
			Name:      "response_timeouts_total",
			Help:      "Commands abandoned because the peer did not respond.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal,
			parseErrors,
			userDataBytes,
			channelsActive,
			channelOpenFailures,
			sessionsActive,
			responseTimeouts,
		)
	})
}

func RecordFrame(dir Direction, frameType string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(string(dir), frameType).Inc()
}

func RecordParseError(err error) {
	RegisterMetrics()
	kind := "other"
	var perr *frame.ParseError
	if errors.As(err, &perr) {
		kind = perr.Kind.String()
	}
	parseErrors.WithLabelValues(kind).Inc()
}

func RecordUserData(dir Direction, n int) {
	RegisterMetrics()
	userDataBytes.WithLabelValues(string(dir)).Add(float64(n))
}

func RecordChannelOpened() {
	RegisterMetrics()
	channelsActive.Inc()
}

func RecordChannelClosed() {
	RegisterMetrics()
	channelsActive.Dec()
}

func RecordChannelOpenFailed(reason string) {
	RegisterMetrics()
	channelOpenFailures.WithLabelValues(reason).Inc()
}

func RecordSessionStarted() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func RecordSessionEnded() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func RecordResponseTimeout() {
	RegisterMetrics()
	responseTimeouts.Inc()
}
