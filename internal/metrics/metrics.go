package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Call metrics
	CallStarted(direction string)
	CallEnded(direction, outcome string)

	// Signaling metrics
	SignalReceived(signalType string)
	SignalSent(signalType string)
	ICECandidateStaged()

	// Channel metrics
	ChannelConnected(connected bool)
	ChannelReconnect()

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	gatherer prometheus.Gatherer

	callsStarted *prometheus.CounterVec
	callsEnded   *prometheus.CounterVec
	activeCalls  prometheus.Gauge

	signalsReceived *prometheus.CounterVec
	signalsSent     *prometheus.CounterVec
	iceStaged       prometheus.Counter

	channelConnected  prometheus.Gauge
	channelReconnects prometheus.Counter
}

// NewPrometheusCollector creates a PrometheusCollector registered on reg.
func NewPrometheusCollector(reg *prometheus.Registry) *PrometheusCollector {
	c := &PrometheusCollector{
		gatherer: reg,

		callsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_calls_started_total",
				Help: "Total number of calls that reached the peer session stage",
			},
			[]string{"direction"},
		),

		callsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_calls_ended_total",
				Help: "Total number of calls that ended, by outcome",
			},
			[]string{"direction", "outcome"},
		),

		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_calls",
			Help: "Number of live peer sessions (0 or 1)",
		}),

		signalsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_signals_received_total",
				Help: "Total number of inbound negotiation signals",
			},
			[]string{"type"},
		),

		signalsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_signals_sent_total",
				Help: "Total number of outbound negotiation signals",
			},
			[]string{"type"},
		),

		iceStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_ice_candidates_staged_total",
			Help: "ICE candidates held back until the remote description was set",
		}),

		channelConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voice_signal_channel_connected",
			Help: "1 when the signal channel is connected",
		}),

		channelReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_signal_channel_reconnects_total",
			Help: "Reconnects forced by a token change",
		}),
	}

	reg.MustRegister(
		c.callsStarted,
		c.callsEnded,
		c.activeCalls,
		c.signalsReceived,
		c.signalsSent,
		c.iceStaged,
		c.channelConnected,
		c.channelReconnects,
	)
	return c
}

// CallStarted records a new peer session
func (c *PrometheusCollector) CallStarted(direction string) {
	c.callsStarted.WithLabelValues(direction).Inc()
	c.activeCalls.Set(1)
}

// CallEnded records the end of a call
func (c *PrometheusCollector) CallEnded(direction, outcome string) {
	c.callsEnded.WithLabelValues(direction, outcome).Inc()
	c.activeCalls.Set(0)
}

// SignalReceived records an inbound signal
func (c *PrometheusCollector) SignalReceived(signalType string) {
	c.signalsReceived.WithLabelValues(signalType).Inc()
}

// SignalSent records an outbound signal
func (c *PrometheusCollector) SignalSent(signalType string) {
	c.signalsSent.WithLabelValues(signalType).Inc()
}

// ICECandidateStaged records a candidate held in the staging buffer
func (c *PrometheusCollector) ICECandidateStaged() {
	c.iceStaged.Inc()
}

// ChannelConnected records the signal channel state
func (c *PrometheusCollector) ChannelConnected(connected bool) {
	if connected {
		c.channelConnected.Set(1)
	} else {
		c.channelConnected.Set(0)
	}
}

// ChannelReconnect records a token-driven reconnect
func (c *PrometheusCollector) ChannelReconnect() {
	c.channelReconnects.Inc()
}

// Handler returns an HTTP handler for metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Nop is a Collector that records nothing.
type Nop struct{}

func (Nop) CallStarted(string)       {}
func (Nop) CallEnded(string, string) {}
func (Nop) SignalReceived(string)    {}
func (Nop) SignalSent(string)        {}
func (Nop) ICECandidateStaged()      {}
func (Nop) ChannelConnected(bool)    {}
func (Nop) ChannelReconnect()        {}
func (Nop) Handler() http.Handler    { return http.NotFoundHandler() }
