// Package prom exports the relay observer to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saurabhdas/pair-claudeing/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RelayObserver exports relay metrics to Prometheus.
type RelayObserver struct {
	sessionGauge   prometheus.Gauge
	viewerGauge    prometheus.Gauge
	controlAttach  *prometheus.CounterVec
	viewerAttach   *prometheus.CounterVec
	roomAttach     *prometheus.CounterVec
	sessionClosed  *prometheus.CounterVec
	terminalSpawn  *prometheus.CounterVec
	terminalClosed prometheus.Counter
	outputBytes    prometheus.Counter
	snapshotSync   prometheus.Histogram
	slowConsumer   *prometheus.CounterVec
	roomBroadcast  *prometheus.CounterVec
}

// NewRelayObserver registers relay metrics on the registry.
func NewRelayObserver(reg *prometheus.Registry) *RelayObserver {
	o := &RelayObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paircode_relay_sessions",
			Help: "Current live session count.",
		}),
		viewerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paircode_relay_viewers",
			Help: "Current connected viewer count.",
		}),
		controlAttach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_control_attach_total",
			Help: "Producer control attach attempts by result and reason.",
		}, []string{"result", "reason"}),
		viewerAttach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_viewer_attach_total",
			Help: "Viewer attach attempts by result and reason.",
		}, []string{"result", "reason"}),
		roomAttach: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_room_attach_total",
			Help: "Room participant attach attempts by result and reason.",
		}, []string{"result", "reason"}),
		sessionClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_session_closed_total",
			Help: "Session closures by reason.",
		}, []string{"reason"}),
		terminalSpawn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_terminal_spawn_total",
			Help: "Terminal spawn outcomes.",
		}, []string{"result"}),
		terminalClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paircode_relay_terminal_closed_total",
			Help: "Terminals closed.",
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paircode_relay_output_bytes_total",
			Help: "Producer output bytes relayed to viewers.",
		}),
		snapshotSync: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "paircode_relay_snapshot_sync_seconds",
			Help:    "Latency from snapshot request to delivery at the viewer.",
			Buckets: prometheus.DefBuckets,
		}),
		slowConsumer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_slow_consumer_total",
			Help: "Viewers closed for falling behind, by role.",
		}, []string{"role"}),
		roomBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paircode_relay_room_broadcast_total",
			Help: "Room broadcasts by message kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.viewerGauge,
		o.controlAttach,
		o.viewerAttach,
		o.roomAttach,
		o.sessionClosed,
		o.terminalSpawn,
		o.terminalClosed,
		o.outputBytes,
		o.snapshotSync,
		o.slowConsumer,
		o.roomBroadcast,
	)
	return o
}

func (o *RelayObserver) SessionCount(n int) {
	o.sessionGauge.Set(float64(n))
}

func (o *RelayObserver) ViewerCount(n int64) {
	o.viewerGauge.Set(float64(n))
}

func (o *RelayObserver) ControlAttach(result observability.AttachResult, reason observability.AttachReason) {
	o.controlAttach.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *RelayObserver) ViewerAttach(result observability.AttachResult, reason observability.AttachReason) {
	o.viewerAttach.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *RelayObserver) RoomAttach(result observability.AttachResult, reason observability.AttachReason) {
	o.roomAttach.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *RelayObserver) SessionClosed(reason string) {
	o.sessionClosed.WithLabelValues(reason).Inc()
}

func (o *RelayObserver) TerminalSpawn(result observability.SpawnResult) {
	o.terminalSpawn.WithLabelValues(string(result)).Inc()
}

func (o *RelayObserver) TerminalClosed() {
	o.terminalClosed.Inc()
}

func (o *RelayObserver) OutputBytes(n int) {
	o.outputBytes.Add(float64(n))
}

func (o *RelayObserver) SnapshotSync(d time.Duration) {
	o.snapshotSync.Observe(d.Seconds())
}

func (o *RelayObserver) SlowConsumer(role observability.ViewerRole) {
	o.slowConsumer.WithLabelValues(string(role)).Inc()
}

func (o *RelayObserver) RoomBroadcast(kind string) {
	o.roomBroadcast.WithLabelValues(kind).Inc()
}
