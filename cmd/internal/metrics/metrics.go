// Package metrics defines the engine's Prometheus collectors.
//
// A nil *Set is valid everywhere and turns every method into a no-op, so
// components can be tested without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds every collector the engine exposes. All collectors register on
// the registry passed to New; the app owns that registry and serves it on
// /metrics.
type Set struct {
	framesReceived   *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge
	sendQueueDepth   prometheus.Gauge
	messagesIngested *prometheus.CounterVec
	syncErrors       *prometheus.CounterVec
	mirrorWrites     *prometheus.CounterVec
	mirrorWriteSecs  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesis_ws_frames_received_total",
			Help: "Frames received from the gateway, by frame type.",
		}, []string{"type"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesis_ws_frames_sent_total",
			Help: "Frames written to the gateway, by frame type.",
		}, []string{"type"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "genesis_ws_reconnects_total",
			Help: "Reconnect cycles started after a lost connection.",
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genesis_ws_connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		}),
		sendQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genesis_ws_send_queue_depth",
			Help: "Frames waiting in the pending send queue.",
		}),
		messagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesis_sync_messages_ingested_total",
			Help: "Ingest outcomes: accepted, duplicate, promoted, rejected.",
		}, []string{"result"}),
		syncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesis_sync_errors_total",
			Help: "Sync errors surfaced to subscribers, by reason.",
		}, []string{"reason"}),
		mirrorWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesis_mirror_writes_total",
			Help: "Mirror snapshot writes, by result (ok, retried, failed).",
		}, []string{"result"}),
		mirrorWriteSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "genesis_mirror_write_seconds",
			Help:    "Mirror snapshot write latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func (s *Set) FrameReceived(frameType string) {
	if s == nil {
		return
	}
	s.framesReceived.WithLabelValues(frameType).Inc()
}

func (s *Set) FrameSent(frameType string) {
	if s == nil {
		return
	}
	s.framesSent.WithLabelValues(frameType).Inc()
}

func (s *Set) ReconnectStarted() {
	if s == nil {
		return
	}
	s.reconnects.Inc()
}

func (s *Set) ConnectionState(v int) {
	if s == nil {
		return
	}
	s.connectionState.Set(float64(v))
}

func (s *Set) SendQueueDepth(n int) {
	if s == nil {
		return
	}
	s.sendQueueDepth.Set(float64(n))
}

func (s *Set) MessageIngested(result string) {
	if s == nil {
		return
	}
	s.messagesIngested.WithLabelValues(result).Inc()
}

func (s *Set) SyncError(reason string) {
	if s == nil {
		return
	}
	s.syncErrors.WithLabelValues(reason).Inc()
}

func (s *Set) MirrorWrite(result string, took time.Duration) {
	if s == nil {
		return
	}
	s.mirrorWrites.WithLabelValues(result).Inc()
	s.mirrorWriteSecs.Observe(took.Seconds())
}
