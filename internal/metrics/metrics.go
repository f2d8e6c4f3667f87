// Package metrics exposes Prometheus instrumentation for a dftp node. Every
// role wires the same Registry and serves it on its own small HTTP listener,
// independent of the node's wire-protocol control port.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric a dftp node reports, labeled by role so one
// Prometheus scrape config can cover a mixed-role cluster.
type Registry struct {
	WireRequestsTotal   *prometheus.CounterVec
	WireRequestDuration *prometheus.HistogramVec
	ControlConnsActive  prometheus.Gauge
	GossipCyclesTotal   *prometheus.CounterVec
	ReplicationOpsTotal *prometheus.CounterVec
	TransfersTotal      *prometheus.CounterVec
	TransferBytesTotal  *prometheus.CounterVec
}

// New constructs and registers a Registry for one node, labeling every
// metric with role and node name so a single scrape target distinguishes
// registry/auth/storage/routing/processing instances.
func New(role, node string) *Registry {
	constLabels := prometheus.Labels{"role": role, "node": node}

	return &Registry{
		WireRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dftp",
			Name:        "wire_requests_total",
			Help:        "Wire protocol requests handled, by message type and outcome.",
			ConstLabels: constLabels,
		}, []string{"type", "status"}),

		WireRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "dftp",
			Name:        "wire_request_duration_seconds",
			Help:        "Wire protocol request handling latency, by message type.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"type"}),

		ControlConnsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dftp",
			Name:        "control_connections_active",
			Help:        "FTP control connections currently open (routing nodes only).",
			ConstLabels: constLabels,
		}),

		GossipCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dftp",
			Name:        "gossip_cycles_total",
			Help:        "Gossip anti-entropy cycles run, by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		ReplicationOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dftp",
			Name:        "replication_ops_total",
			Help:        "File replication fan-out attempts, by outcome (storage nodes only).",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		TransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dftp",
			Name:        "transfers_total",
			Help:        "Completed data-channel transfers, by verb and outcome.",
			ConstLabels: constLabels,
		}, []string{"verb", "outcome"}),

		TransferBytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dftp",
			Name:        "transfer_bytes_total",
			Help:        "Bytes moved over data channels, by verb.",
			ConstLabels: constLabels,
		}, []string{"verb"}),
	}
}

// ObserveWireRequest records one handled wire-protocol request.
func (r *Registry) ObserveWireRequest(msgType, status string, seconds float64) {
	if r == nil {
		return
	}
	r.WireRequestsTotal.WithLabelValues(msgType, status).Inc()
	r.WireRequestDuration.WithLabelValues(msgType).Observe(seconds)
}

// ConnOpened and ConnClosed track the active FTP control-connection gauge.
func (r *Registry) ConnOpened() {
	if r == nil {
		return
	}
	r.ControlConnsActive.Inc()
}

// ConnClosed decrements the active FTP control-connection gauge.
func (r *Registry) ConnClosed() {
	if r == nil {
		return
	}
	r.ControlConnsActive.Dec()
}

// ObserveGossipCycle records one completed anti-entropy cycle.
func (r *Registry) ObserveGossipCycle(outcome string) {
	if r == nil {
		return
	}
	r.GossipCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplication records one replication fan-out target's outcome.
func (r *Registry) ObserveReplication(outcome string) {
	if r == nil {
		return
	}
	r.ReplicationOpsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransfer records one completed data-channel transfer and the bytes
// it moved.
func (r *Registry) ObserveTransfer(verb, outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.TransfersTotal.WithLabelValues(verb, outcome).Inc()
	if bytes > 0 {
		r.TransferBytesTotal.WithLabelValues(verb).Add(float64(bytes))
	}
}

// Server exposes a Registry's metrics (and the default Go/process
// collectors promauto registers them alongside) on a dedicated HTTP
// listener, kept separate from the node's own wire-protocol port.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	Addr       string
}

// NewServer binds addr (use "127.0.0.1:0" for an OS-assigned port in tests)
// and prepares a handler for the default Prometheus registry.
func NewServer(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		httpServer: &http.Server{Handler: mux},
		listener:   l,
		Addr:       l.Addr().String(),
	}, nil
}

// Serve blocks, serving metrics until the listener is closed.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
