// Package metrics wraps the relay's Prometheus instrumentation: counters
// and gauges for the datagram plane, an HTTP exporter, and enabled-gated
// recorder methods so instrumentation can be compiled in but switched off.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the relay's Prometheus registry and HTTP exporter.
type Metrics struct {
	enabled bool
	port    int
	server  *http.Server

	datagramsReceived  *prometheus.CounterVec
	datagramsForwarded *prometheus.CounterVec
	datagramsDropped   *prometheus.CounterVec
	handshakesTotal    *prometheus.CounterVec
	sessionsLive       prometheus.Gauge
	controlCommands    *prometheus.CounterVec
}

// New builds a Metrics instance. When enabled is false, every recorder
// method becomes a no-op and Start never listens.
func New(enabled bool, port int) *Metrics {
	m := &Metrics{enabled: enabled, port: port}
	m.initPrometheusMetrics()
	return m
}

func (m *Metrics) initPrometheusMetrics() {
	m.datagramsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wgx_datagrams_received_total",
		Help: "Datagrams received on the relay's UDP socket, by message type.",
	}, []string{"type"})

	m.datagramsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wgx_datagrams_forwarded_total",
		Help: "Datagrams forwarded verbatim to a peer.",
	}, []string{"type"})

	m.datagramsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wgx_datagrams_dropped_total",
		Help: "Datagrams dropped, by reason.",
	}, []string{"reason"})

	m.handshakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wgx_handshakes_total",
		Help: "Handshake attempts observed, by outcome.",
	}, []string{"outcome"})

	m.sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wgx_sessions_live",
		Help: "Currently live relay sessions.",
	})

	m.controlCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wgx_control_commands_total",
		Help: "Control-channel commands processed, by opcode and outcome.",
	}, []string{"op", "outcome"})

	if !m.enabled {
		return
	}
	prometheus.MustRegister(
		m.datagramsReceived,
		m.datagramsForwarded,
		m.datagramsDropped,
		m.handshakesTotal,
		m.sessionsLive,
		m.controlCommands,
	)
}

// Start runs the /metrics HTTP exporter. A no-op if metrics are disabled.
func (m *Metrics) Start() error {
	if !m.enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{Addr: fmt.Sprintf(":%d", m.port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the metrics exporter.
func (m *Metrics) Stop(ctx context.Context) error {
	if !m.enabled || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

func (m *Metrics) RecordDatagramReceived(msgType string) {
	if !m.enabled {
		return
	}
	m.datagramsReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordDatagramForwarded(msgType string) {
	if !m.enabled {
		return
	}
	m.datagramsForwarded.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordDatagramDropped(reason string) {
	if !m.enabled {
		return
	}
	m.datagramsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshake(outcome string) {
	if !m.enabled {
		return
	}
	m.handshakesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetSessionsLive(n int) {
	if !m.enabled {
		return
	}
	m.sessionsLive.Set(float64(n))
}

func (m *Metrics) RecordControlCommand(op, outcome string) {
	if !m.enabled {
		return
	}
	m.controlCommands.WithLabelValues(op, outcome).Inc()
}
