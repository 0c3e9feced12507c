// Package metrics exposes the same counters internal/trace prints at
// termination as a Prometheus exporter. The counters are filled in once,
// from the engine's final statistics after the transfer ends; they do not
// track a transfer while it is in progress.
// This is purely additive: it never changes the textual log format
// spec.md mandates.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters mirrors internal/trace.Stats as Prometheus counters, labeled
// by role ("sender" or "receiver") so one process exposes only its own
// side.
type Counters struct {
	Bytes            prometheus.Counter
	Packets          prometheus.Counter
	RetransmitsOrOOO prometheus.Counter
	DupAcksOrErrors  prometheus.Counter
}

// NewCounters registers a Counters set under reg, labeled with role.
func NewCounters(reg prometheus.Registerer, role string) *Counters {
	factory := promauto.With(reg)
	return &Counters{
		Bytes: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ruftp_bytes_total",
			Help:        "Total bytes sent or received.",
			ConstLabels: prometheus.Labels{"role": role},
		}),
		Packets: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ruftp_packets_total",
			Help:        "Total packets sent or received.",
			ConstLabels: prometheus.Labels{"role": role},
		}),
		RetransmitsOrOOO: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ruftp_retransmits_or_out_of_order_total",
			Help:        "Retransmissions (sender) or out-of-order packets (receiver).",
			ConstLabels: prometheus.Labels{"role": role},
		}),
		DupAcksOrErrors: factory.NewCounter(prometheus.CounterOpts{
			Name:        "ruftp_dup_acks_or_checksum_errors_total",
			Help:        "Duplicate ACKs (sender) or checksum errors (receiver).",
			ConstLabels: prometheus.Labels{"role": role},
		}),
	}
}

// Server serves the /metrics endpoint on addr until Shutdown is called.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics HTTP server backed by reg.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks, serving metrics until the listener fails or Shutdown is
// called.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the metrics server, waiting up to the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
