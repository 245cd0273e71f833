// Package metrics exposes the fuzzer's run counters on a Prometheus
// "/metrics" endpoint, complementing the example dependency's query-side
// usage with the exposition side it does not itself exercise.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the run's Prometheus collectors.
type Metrics struct {
	Executions      prometheus.Counter
	EdgesConfirmed  prometheus.Gauge
	Crashes         prometheus.Counter
	Timeouts        prometheus.Counter
	CorpusSize      prometheus.Gauge
	ReturnCodeTotal *prometheus.CounterVec

	srv *http.Server
}

// New registers the fuzzer's collectors against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Executions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcfuzz_executions_total",
			Help: "Total number of NVMe passthru commands dispatched.",
		}),
		EdgesConfirmed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pcfuzz_confirmed_edges",
			Help: "Current size of the global confirmed-edge set.",
		}),
		Crashes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcfuzz_crashes_total",
			Help: "Total number of timeout-crash artifacts persisted.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "pcfuzz_subprocess_timeouts_total",
			Help: "Total number of process-level subprocess timeouts.",
		}),
		CorpusSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pcfuzz_corpus_size",
			Help: "Current number of seeds in the live corpus.",
		}),
		ReturnCodeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pcfuzz_return_code_total",
			Help: "Per-command, per-return-code execution histogram.",
		}, []string{"command", "code"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Handler: mux}

	return m
}

// Serve starts the metrics HTTP server on addr and blocks until ctx is
// canceled, at which point it shuts the server down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	m.srv.Addr = addr

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
