// Package metrics provides Prometheus metrics instrumentation for Memoric.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for Memoric.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Policy run metrics
	policyOperations  *prometheus.CounterVec
	policyRunDuration prometheus.Histogram
	policyFailures    prometheus.Counter

	// Retrieval metrics
	retrievals        *prometheus.CounterVec
	retrievalDuration prometheus.Histogram

	// Clustering metrics
	clusterRebuilds prometheus.Counter
	clustersLive    *prometheus.GaugeVec

	// Store metrics
	storeErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	PolicyRunBuckets []float64
	RetrievalBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Port:             9091,
		Path:             "/metrics",
		PolicyRunBuckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		RetrievalBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a new metrics manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.policyOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoric_policy_operations_total",
			Help: "Total number of policy operations by type (trim, migrate, thread_summarize)",
		},
		[]string{"operation"},
	)
	m.policyRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoric_policy_run_duration_seconds",
			Help:    "Policy executor run duration in seconds",
			Buckets: cfg.PolicyRunBuckets,
		},
	)
	m.policyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoric_policy_failures_total",
			Help: "Total number of per-record failures skipped during policy runs",
		},
	)

	m.retrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoric_retrievals_total",
			Help: "Total number of retrievals by scope",
		},
		[]string{"scope"},
	)
	m.retrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoric_retrieval_duration_seconds",
			Help:    "Retrieval duration in seconds",
			Buckets: cfg.RetrievalBuckets,
		},
	)

	m.clusterRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memoric_cluster_rebuilds_total",
			Help: "Total number of cluster rebuild runs",
		},
	)
	m.clustersLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memoric_clusters_live",
			Help: "Number of live clusters after the latest rebuild, per user",
		},
		[]string{"user_id"},
	)

	m.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoric_store_errors_total",
			Help: "Total number of store errors by operation",
		},
		[]string{"operation"},
	)

	m.registry.MustRegister(
		m.policyOperations,
		m.policyRunDuration,
		m.policyFailures,
		m.retrievals,
		m.retrievalDuration,
		m.clusterRebuilds,
		m.clustersLive,
		m.storeErrors,
	)
	return m
}

// NoOpManager returns a no-op metrics manager for when metrics are disabled.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled returns whether metrics collection is enabled.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// RecordPolicyOperation records successful policy operations of one type.
func (m *Manager) RecordPolicyOperation(operation string, count int) {
	if !m.enabled || count <= 0 {
		return
	}
	m.policyOperations.WithLabelValues(operation).Add(float64(count))
}

// RecordPolicyRunDuration records how long a policy run took.
func (m *Manager) RecordPolicyRunDuration(duration time.Duration) {
	if !m.enabled {
		return
	}
	m.policyRunDuration.Observe(duration.Seconds())
}

// RecordPolicyFailures counts per-record failures skipped during a run.
func (m *Manager) RecordPolicyFailures(count int) {
	if !m.enabled || count <= 0 {
		return
	}
	m.policyFailures.Add(float64(count))
}

// RecordRetrieval records one retrieval in the given scope.
func (m *Manager) RecordRetrieval(scope string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.retrievals.WithLabelValues(scope).Inc()
	m.retrievalDuration.Observe(duration.Seconds())
}

// RecordClusterRebuild records a rebuild and its resulting cluster count.
func (m *Manager) RecordClusterRebuild(userID string, clusters int) {
	if !m.enabled {
		return
	}
	m.clusterRebuilds.Inc()
	m.clustersLive.WithLabelValues(userID).Set(float64(clusters))
}

// RecordStoreError records a store error by operation name.
func (m *Manager) RecordStoreError(operation string) {
	if !m.enabled {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server on the configured port.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
