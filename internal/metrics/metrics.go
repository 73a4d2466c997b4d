// Package metrics provides Prometheus metrics for the index and tag services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	IndexBuildsTotal   *prometheus.CounterVec
	IndexBuildDuration prometheus.Histogram
	IndexUpdatesTotal  *prometheus.CounterVec
	TagsTotal          *prometheus.GaugeVec
	ConnectionsTotal   prometheus.Gauge
	BrokenConnections  prometheus.Gauge
	Inconsistencies    *prometheus.GaugeVec
	TagMutationsTotal  *prometheus.CounterVec
	GCReferencesTotal  prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IndexBuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_index_builds_total",
			Help: "Total number of full index builds",
		}, []string{"status"}),
		IndexBuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dossier_index_build_duration_seconds",
			Help:    "Duration of full index builds in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		IndexUpdatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_index_updates_total",
			Help: "Total number of incremental index updates",
		}, []string{"operation"}),
		TagsTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dossier_tags",
			Help: "Number of indexed tags by type",
		}, []string{"type"}),
		ConnectionsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "dossier_connections",
			Help: "Number of valid connections in the index",
		}),
		BrokenConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "dossier_broken_connections",
			Help: "Number of broken connections in the index",
		}),
		Inconsistencies: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dossier_inconsistencies",
			Help: "Number of detected inconsistencies by kind",
		}, []string{"kind"}),
		TagMutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_tag_mutations_total",
			Help: "Total number of tag mutations",
		}, []string{"operation", "status"}),
		GCReferencesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dossier_gc_references_removed_total",
			Help: "Total number of orphaned references removed by garbage collection",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordBuild records a finished full build.
func (m *Metrics) RecordBuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.IndexBuildsTotal.WithLabelValues(status(err)).Inc()
	m.IndexBuildDuration.Observe(d.Seconds())
}

// RecordUpdate counts an incremental index operation.
func (m *Metrics) RecordUpdate(op string) {
	if m == nil {
		return
	}
	m.IndexUpdatesTotal.WithLabelValues(op).Inc()
}

// RecordTagMutation counts a tag create/update/delete/merge.
func (m *Metrics) RecordTagMutation(op string, err error) {
	if m == nil {
		return
	}
	m.TagMutationsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordGC counts references removed by garbage collection.
func (m *Metrics) RecordGC(removed int) {
	if m == nil {
		return
	}
	m.GCReferencesTotal.Add(float64(removed))
}

// UpdateIndexStats publishes snapshot gauges.
func (m *Metrics) UpdateIndexStats(tagsByType map[string]int, connections, broken int, inconsistencies map[string]int) {
	if m == nil {
		return
	}
	m.TagsTotal.Reset()
	for t, n := range tagsByType {
		m.TagsTotal.WithLabelValues(t).Set(float64(n))
	}
	m.ConnectionsTotal.Set(float64(connections))
	m.BrokenConnections.Set(float64(broken))
	m.Inconsistencies.Reset()
	for k, n := range inconsistencies {
		m.Inconsistencies.WithLabelValues(k).Set(float64(n))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
