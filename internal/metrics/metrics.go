// Package metrics exposes leadline counters on a dedicated prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadline"

type Metrics struct {
	Registry *prometheus.Registry

	Searches      *prometheus.CounterVec
	LeadsIngested prometheus.Counter
	Duplicates    prometheus.Counter
	Recipients    *prometheus.CounterVec
	Exports       *prometheus.CounterVec
	LookupSeconds prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "searches_total", Help: "Lead searches by outcome.",
		}, []string{"outcome"}),
		LeadsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leads_ingested_total", Help: "Leads added by searches.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_dropped_total", Help: "Search results dropped as already known.",
		}),
		Recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaign_recipients_total", Help: "Campaign recipients by outcome.",
		}, []string{"status"}),
		Exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exports_total", Help: "Exported files by kind.",
		}, []string{"kind"}),
		LookupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "lookup_duration_seconds", Help: "Latency of the lead lookup call.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
	}
	m.Registry.MustRegister(m.Searches, m.LeadsIngested, m.Duplicates, m.Recipients, m.Exports, m.LookupSeconds,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// The observe helpers accept a nil receiver so callers can run without metrics.

func (m *Metrics) ObserveSearch(outcome string, took time.Duration, ingested, duplicates int) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(outcome).Inc()
	m.LookupSeconds.Observe(took.Seconds())
	m.LeadsIngested.Add(float64(ingested))
	m.Duplicates.Add(float64(duplicates))
}

func (m *Metrics) ObserveRecipient(status string) {
	if m == nil {
		return
	}
	m.Recipients.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExport(kind string, files int) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(kind).Add(float64(files))
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
