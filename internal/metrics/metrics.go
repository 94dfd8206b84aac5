// Package metrics collects and exposes Prometheus metrics for the ingestion workflow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics interface used by the dashboard controller
type Recorder interface {
	RecordAcquisition(source string, err error)
	RecordExtraction(duration time.Duration, err error)
	RecordCommit(err error)
	RecordCancel()
	RecordDelete(err error)
}

// Collector records metrics into a Prometheus registry
type Collector struct {
	acquisitions      *prometheus.CounterVec
	extractions       *prometheus.CounterVec
	extractionLatency prometheus.Histogram
	commits           *prometheus.CounterVec
	cancels           prometheus.Counter
	deletes           *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_acquisitions_total",
			Help: "Image acquisitions by source and result",
		}, []string{"source", "result"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_extractions_total",
			Help: "Extraction calls by result",
		}, []string{"result"}),
		extractionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "receipt_extraction_duration_seconds",
			Help:    "Latency of extraction calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_commits_total",
			Help: "Draft commits by result",
		}, []string{"result"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "receipt_draft_cancels_total",
			Help: "Drafts discarded without saving",
		}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_deletes_total",
			Help: "Receipt deletions by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.acquisitions,
		c.extractions,
		c.extractionLatency,
		c.commits,
		c.cancels,
		c.deletes,
	)
	return c
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordAcquisition counts an acquisition attempt from "camera" or "file"
func (c *Collector) RecordAcquisition(source string, err error) {
	c.acquisitions.WithLabelValues(source, result(err)).Inc()
}

// RecordExtraction counts an extraction call and observes its latency
func (c *Collector) RecordExtraction(duration time.Duration, err error) {
	c.extractions.WithLabelValues(result(err)).Inc()
	c.extractionLatency.Observe(duration.Seconds())
}

// RecordCommit counts a commit attempt
func (c *Collector) RecordCommit(err error) {
	c.commits.WithLabelValues(result(err)).Inc()
}

// RecordCancel counts a discarded draft
func (c *Collector) RecordCancel() {
	c.cancels.Inc()
}

// RecordDelete counts a delete attempt
func (c *Collector) RecordDelete(err error) {
	c.deletes.WithLabelValues(result(err)).Inc()
}

// Handler returns the HTTP handler exposing the gatherer's metrics
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop discards all metrics
type Nop struct{}

func (Nop) RecordAcquisition(string, error) {}
func (Nop) RecordExtraction(time.Duration, error) {}
func (Nop) RecordCommit(error) {}
func (Nop) RecordCancel() {}
func (Nop) RecordDelete(error) {}
