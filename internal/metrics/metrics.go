// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus gauges and counters for the
// step-execution concerns this core cares about: how many steps ran vs.
// were skipped vs. downloaded, how deep the scheduler's queue sits, and
// how long each step kind takes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for one run of the core.
type Metrics struct {
	StepsTotal       *prometheus.CounterVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	DownloadsTotal   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ActiveJobs       prometheus.Gauge
	StepDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with every instrument registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bob_steps_total",
				Help: "Total number of steps dispatched, by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: ran, skipped, downloaded, failed
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bob_cache_hits_total",
				Help: "Steps skipped because stored state already matched, by kind",
			},
			[]string{"kind"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bob_cache_misses_total",
				Help: "Steps that had to rerun because stored state didn't match, by kind",
			},
			[]string{"kind"},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bob_archive_downloads_total",
				Help: "Package download attempts, by result",
			},
			[]string{"result"}, // hit, miss, error
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bob_scheduler_queue_depth",
				Help: "Number of steps queued but not yet dispatched",
			},
		),
		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bob_scheduler_active_jobs",
				Help: "Number of steps currently holding a job semaphore permit",
			},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bob_step_duration_seconds",
				Help:    "Wall-clock duration of a step's own execution (harness run + rehash)",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~3h
			},
			[]string{"kind"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.StepsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DownloadsTotal,
		m.QueueDepth,
		m.ActiveJobs,
		m.StepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler serving this Metrics' registry at
// /metrics, for an operator who wants a long-running `bob` invocation to
// expose scrape-able progress.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStepRan records a step that actually executed the harness.
func (m *Metrics) RecordStepRan(kind string, durationSeconds float64) {
	m.StepsTotal.WithLabelValues(kind, "ran").Inc()
	m.CacheMissesTotal.WithLabelValues(kind).Inc()
	m.StepDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordStepSkipped records a step whose stored state already matched.
func (m *Metrics) RecordStepSkipped(kind string) {
	m.StepsTotal.WithLabelValues(kind, "skipped").Inc()
	m.CacheHitsTotal.WithLabelValues(kind).Inc()
}

// RecordStepDownloaded records a package step finalized by archive
// download instead of running the harness.
func (m *Metrics) RecordStepDownloaded(kind string) {
	m.StepsTotal.WithLabelValues(kind, "downloaded").Inc()
	m.DownloadsTotal.WithLabelValues("hit").Inc()
}

// RecordDownloadMiss records a package download attempt that found
// nothing, distinct from an outright error.
func (m *Metrics) RecordDownloadMiss() {
	m.DownloadsTotal.WithLabelValues("miss").Inc()
}

// RecordDownloadError records a package download attempt that failed.
func (m *Metrics) RecordDownloadError() {
	m.DownloadsTotal.WithLabelValues("error").Inc()
}

// RecordStepFailed records a step whose harness run or I/O failed.
func (m *Metrics) RecordStepFailed(kind string) {
	m.StepsTotal.WithLabelValues(kind, "failed").Inc()
}

// SetQueueDepth updates the scheduler queue-depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetActiveJobs updates the active-job-permit gauge.
func (m *Metrics) SetActiveJobs(n int) {
	m.ActiveJobs.Set(float64(n))
}
