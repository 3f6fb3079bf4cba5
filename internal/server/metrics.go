// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	JobsCreated     prometheus.Counter
	JobsActive      prometheus.Gauge
	JobsFinished    *prometheus.CounterVec
	BytesDownloaded prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// NewMetrics creates and registers the server's collectors on a
// dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civitdl",
			Name:      "jobs_created_total",
			Help:      "Total number of download jobs created.",
		}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "civitdl",
			Name:      "jobs_active",
			Help:      "Number of jobs currently queued or running.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civitdl",
			Name:      "jobs_finished_total",
			Help:      "Total number of finished jobs by final status.",
		}, []string{"status"}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "civitdl",
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes downloaded by completed transfers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civitdl",
			Name:      "http_requests_total",
			Help:      "Total HTTP API requests by method and path.",
		}, []string{"method", "path"}),
	}

	reg.MustRegister(m.JobsCreated, m.JobsActive, m.JobsFinished,
		m.BytesDownloaded, m.HTTPRequests)

	return m
}
