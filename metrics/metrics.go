// Package metrics exposes the ambient instrumentation counters for the
// swarm engine (cycle/publish/skip/error totals). This is operational
// telemetry about the simulator's own execution, not the time-series
// sensor analytics spec.md explicitly excludes as a non-goal.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	CyclesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotswarm",
		Name:      "device_cycles_total",
		Help:      "Number of completed publish cycles, by device.",
	}, []string{"device"})

	SkipsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotswarm",
		Name:      "device_skips_total",
		Help:      "Number of cycles skipped due to no_send_probability, by device.",
	}, []string{"device"})

	PublishFailuresTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotswarm",
		Name:      "publish_failures_total",
		Help:      "Number of Publisher.Send calls that returned false or an error, by device.",
	}, []string{"device"})

	SnapshotWritesTotal = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "iotswarm",
		Name:      "swarm_snapshot_writes_total",
		Help:      "Number of successful swarm snapshot writes.",
	})

	LiveUploadRowsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotswarm",
		Name:      "liveupload_rows_total",
		Help:      "Number of rows replicated by the LiveUploader, by site.",
	}, []string{"site"})
)

// Handler returns an http.Handler exposing the registry in Prometheus
// text format. The core engine never starts an HTTP server itself; an
// embedder mounts this handler on its own mux.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
