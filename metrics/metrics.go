// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package metrics provides global access to a set of meters.
// It defaults to a no-op implementation; the CLI switches it to the
// prometheus implementation when metrics are enabled.
package metrics

import "net/http"

var metrics Metrics = defaultNoopMetrics()

// Metrics is the interface of meter factories.
type Metrics interface {
	GetOrCreateCountMeter(name string) CountMeter
	GetOrCreateCountVecMeter(name string, labels []string) CountVecMeter
	GetOrCreateGaugeMeter(name string) GaugeMeter
	GetOrCreateHistogramMeter(name string, buckets []int64) HistogramMeter
	GetOrCreateHandler() http.Handler
}

// HTTPHandler returns the http handler for scraping meters.
func HTTPHandler() http.Handler {
	return metrics.GetOrCreateHandler()
}

// CountMeter is a cumulative counter.
type CountMeter interface {
	Add(int64)
}

// Counter returns a counter meter with the given name.
func Counter(name string) CountMeter {
	return metrics.GetOrCreateCountMeter(name)
}

// CountVecMeter is a cumulative counter with labels.
type CountVecMeter interface {
	AddWithLabel(int64, map[string]string)
}

// CounterVec returns a labeled counter meter with the given name.
func CounterVec(name string, labels []string) CountVecMeter {
	return metrics.GetOrCreateCountVecMeter(name, labels)
}

// GaugeMeter is a meter holding an instantaneous value.
type GaugeMeter interface {
	Set(int64)
	Add(int64)
}

// Gauge returns a gauge meter with the given name.
func Gauge(name string) GaugeMeter {
	return metrics.GetOrCreateGaugeMeter(name)
}

// HistogramMeter aggregates reported measurements into buckets.
type HistogramMeter interface {
	Observe(int64)
}

// Histogram returns a histogram meter with the given name.
func Histogram(name string, buckets []int64) HistogramMeter {
	return metrics.GetOrCreateHistogramMeter(name, buckets)
}

// BucketMillis10s is a generic bucket layout for sub-10s latencies in ms.
var BucketMillis10s = []int64{0, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10_000}
