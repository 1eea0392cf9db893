// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopByDefault(t *testing.T) {
	// meters work without initialization and record nothing
	Counter("noop_counter").Add(1)
	Gauge("noop_gauge").Set(5)
	Histogram("noop_histogram", BucketMillis10s).Observe(100)
}

func TestPrometheusMeters(t *testing.T) {
	InitializePrometheusMetrics()

	Counter("test_counter").Add(3)
	CounterVec("test_counter_vec", []string{"kind"}).AddWithLabel(1, map[string]string{"kind": "task"})
	Gauge("test_gauge").Set(42)
	Histogram("test_histogram", BucketMillis10s).Observe(12)

	// same name returns the same meter, no duplicate registration panic
	Counter("test_counter").Add(1)

	rec := httptest.NewRecorder()
	HTTPHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mesh_test_counter")
	assert.Contains(t, body, "mesh_test_gauge")
}
