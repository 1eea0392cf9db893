// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/mesh/co"
)

func TestGoesWait(t *testing.T) {
	var g co.Goes
	var n int32
	for i := 0; i < 10; i++ {
		g.Go(func() { atomic.AddInt32(&n, 1) })
	}
	g.Wait()
	assert.Equal(t, int32(10), atomic.LoadInt32(&n))
}

func TestGoesDone(t *testing.T) {
	var g co.Goes
	g.Go(func() {})
	<-g.Done()
}
