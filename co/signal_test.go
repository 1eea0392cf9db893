// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/mesh/co"
)

func TestSignalWakesOne(t *testing.T) {
	var sig co.Signal
	w := sig.NewWaiter()

	go sig.Signal()
	select {
	case v := <-w.C():
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestBroadcastWakesAll(t *testing.T) {
	var sig co.Signal
	ws := []co.Waiter{sig.NewWaiter(), sig.NewWaiter(), sig.NewWaiter()}

	go sig.Broadcast()
	for _, w := range ws {
		select {
		case v := <-w.C():
			assert.False(t, v)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
}
