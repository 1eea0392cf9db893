// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package co

import (
	"sync"
)

// Waiter provides a channel to wait for.
// The value read from the channel is true for Signal, false for Broadcast.
type Waiter interface {
	C() <-chan bool
}

// Signal is a rendezvous point for goroutines waiting for, or announcing,
// the occurrence of an event. Unlike sync.Cond it is channel based, so the
// wait can take part in a select.
type Signal struct {
	l  sync.Mutex
	ch chan bool
}

func (s *Signal) init() {
	if s.ch == nil {
		s.ch = make(chan bool, 1)
	}
}

// Signal wakes one goroutine waiting on s.
func (s *Signal) Signal() {
	s.l.Lock()
	s.init()
	select {
	case s.ch <- true:
	default:
	}
	s.l.Unlock()
}

// Broadcast wakes all goroutines waiting on s.
func (s *Signal) Broadcast() {
	s.l.Lock()
	s.init()
	close(s.ch)
	s.ch = make(chan bool, 1)
	s.l.Unlock()
}

// NewWaiter creates a Waiter for acquiring the channel to wait on.
func (s *Signal) NewWaiter() Waiter {
	s.l.Lock()
	s.init()
	ref := s.ch
	s.l.Unlock()

	return waiterFunc(func() (ch <-chan bool) {
		ch = ref

		s.l.Lock()
		ref = s.ch
		s.l.Unlock()

		return
	})
}

type waiterFunc func() <-chan bool

func (w waiterFunc) C() <-chan bool {
	return w()
}
