// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/mesh/mesh"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// subscriptions streams coordinator events over websockets.
type subscriptions struct {
	coord    *mesh.Coordinator
	upgrader websocket.Upgrader

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func newSubscriptions(coord *mesh.Coordinator) *subscriptions {
	return &subscriptions{
		coord: coord,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// close terminates every active subscription and waits for the pumps.
func (s *subscriptions) close() {
	s.doneOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *subscriptions) handleEvents(w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		return nil
	}
	s.wg.Add(1)
	go s.pump(conn)
	return nil
}

// pump forwards coordinator events until the client goes away or the
// surface shuts down.
func (s *subscriptions) pump(conn *websocket.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	events := s.coord.Subscribe()
	defer s.coord.Unsubscribe(events)

	// drain the read side to process control frames and observe close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(&ev); err != nil {
				log.Debug("event write failed", "err", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
