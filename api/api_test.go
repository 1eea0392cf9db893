// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/lvldb"
	"github.com/openclaw/mesh/mesh"
	"github.com/openclaw/mesh/rating"
	"github.com/openclaw/mesh/wallet"
)

func startServer(t *testing.T) (*mesh.Coordinator, *httptest.Server) {
	t.Helper()

	w, err := wallet.Generate()
	require.NoError(t, err)

	db, err := lvldb.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lgr, err := ledger.New(db)
	require.NoError(t, err)
	require.NoError(t, lgr.Initialize(true, w, 1_000_000))

	ratings, err := rating.NewMem(rating.DefaultParams)
	require.NoError(t, err)
	t.Cleanup(ratings.Close)

	bz, err := bazaar.New(db, ratings, 100*time.Millisecond)
	require.NoError(t, err)

	node, err := gossip.New(w.NodeID(), gossip.Options{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, node.Start())

	coord := mesh.New(w, node, lgr, capsule.NewStore(db), bz, ratings, mesh.Options{
		Confirmations: 1,
		ActionTimeout: 5 * time.Second,
	})
	coord.Start()
	t.Cleanup(func() {
		coord.Stop()
		node.Stop()
	})

	handler, closer := New(coord, Options{AllowedOrigins: "*"})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		closer()
	})
	return coord, srv
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(v))
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	res, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	return res
}

func TestGetStats(t *testing.T) {
	coord, srv := startServer(t)

	var stats mesh.NodeStats
	getJSON(t, srv.URL+"/node/stats", &stats)
	assert.Equal(t, coord.NodeID(), stats.NodeID)
	assert.True(t, stats.IsLeader)
	assert.Equal(t, int64(1_000_000), stats.Balance)
	assert.Equal(t, uint64(1), stats.LastSeq)
}

func TestGetAccount(t *testing.T) {
	coord, srv := startServer(t)

	var account struct {
		NodeID    string `json:"nodeId"`
		AccountID string `json:"accountId"`
		Available int64  `json:"available"`
		Locked    int64  `json:"locked"`
	}
	getJSON(t, srv.URL+"/node/account", &account)
	assert.Equal(t, coord.AccountID(), account.AccountID)
	assert.Equal(t, int64(1_000_000), account.Available)
	assert.Zero(t, account.Locked)
}

func TestPublishAndListCapsules(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/capsules", map[string]interface{}{
		"content":    json.RawMessage(`{"type":"skill","howto":"rotate logs"}`),
		"tags":       []string{"ops"},
		"confidence": 0.8,
		"price":      capsule.Price{Amount: 50, Token: "CLAW", CreatorShare: 0.8},
	})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var pub mesh.PublishCapsuleResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&pub))
	assert.True(t, strings.HasPrefix(pub.AssetID, "sha256:"))

	var listed []*capsule.Record
	getJSON(t, srv.URL+"/capsules?tag=ops", &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, pub.AssetID, listed[0].AssetID)
	// listings carry metadata only
	assert.Empty(t, listed[0].Content)
	assert.NotEmpty(t, listed[0].ContentHash)

	getJSON(t, srv.URL+"/capsules?tag=nonexistent", &listed)
	assert.Empty(t, listed)
}

func TestPublishCapsuleRejectsEmptyContent(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/capsules", map[string]interface{}{"confidence": 0.5})
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Contains(t, body.Error, "content")
}

func TestPublishTaskOpensWithEscrow(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/tasks", map[string]interface{}{
		"description": "summarize the incident report",
		"bounty":      bazaar.Bounty{Amount: 300, Token: "CLAW"},
	})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var result mesh.PublishTaskResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	require.Len(t, result.Receipts, 1)
	assert.True(t, result.Receipts[0].Confirmed)
	assert.Equal(t, bazaar.StatusOpen, result.Task.Status)

	var open []*bazaar.Task
	getJSON(t, srv.URL+"/tasks?status=open", &open)
	require.Len(t, open, 1)
	assert.Equal(t, result.Task.TaskID, open[0].TaskID)

	// the bounty has moved to the escrow account
	var stats mesh.NodeStats
	getJSON(t, srv.URL+"/node/stats", &stats)
	assert.Equal(t, int64(1_000_000-300), stats.Balance)
}

func TestTransferValidation(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/transfers", map[string]interface{}{"to": "", "amount": 10})
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = postJSON(t, srv.URL+"/transfers", map[string]interface{}{"to": "acct_x", "amount": -1})
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	// unknown fields are rejected
	res = postJSON(t, srv.URL+"/transfers", map[string]interface{}{"to": "acct_x", "amount": 10, "memo": "hi"})
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestTransferMovesFunds(t *testing.T) {
	_, srv := startServer(t)

	other, err := wallet.Generate()
	require.NoError(t, err)

	res := postJSON(t, srv.URL+"/transfers", map[string]interface{}{
		"to": other.AccountID(), "amount": int64(500),
	})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var receipt mesh.TxReceipt
	require.NoError(t, json.NewDecoder(res.Body).Decode(&receipt))
	assert.True(t, receipt.Confirmed)

	var entries []*ledger.Entry
	getJSON(t, srv.URL+"/transactions/recent?limit=5", &entries)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, receipt.TxID, last.TxID)

	var status mesh.TxReceipt
	getJSON(t, srv.URL+"/transactions/"+receipt.TxID, &status)
	assert.True(t, status.Confirmed)
}

func TestTxConfig(t *testing.T) {
	_, srv := startServer(t)

	var config mesh.TxConfig
	getJSON(t, srv.URL+"/transactions/config", &config)
	assert.Equal(t, uint64(1), config.Confirmations)
	assert.Equal(t, int64(5000), config.TimeoutMs)
}

func TestLikeUnknownTask(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/tasks/task_missing/like", nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPurchaseUnknownCapsule(t *testing.T) {
	_, srv := startServer(t)

	res := postJSON(t, srv.URL+"/capsules/sha256:dead/purchase", nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "error")
}

func TestEventStream(t *testing.T) {
	coord, srv := startServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscriptions/events"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	// let the pump register its subscription before producing events
	time.Sleep(100 * time.Millisecond)
	_, err = coord.PublishCapsule(json.RawMessage(`{"type":"skill","howto":"stream events"}`), nil, 0.5, capsule.Price{})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev mesh.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, mesh.EventCapsule, ev.Kind)
}

func TestUnknownRouteIs404(t *testing.T) {
	_, srv := startServer(t)

	res, err := http.Get(fmt.Sprintf("%s/definitely/not/a/route", srv.URL))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
