// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package api exposes the operator HTTP surface: node introspection,
// capsule and task operations, transfers and the event websocket.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/mesh"
)

var log = log15.New("pkg", "api")

// Options configure the HTTP surface.
type Options struct {
	// AllowedOrigins is a comma-separated CORS origin list. Empty
	// disables cross-origin access.
	AllowedOrigins string
}

type api struct {
	coord *mesh.Coordinator
	subs  *subscriptions
}

// New builds the operator handler over the coordinator. The returned
// closer shuts down active websocket subscriptions.
func New(coord *mesh.Coordinator, opts Options) (http.HandlerFunc, func()) {
	a := &api{
		coord: coord,
		subs:  newSubscriptions(coord),
	}

	router := mux.NewRouter()
	a.mount(router)

	origins := strings.Split(strings.TrimSpace(opts.AllowedOrigins), ",")
	for i, o := range origins {
		origins[i] = strings.TrimSpace(o)
	}
	handler := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedHeaders([]string{"content-type"}),
	)(router)

	return handler.ServeHTTP, a.subs.close
}

func (a *api) mount(router *mux.Router) {
	sub := router.PathPrefix("/").Subrouter()

	sub.Path("/node/stats").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleGetStats))
	sub.Path("/node/account").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleGetAccount))
	sub.Path("/node/peers").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleGetPeers))

	sub.Path("/capsules").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleListCapsules))
	sub.Path("/capsules").Methods(http.MethodPost).HandlerFunc(wrapHandlerFunc(a.handlePublishCapsule))
	sub.Path("/capsules/{id}/purchase").Methods(http.MethodPost).HandlerFunc(wrapHandlerFunc(a.handlePurchaseCapsule))

	sub.Path("/tasks").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleListTasks))
	sub.Path("/tasks").Methods(http.MethodPost).HandlerFunc(wrapHandlerFunc(a.handlePublishTask))
	sub.Path("/tasks/{id}/like").Methods(http.MethodPost).HandlerFunc(wrapHandlerFunc(a.handleLikeTask))

	sub.Path("/transfers").Methods(http.MethodPost).HandlerFunc(wrapHandlerFunc(a.handleTransfer))

	sub.Path("/transactions/recent").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleRecentTransactions))
	sub.Path("/transactions/config").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleTxConfig))
	sub.Path("/transactions/{id}").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.handleGetTransaction))

	sub.Path("/subscriptions/events").Methods(http.MethodGet).HandlerFunc(wrapHandlerFunc(a.subs.handleEvents))
}

func (a *api) handleGetStats(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, a.coord.Stats())
}

type accountView struct {
	NodeID    string `json:"nodeId"`
	AccountID string `json:"accountId"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

func (a *api) handleGetAccount(w http.ResponseWriter, _ *http.Request) error {
	balance := a.coord.Balance()
	return writeJSON(w, &accountView{
		NodeID:    a.coord.NodeID(),
		AccountID: a.coord.AccountID(),
		Available: balance.Available,
		Locked:    balance.Locked,
	})
}

func (a *api) handleGetPeers(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, a.coord.Peers())
}

func (a *api) handleListCapsules(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()
	filter := capsule.Filter{
		Type:    query.Get("type"),
		Creator: query.Get("creator"),
		Status:  query.Get("status"),
		Text:    query.Get("q"),
		Tags:    query["tag"],
	}
	if raw := query.Get("minConfidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return BadRequest(errors.WithMessage(err, "minConfidence"))
		}
		filter.MinConfidence = v
	}
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return BadRequest(errors.WithMessage(err, "limit"))
		}
		filter.Limit = v
	}
	records, err := a.coord.Capsules(filter)
	if err != nil {
		return err
	}
	views := make([]*capsule.Record, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.PublicView())
	}
	return writeJSON(w, views)
}

type publishCapsuleBody struct {
	Content    json.RawMessage `json:"content"`
	Tags       []string        `json:"tags"`
	Confidence float64         `json:"confidence"`
	Price      capsule.Price   `json:"price"`
}

func (a *api) handlePublishCapsule(w http.ResponseWriter, r *http.Request) error {
	var body publishCapsuleBody
	if err := parseJSON(r.Body, &body); err != nil {
		return BadRequest(errors.WithMessage(err, "body"))
	}
	if len(body.Content) == 0 {
		return BadRequest(errors.New("content required"))
	}
	result, err := a.coord.PublishCapsule(body.Content, body.Tags, body.Confidence, body.Price)
	if err != nil {
		return err
	}
	return writeJSON(w, result)
}

func (a *api) handlePurchaseCapsule(w http.ResponseWriter, r *http.Request) error {
	assetID := mux.Vars(r)["id"]
	result, err := a.coord.PurchaseCapsule(assetID)
	if err != nil {
		return BadRequest(err)
	}
	return writeJSON(w, result)
}

func (a *api) handleListTasks(w http.ResponseWriter, r *http.Request) error {
	tasks := a.coord.Tasks()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := tasks[:0]
		for _, task := range tasks {
			if string(task.Status) == status {
				filtered = append(filtered, task)
			}
		}
		tasks = filtered
	}
	return writeJSON(w, tasks)
}

type publishTaskBody struct {
	Description string        `json:"description"`
	Bounty      bazaar.Bounty `json:"bounty"`
	Tags        []string      `json:"tags"`
}

func (a *api) handlePublishTask(w http.ResponseWriter, r *http.Request) error {
	var body publishTaskBody
	if err := parseJSON(r.Body, &body); err != nil {
		return BadRequest(errors.WithMessage(err, "body"))
	}
	if body.Description == "" {
		return BadRequest(errors.New("description required"))
	}
	if body.Bounty.Amount <= 0 {
		return BadRequest(errors.New("bounty must be positive"))
	}
	result, err := a.coord.PublishTask(body.Description, body.Bounty, body.Tags)
	if err != nil {
		return err
	}
	return writeJSON(w, result)
}

func (a *api) handleLikeTask(w http.ResponseWriter, r *http.Request) error {
	taskID := mux.Vars(r)["id"]
	if err := a.coord.LikeTask(taskID); err != nil {
		if err == bazaar.ErrUnknownTask {
			return NotFound(err)
		}
		return BadRequest(err)
	}
	return writeJSON(w, map[string]bool{"liked": true})
}

type transferBody struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (a *api) handleTransfer(w http.ResponseWriter, r *http.Request) error {
	var body transferBody
	if err := parseJSON(r.Body, &body); err != nil {
		return BadRequest(errors.WithMessage(err, "body"))
	}
	if body.To == "" {
		return BadRequest(errors.New("to required"))
	}
	if body.Amount <= 0 {
		return BadRequest(errors.New("amount must be positive"))
	}
	receipt, err := a.coord.Transfer(body.To, body.Amount)
	if err != nil {
		return BadRequest(err)
	}
	return writeJSON(w, receipt)
}

func (a *api) handleRecentTransactions(w http.ResponseWriter, r *http.Request) error {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return BadRequest(errors.WithMessage(err, "limit"))
		}
		limit = v
	}
	entries, err := a.coord.RecentEntries(limit)
	if err != nil {
		return err
	}
	return writeJSON(w, entries)
}

func (a *api) handleTxConfig(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, a.coord.TxConfigView())
}

func (a *api) handleGetTransaction(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, a.coord.TxStatus(mux.Vars(r)["id"]))
}
