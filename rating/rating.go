// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package rating scores worker nodes from their task history. The speed
// component is an exponentially weighted moving average of per-task
// latency scores; completions and likes raise the score, failures sink it.
package rating

import (
	"database/sql"
	"math"

	"github.com/inconshreveable/log15"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/metrics"
)

var log = log15.New("pkg", "rating")

var (
	metricCompletions = metrics.Counter("rating_completions_total")
	metricFailures    = metrics.Counter("rating_failures_total")
	metricLikes       = metrics.Counter("rating_likes_total")
)

const (
	ratingTableSchema = `CREATE TABLE IF NOT EXISTS node_rating (
	node_id TEXT PRIMARY KEY,
	ewma REAL NOT NULL DEFAULT 0,
	sampled INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	likes INTEGER NOT NULL DEFAULT 0,
	score INTEGER NOT NULL DEFAULT 0
);`
	likeTableSchema = `CREATE TABLE IF NOT EXISTS task_like (
	task_id TEXT PRIMARY KEY,
	winner_node_id TEXT NOT NULL,
	liked_by TEXT NOT NULL
);`
)

// Params tune the scoring formula.
type Params struct {
	Alpha     float64
	TargetMs  int64
	MinTasks  int64
	Threshold int64
}

// DefaultParams is the production scoring configuration.
var DefaultParams = Params{
	Alpha:     0.2,
	TargetMs:  30 * 60 * 1000,
	MinTasks:  10,
	Threshold: 10,
}

// Record is a node's rating row.
type Record struct {
	NodeID    string  `json:"nodeId"`
	EWMA      float64 `json:"ewma"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Likes     int64   `json:"likes"`
	Score     int64   `json:"score"`
}

// ErrDuplicateLike is returned when a task already carries a like.
var ErrDuplicateLike = errors.New("task already liked")

// Engine persists ratings in a sqlite database.
type Engine struct {
	path   string
	db     *sql.DB
	params Params
}

// New creates or opens the rating db at the given path.
func New(path string, params Params) (engine *Engine, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if engine == nil {
			db.Close()
		}
	}()
	// the engine serializes writes through a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ratingTableSchema + likeTableSchema); err != nil {
		return nil, err
	}
	return &Engine{path, db, params}, nil
}

// NewMem creates a rating db in ram.
func NewMem(params Params) (*Engine, error) {
	return New(":memory:", params)
}

// Close closes the rating db.
func (e *Engine) Close() {
	e.db.Close()
}

// Path returns the db path.
func (e *Engine) Path() string {
	return e.path
}

// speedScore maps a task duration onto 0..10000, where hitting the
// target latency scores 10000.
func (e *Engine) speedScore(durationMs int64) int64 {
	if durationMs <= 0 {
		return 10000
	}
	score := int64(math.Round(float64(e.params.TargetMs) / float64(durationMs) * 10000))
	if score < 0 {
		return 0
	}
	if score > 10000 {
		return 10000
	}
	return score
}

func deriveScore(ewma float64, completed, failed, likes int64) int64 {
	score := int64(math.Round(ewma)) + 2*completed + likes - 10*failed
	if score < 0 {
		return 0
	}
	return score
}

// RecordCompletion folds a finished task into the node's rating.
func (e *Engine) RecordCompletion(nodeID string, durationMs int64) error {
	rec, sampled, err := e.load(nodeID)
	if err != nil {
		return err
	}
	speed := float64(e.speedScore(durationMs))
	if sampled {
		rec.EWMA = e.params.Alpha*speed + (1-e.params.Alpha)*rec.EWMA
	} else {
		rec.EWMA = speed
	}
	rec.Completed++
	rec.Score = deriveScore(rec.EWMA, rec.Completed, rec.Failed, rec.Likes)
	metricCompletions.Add(1)
	log.Debug("completion recorded", "node", nodeID, "durationMs", durationMs, "score", rec.Score)
	return e.save(rec, true)
}

// RecordFailure charges a failed task to the node's rating.
func (e *Engine) RecordFailure(nodeID string) error {
	rec, sampled, err := e.load(nodeID)
	if err != nil {
		return err
	}
	rec.Failed++
	rec.Score = deriveScore(rec.EWMA, rec.Completed, rec.Failed, rec.Likes)
	metricFailures.Add(1)
	log.Debug("failure recorded", "node", nodeID, "score", rec.Score)
	return e.save(rec, sampled)
}

// AddLike credits the task's winner with a like. At most one like per
// task; later likes return ErrDuplicateLike.
func (e *Engine) AddLike(taskID, winnerNodeID, likedBy string) error {
	res, err := e.db.Exec(
		"INSERT OR IGNORE INTO task_like(task_id, winner_node_id, liked_by) VALUES(?,?,?)",
		taskID, winnerNodeID, likedBy)
	if err != nil {
		return errors.Wrap(err, "record like")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "record like")
	}
	if inserted == 0 {
		return ErrDuplicateLike
	}

	rec, sampled, err := e.load(winnerNodeID)
	if err != nil {
		return err
	}
	rec.Likes++
	rec.Score = deriveScore(rec.EWMA, rec.Completed, rec.Failed, rec.Likes)
	metricLikes.Add(1)
	return e.save(rec, sampled)
}

// IsDisqualified reports whether the node has enough history to judge
// and its score fell below the threshold.
func (e *Engine) IsDisqualified(nodeID string) (bool, error) {
	rec, _, err := e.load(nodeID)
	if err != nil {
		return false, err
	}
	return rec.Completed >= e.params.MinTasks && rec.Score < e.params.Threshold, nil
}

// Get returns the node's rating row. Nodes without history get a zero row.
func (e *Engine) Get(nodeID string) (*Record, error) {
	rec, _, err := e.load(nodeID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// All returns every rated node, best score first.
func (e *Engine) All() ([]*Record, error) {
	rows, err := e.db.Query(
		"SELECT node_id, ewma, completed, failed, likes, score FROM node_rating ORDER BY score DESC, node_id ASC")
	if err != nil {
		return nil, errors.Wrap(err, "list ratings")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.NodeID, &rec.EWMA, &rec.Completed, &rec.Failed, &rec.Likes, &rec.Score); err != nil {
			return nil, errors.Wrap(err, "scan rating")
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (e *Engine) load(nodeID string) (*Record, bool, error) {
	rec := &Record{NodeID: nodeID}
	var sampled int64
	err := e.db.QueryRow(
		"SELECT ewma, sampled, completed, failed, likes, score FROM node_rating WHERE node_id = ?",
		nodeID).Scan(&rec.EWMA, &sampled, &rec.Completed, &rec.Failed, &rec.Likes, &rec.Score)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "load rating")
	}
	return rec, sampled != 0, nil
}

func (e *Engine) save(rec *Record, sampled bool) error {
	sampledFlag := 0
	if sampled {
		sampledFlag = 1
	}
	_, err := e.db.Exec(
		`INSERT INTO node_rating(node_id, ewma, sampled, completed, failed, likes, score)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(node_id) DO UPDATE SET
		ewma=excluded.ewma, sampled=excluded.sampled, completed=excluded.completed,
		failed=excluded.failed, likes=excluded.likes, score=excluded.score`,
		rec.NodeID, rec.EWMA, sampledFlag, rec.Completed, rec.Failed, rec.Likes, rec.Score)
	return errors.Wrap(err, "save rating")
}
