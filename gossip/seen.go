// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// seenSet remembers recently observed message ids so each message is
// delivered and relayed at most once. Entries expire after a TTL; the LRU
// bounds memory when the mesh is noisy.
type seenSet struct {
	cache *lru.Cache
	ttl   time.Duration
}

func newSeenSet(limit int, ttl time.Duration) (*seenSet, error) {
	cache, err := lru.New(limit)
	if err != nil {
		return nil, err
	}
	return &seenSet{cache: cache, ttl: ttl}, nil
}

// CheckAndMark marks id as seen and reports whether it was already seen
// within the TTL.
func (s *seenSet) CheckAndMark(id string) (dup bool) {
	now := time.Now()
	if v, ok := s.cache.Get(id); ok {
		if now.Sub(v.(time.Time)) <= s.ttl {
			return true
		}
	}
	s.cache.Add(id, now)
	return false
}

// Len returns the number of tracked ids.
func (s *seenSet) Len() int {
	return s.cache.Len()
}
