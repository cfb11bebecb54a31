// Package mesh implements the gossip control plane: the peer table, signed
// message broadcast with parallel fan-out, periodic peer exchange,
// capability summaries for cross-coordinator routing, and per-peer
// reconnection backoff.
package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Table is the live peer set keyed by peerId. Entries age out once their
// lastSeenMs falls a full TTL behind the sweep clock.
type Table struct {
	mu      sync.RWMutex
	entries map[string]models.PeerEntry
	selfID  string
	ttl     time.Duration
}

func NewTable(selfID string, ttl time.Duration) *Table {
	return &Table{
		entries: make(map[string]models.PeerEntry),
		selfID:  selfID,
		ttl:     ttl,
	}
}

// Upsert installs or refreshes a peer. lastSeenMs only moves forward.
// Returns whether the peer was new and whether its public key changed.
func (t *Table) Upsert(id models.PeerIdentity, seenMs int64) (isNew, keyChanged bool) {
	if id.PeerID == "" || id.PeerID == t.selfID {
		return false, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, exists := t.entries[id.PeerID]
	if !exists {
		t.entries[id.PeerID] = models.PeerEntry{Identity: id, LastSeenMs: seenMs}
		return true, false
	}
	keyChanged = cur.Identity.PublicKeyPEM != "" && id.PublicKeyPEM != "" &&
		cur.Identity.PublicKeyPEM != id.PublicKeyPEM
	if seenMs > cur.LastSeenMs {
		cur.LastSeenMs = seenMs
	}
	cur.Identity = id
	t.entries[id.PeerID] = cur
	return false, keyChanged
}

// Touch advances a known peer's lastSeenMs to max(current, seenMs).
func (t *Table) Touch(peerID string, seenMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, exists := t.entries[peerID]
	if !exists {
		return false
	}
	if seenMs > cur.LastSeenMs {
		cur.LastSeenMs = seenMs
		t.entries[peerID] = cur
	}
	return true
}

func (t *Table) Get(peerID string) (models.PeerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[peerID]
	return entry, ok
}

// Snapshot returns a copy of every entry.
func (t *Table) Snapshot() []models.PeerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PeerEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// MostRecent returns up to n entries ordered by descending lastSeenMs,
// the slice peer-exchange messages are built from.
func (t *Table) MostRecent(n int) []models.PeerEntry {
	out := t.Snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenMs > out[j].LastSeenMs })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Evict removes every entry whose age has reached the TTL, returning the
// evicted peer ids. An entry exactly TTL old goes.
func (t *Table) Evict(nowMs int64) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ttlMs := t.ttl.Milliseconds()
	var evicted []string
	for id, e := range t.entries {
		if nowMs-e.LastSeenMs >= ttlMs {
			delete(t.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
