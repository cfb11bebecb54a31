package mesh

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Reconnection schedule: 500ms, 1s, 2s, ... capped at 30s, each step
// jittered ±10%. After maxAttempts consecutive failures the peer is
// parked until an operator or peer-exchange re-learning revives it.
const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	backoffJitter = 0.10
	maxAttempts   = 8
)

type backoffState struct {
	attempts      int
	nextAllowedMs int64
	gaveUp        bool
}

// Reconnector tracks per-peer delivery backoff.
type Reconnector struct {
	mu    sync.Mutex
	peers map[string]*backoffState
	now   func() int64
	randf func() float64
}

func NewReconnector() *Reconnector {
	return &Reconnector{
		peers: make(map[string]*backoffState),
		now:   func() int64 { return time.Now().UnixMilli() },
		randf: rand.Float64,
	}
}

// Allow reports whether a delivery attempt to peerID may proceed now.
func (r *Reconnector) Allow(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[peerID]
	if !ok {
		return true
	}
	if st.gaveUp {
		return false
	}
	return r.now() >= st.nextAllowedMs
}

// GaveUp reports whether peerID exhausted its attempts.
func (r *Reconnector) GaveUp(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[peerID]
	return ok && st.gaveUp
}

// Success clears all backoff state for peerID.
func (r *Reconnector) Success(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Failure records a failed delivery and schedules the next attempt.
func (r *Reconnector) Failure(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[peerID]
	if !ok {
		st = &backoffState{}
		r.peers[peerID] = st
	}
	st.attempts++
	if st.attempts >= maxAttempts {
		st.gaveUp = true
		return
	}
	st.nextAllowedMs = r.now() + r.delayFor(st.attempts).Milliseconds()
}

// Reset revives a parked peer, used when peer-exchange re-learns it.
func (r *Reconnector) Reset(peerID string) {
	r.Success(peerID)
}

// delayFor computes the jittered delay after the given attempt count.
// Caller holds the lock (for randf).
func (r *Reconnector) delayFor(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	// jitter in [1-j, 1+j]
	d *= 1 + backoffJitter*(2*r.randf()-1)
	return time.Duration(d)
}
