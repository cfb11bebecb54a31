// Package behavior detects hostile agents from their rolling activity
// record. Observations stream in from the scheduler and trust layer:
//
//  1. Task results: duration, output size, output hash, success
//  2. Protocol signals: signature failures, replays, rate-limit hits
//  3. Lifecycle: registrations, claims, requeues, heartbeat gaps
//
// Stats are derived on demand over a sliding window and fed through ten
// detection rules; verdicts drive the strike-based auto-blacklister.
// Nothing here is stored as truth, the tracker is rebuilt from live
// traffic after a restart.
package behavior

import (
	"math"
	"sync"
	"time"

	"github.com/edgecoder/coordinator/pkg/models"
)

const (
	defaultWindow = time.Hour

	// Registration counting uses a tighter window than the rest of the
	// stats: a storm is bursty by definition.
	registrationWindowMs = 10 * 60 * 1000
)

type resultSample struct {
	atMs       int64
	durationMs int64
	outputLen  int
	outputHash string
	success    bool
}

type claimSample struct {
	atMs       int64
	concurrent int
}

type gapSample struct {
	atMs  int64
	gapMs int64
}

// agentLog is the raw observation record for one agent.
type agentLog struct {
	results       []resultSample
	claims        []claimSample
	gaps          []gapSample
	sigFailures   []int64
	replays       []int64
	rateLimits    []int64
	registrations []int64
	requeues      []int64
}

func (a *agentLog) empty() bool {
	return len(a.results) == 0 && len(a.claims) == 0 && len(a.gaps) == 0 &&
		len(a.sigFailures) == 0 && len(a.replays) == 0 && len(a.rateLimits) == 0 &&
		len(a.registrations) == 0 && len(a.requeues) == 0
}

// Tracker keeps per-agent observation logs over a sliding window.
type Tracker struct {
	mu       sync.Mutex
	agents   map[string]*agentLog
	windowMs int64
	now      func() int64
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = defaultWindow
	}
	return &Tracker{
		agents:   make(map[string]*agentLog),
		windowMs: window.Milliseconds(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

func (t *Tracker) logFor(agentID string) *agentLog {
	a, ok := t.agents[agentID]
	if !ok {
		a = &agentLog{}
		t.agents[agentID] = a
	}
	return a
}

// RecordResult logs one completed task observation.
func (t *Tracker) RecordResult(agentID string, durationMs int64, outputLen int, outputHash string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.logFor(agentID)
	a.results = append(a.results, resultSample{
		atMs: t.now(), durationMs: durationMs, outputLen: outputLen,
		outputHash: outputHash, success: success,
	})
}

// RecordSignatureFailure logs a failed request or result signature.
func (t *Tracker) RecordSignatureFailure(agentID string) { t.mark(agentID, markSigFailure) }

// RecordReplay logs a rejected nonce replay.
func (t *Tracker) RecordReplay(agentID string) { t.mark(agentID, markReplay) }

// RecordRateLimited logs a rate-limiter rejection.
func (t *Tracker) RecordRateLimited(agentID string) { t.mark(agentID, markRateLimit) }

// RecordRegistration logs one agent registration.
func (t *Tracker) RecordRegistration(agentID string) { t.mark(agentID, markRegistration) }

// RecordRequeue logs work taken back from the agent.
func (t *Tracker) RecordRequeue(agentID string) { t.mark(agentID, markRequeue) }

type markKind int

const (
	markSigFailure markKind = iota
	markReplay
	markRateLimit
	markRegistration
	markRequeue
)

func (t *Tracker) mark(agentID string, kind markKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.logFor(agentID)
	nowMs := t.now()
	switch kind {
	case markSigFailure:
		a.sigFailures = append(a.sigFailures, nowMs)
	case markReplay:
		a.replays = append(a.replays, nowMs)
	case markRateLimit:
		a.rateLimits = append(a.rateLimits, nowMs)
	case markRegistration:
		a.registrations = append(a.registrations, nowMs)
	case markRequeue:
		a.requeues = append(a.requeues, nowMs)
	}
}

// RecordClaim logs a claim along with the agent's concurrent claim count
// at that moment.
func (t *Tracker) RecordClaim(agentID string, concurrent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.logFor(agentID)
	a.claims = append(a.claims, claimSample{atMs: t.now(), concurrent: concurrent})
}

// RecordHeartbeatGap logs a heartbeat silence observed while the agent
// still held claimed work.
func (t *Tracker) RecordHeartbeatGap(agentID string, gapMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.logFor(agentID)
	a.gaps = append(a.gaps, gapSample{atMs: t.now(), gapMs: gapMs})
}

// Stats derives the rolling-window view for one agent, pruning expired
// observations as a side effect.
func (t *Tracker) Stats(agentID string) models.AgentBehaviorStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := models.AgentBehaviorStats{AgentID: agentID, WindowMs: t.windowMs}
	a, ok := t.agents[agentID]
	if !ok {
		return stats
	}
	nowMs := t.now()
	t.pruneLocked(a, nowMs)
	if a.empty() {
		delete(t.agents, agentID)
		return stats
	}

	stats.SignatureFailures = len(a.sigFailures)
	stats.ReplayAttempts = len(a.replays)
	stats.RateLimitHits = len(a.rateLimits)
	stats.Requeues = len(a.requeues)
	stats.ClaimCount = len(a.claims)
	for _, c := range a.claims {
		if c.concurrent > stats.ConcurrentClaims {
			stats.ConcurrentClaims = c.concurrent
		}
	}
	for _, g := range a.gaps {
		if g.gapMs > stats.MaxHeartbeatGapMs {
			stats.MaxHeartbeatGapMs = g.gapMs
		}
	}
	// Storm window, not the full stats window.
	stormCutoff := nowMs - registrationWindowMs
	for _, ts := range a.registrations {
		if ts > stormCutoff {
			stats.Registrations++
		}
	}

	deriveResultStats(&stats, a.results)
	return stats
}

// TrackedAgents lists agents with live observations.
func (t *Tracker) TrackedAgents() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.agents))
	for agentID := range t.agents {
		out = append(out, agentID)
	}
	return out
}

func (t *Tracker) pruneLocked(a *agentLog, nowMs int64) {
	cutoff := nowMs - t.windowMs
	a.results = pruneSamples(a.results, cutoff, func(s resultSample) int64 { return s.atMs })
	a.claims = pruneSamples(a.claims, cutoff, func(s claimSample) int64 { return s.atMs })
	a.gaps = pruneSamples(a.gaps, cutoff, func(s gapSample) int64 { return s.atMs })
	a.sigFailures = pruneSamples(a.sigFailures, cutoff, func(ts int64) int64 { return ts })
	a.replays = pruneSamples(a.replays, cutoff, func(ts int64) int64 { return ts })
	a.rateLimits = pruneSamples(a.rateLimits, cutoff, func(ts int64) int64 { return ts })
	a.registrations = pruneSamples(a.registrations, cutoff, func(ts int64) int64 { return ts })
	a.requeues = pruneSamples(a.requeues, cutoff, func(ts int64) int64 { return ts })
}

// pruneSamples keeps entries newer than cutoff. Entries arrive in time
// order, so the survivors are a suffix.
func pruneSamples[S any](samples []S, cutoff int64, at func(S) int64) []S {
	keep := 0
	for keep < len(samples) && at(samples[keep]) <= cutoff {
		keep++
	}
	if keep == 0 {
		return samples
	}
	return append(samples[:0], samples[keep:]...)
}

func deriveResultStats(stats *models.AgentBehaviorStats, results []resultSample) {
	if len(results) == 0 {
		return
	}
	stats.TasksTotal = len(results)

	var (
		durationSum  float64
		successLen   int
		run, bestRun int
		prevHash     string
	)
	stats.DurationMinMs = results[0].durationMs
	for _, r := range results {
		if r.success {
			stats.TasksSucceeded++
			successLen += r.outputLen
		}
		if r.outputLen == 0 {
			stats.TasksEmpty++
		}
		durationSum += float64(r.durationMs)
		if r.durationMs < stats.DurationMinMs {
			stats.DurationMinMs = r.durationMs
		}
		if r.durationMs < fastTaskFloorMs {
			stats.SuspiciouslyFast++
		}
		if r.outputHash != "" && r.outputHash == prevHash {
			run++
		} else {
			run = 1
		}
		if run > bestRun {
			bestRun = run
		}
		prevHash = r.outputHash
	}
	stats.IdenticalRun = bestRun
	stats.DurationMeanMs = durationSum / float64(len(results))

	var varianceSum float64
	for _, r := range results {
		diff := float64(r.durationMs) - stats.DurationMeanMs
		varianceSum += diff * diff
	}
	stats.DurationStddevMs = math.Sqrt(varianceSum / float64(len(results)))

	if stats.TasksSucceeded > 0 {
		stats.AvgOutputLen = float64(successLen) / float64(stats.TasksSucceeded)
	}
}
