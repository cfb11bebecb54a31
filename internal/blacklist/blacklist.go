// Package blacklist maintains the hash-chained audit log of agent bans
// and the active enforcement set derived from it. Events originate
// locally from behavioral defense or operators, or arrive from federated
// coordinators over gossip; both paths append to the same chain.
package blacklist

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Filter sizing: federation-scale ban sets stay rare, so a small filter
// keeps the claim-path precheck allocation-free.
const (
	filterCapacity = 100_000
	filterFPRate   = 0.01
)

// KeyFn resolves a peer or agent id to its current public key, nil when
// unknown.
type KeyFn func(id string) ed25519.PublicKey

type Options struct {
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Store    store.Store
	Identity *identity.Identity

	// ReporterKey verifies accusation signatures (agents and phones).
	ReporterKey KeyFn
	// CoordinatorKey verifies federated event signatures.
	CoordinatorKey KeyFn
}

// List owns the audit chain and the active ban set. Claim-path checks
// hit a bloom prefilter first; only possible members touch the map.
type List struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store
	id      *identity.Identity

	reporterKey    KeyFn
	coordinatorKey KeyFn

	mu        sync.RWMutex
	records   []models.BlacklistRecord
	hashes    map[string]struct{}
	active    map[string]models.BlacklistRecord
	filter    *bloom.BloomFilter
	suspended bool
	onAccept  func(models.BlacklistRecord)
	now       func() int64
}

func New(opts Options) *List {
	return &List{
		log:            opts.Log,
		metrics:        opts.Metrics,
		store:          opts.Store,
		id:             opts.Identity,
		reporterKey:    opts.ReporterKey,
		coordinatorKey: opts.CoordinatorKey,
		hashes:         make(map[string]struct{}),
		active:         make(map[string]models.BlacklistRecord),
		filter:         bloom.NewWithEstimates(filterCapacity, filterFPRate),
		now:            func() int64 { return time.Now().UnixMilli() },
	}
}

// SetAcceptHook installs the propagation callback fired for every event
// appended to the chain, local or federated.
func (l *List) SetAcceptHook(fn func(models.BlacklistRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAccept = fn
}

// Restore reloads the audit chain. A chain that fails verification
// comes up suspended but still enforces the bans it carries.
func (l *List) Restore(ctx context.Context) {
	if l.store == nil {
		return
	}
	records, err := l.store.ListBlacklistEvents(ctx)
	if err != nil {
		l.log.Warn("Blacklist chain reload failed", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	l.mu.Lock()
	l.records = records
	for _, rec := range records {
		l.hashes[rec.EventHash] = struct{}{}
		l.installLocked(rec)
	}
	l.metrics.BlacklistSize.Set(float64(len(l.active)))
	l.mu.Unlock()

	verdict := l.VerifyAudit()
	if !verdict.OK {
		l.mu.Lock()
		l.suspended = true
		l.mu.Unlock()
		l.log.Error("Blacklist chain verification failed, chain suspended",
			zap.String("reason", verdict.Reason),
			zap.Int64("breakpoint", verdict.Breakpoint))
		return
	}
	l.log.Info("Restored blacklist chain", zap.Int("events", len(records)))
}

// Report appends a locally-originated ban. The reporter signature is
// verified when present; an unverifiable accusation is still recorded,
// with evidenceSignatureVerified false baked into the event hash.
func (l *List) Report(ctx context.Context, input models.BlacklistEvidenceInput) (models.BlacklistRecord, error) {
	if input.AgentID == "" || input.ReasonCode == "" {
		return models.BlacklistRecord{}, protocol.Ef(protocol.KindBadRequest, "agentId and reasonCode are required")
	}
	if input.EvidenceHashSha256 != "" {
		if raw, err := hex.DecodeString(input.EvidenceHashSha256); err != nil || len(raw) != 32 {
			return models.BlacklistRecord{}, protocol.Ef(protocol.KindInvalidDataHex,
				"evidenceHashSha256 must be 32 bytes of hex")
		}
	}

	verified := l.verifyEvidence(input)

	l.mu.Lock()
	if l.suspended {
		l.mu.Unlock()
		return models.BlacklistRecord{}, protocol.Ef(protocol.KindChainBreak, "blacklist chain is suspended")
	}

	ts := input.TimestampMs
	if ts == 0 {
		ts = l.now()
	}
	rec := models.BlacklistRecord{
		EventID:                   uuid.NewString(),
		AgentID:                   input.AgentID,
		Reason:                    input.Reason,
		ReasonCode:                input.ReasonCode,
		EvidenceHashSha256:        input.EvidenceHashSha256,
		ReporterID:                input.ReporterID,
		ReporterSignature:         input.ReporterSignature,
		EvidenceSignatureVerified: verified,
		SourceCoordinatorID:       l.id.PeerID,
		TimestampMs:               ts,
		ExpiresAtMs:               input.ExpiresAtMs,
		PrevEventHash:             l.tailLocked(),
	}
	canonical, err := protocol.CanonicalBlacklistEvent(&rec)
	if err != nil {
		l.mu.Unlock()
		return models.BlacklistRecord{}, err
	}
	rec.EventHash = protocol.SHA256Hex(canonical)
	rec.CoordinatorSignature = l.id.Sign([]byte(rec.EventHash))

	hook := l.acceptLocked(rec)
	l.mu.Unlock()

	l.persist(ctx, rec)
	l.log.Warn("Agent blacklisted",
		zap.String("agentId", rec.AgentID),
		zap.String("reasonCode", rec.ReasonCode),
		zap.Bool("evidenceVerified", rec.EvidenceSignatureVerified))
	if hook != nil {
		hook(rec)
	}
	return rec, nil
}

// Ingest validates a federated event and chains it locally. The event
// must hash clean, carry a valid source-coordinator signature, and build
// on this coordinator's current chain tail.
func (l *List) Ingest(ctx context.Context, rec models.BlacklistRecord) error {
	l.mu.RLock()
	_, seen := l.hashes[rec.EventHash]
	l.mu.RUnlock()
	if seen {
		return protocol.E(protocol.KindDuplicateMessage)
	}

	canonical, err := protocol.CanonicalBlacklistEvent(&rec)
	if err != nil {
		return err
	}
	if protocol.SHA256Hex(canonical) != rec.EventHash {
		return protocol.E(protocol.KindHashMismatch)
	}
	key := l.coordinatorKey(rec.SourceCoordinatorID)
	if key == nil || !protocol.Verify(key, []byte(rec.EventHash), rec.CoordinatorSignature) {
		return protocol.E(protocol.KindCoordinatorSigError)
	}

	l.mu.Lock()
	if l.suspended {
		l.mu.Unlock()
		return protocol.Ef(protocol.KindChainBreak, "blacklist chain is suspended")
	}
	if rec.PrevEventHash != l.tailLocked() {
		l.mu.Unlock()
		return protocol.E(protocol.KindChainBreak)
	}
	hook := l.acceptLocked(rec)
	l.mu.Unlock()

	l.persist(ctx, rec)
	l.log.Info("Federated blacklist event chained",
		zap.String("agentId", rec.AgentID),
		zap.String("sourceCoordinatorId", rec.SourceCoordinatorID))
	if hook != nil {
		hook(rec)
	}
	return nil
}

func (l *List) verifyEvidence(input models.BlacklistEvidenceInput) bool {
	if input.ReporterSignature == "" || input.ReporterID == "" || l.reporterKey == nil {
		return false
	}
	key := l.reporterKey(input.ReporterID)
	if key == nil {
		return false
	}
	canonical, err := protocol.CanonicalEvidence(&input)
	if err != nil {
		return false
	}
	return protocol.Verify(key, canonical, input.ReporterSignature)
}

func (l *List) tailLocked() string {
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].EventHash
}

// acceptLocked appends the record and refreshes the enforcement set,
// returning the hook to fire after unlock.
func (l *List) acceptLocked(rec models.BlacklistRecord) func(models.BlacklistRecord) {
	l.records = append(l.records, rec)
	l.hashes[rec.EventHash] = struct{}{}
	l.installLocked(rec)
	l.metrics.BlacklistSize.Set(float64(len(l.active)))
	if l.onAccept == nil {
		return nil
	}
	hook := l.onAccept
	return func(r models.BlacklistRecord) { hook(r) }
}

func (l *List) installLocked(rec models.BlacklistRecord) {
	if rec.ExpiresAtMs != 0 && rec.ExpiresAtMs <= l.now() {
		return
	}
	l.active[rec.AgentID] = rec
	l.filter.AddString(rec.AgentID)
}

func (l *List) persist(ctx context.Context, rec models.BlacklistRecord) {
	if l.store == nil {
		return
	}
	if err := l.store.AppendBlacklistEvent(ctx, rec); err != nil {
		l.log.Warn("Blacklist event persistence failed",
			zap.String("eventId", rec.EventID), zap.Error(err))
	}
}

// IsBlacklisted reports whether an agent is actively banned. The bloom
// filter rejects the common clean-agent case without a map lookup;
// positives are confirmed against the active set and its expiries.
func (l *List) IsBlacklisted(agentID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.filter.TestString(agentID) {
		return false
	}
	rec, ok := l.active[agentID]
	if !ok {
		return false
	}
	return rec.ExpiresAtMs == 0 || rec.ExpiresAtMs > l.now()
}

// Get returns the active ban for an agent, if any.
func (l *List) Get(agentID string) (models.BlacklistRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.active[agentID]
	if !ok || (rec.ExpiresAtMs != 0 && rec.ExpiresAtMs <= l.now()) {
		return models.BlacklistRecord{}, false
	}
	return rec, true
}

// Active lists current bans.
func (l *List) Active() []models.BlacklistRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	nowMs := l.now()
	out := make([]models.BlacklistRecord, 0, len(l.active))
	for _, rec := range l.active {
		if rec.ExpiresAtMs == 0 || rec.ExpiresAtMs > nowMs {
			out = append(out, rec)
		}
	}
	return out
}

// Audit copies the full chain, oldest first.
func (l *List) Audit() []models.BlacklistRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.BlacklistRecord(nil), l.records...)
}

// Sweep drops expired bans from the enforcement set and rebuilds the
// prefilter around what remains.
func (l *List) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now()
	removed := 0
	for agentID, rec := range l.active {
		if rec.ExpiresAtMs != 0 && rec.ExpiresAtMs <= nowMs {
			delete(l.active, agentID)
			removed++
		}
	}
	if removed > 0 {
		l.filter.ClearAll()
		for agentID := range l.active {
			l.filter.AddString(agentID)
		}
		l.metrics.BlacklistSize.Set(float64(len(l.active)))
	}
	return removed
}

// VerifyAudit walks the local chain: linkage, recomputed hashes, and
// source coordinator signatures. Breakpoint is the zero-based event
// index.
func (l *List) VerifyAudit() models.ChainVerification {
	l.mu.RLock()
	records := append([]models.BlacklistRecord(nil), l.records...)
	l.mu.RUnlock()

	keyFor := l.coordinatorKey
	selfID := l.id.PeerID
	selfKey := l.id.Public
	return VerifyRecords(records, func(id string) ed25519.PublicKey {
		if id == selfID {
			return selfKey
		}
		if keyFor == nil {
			return nil
		}
		return keyFor(id)
	})
}

// VerifyRecords checks an arbitrary blacklist chain snapshot against a
// key resolver. Used for local audits and for verifying exported chains
// offline.
func VerifyRecords(records []models.BlacklistRecord, keyFor KeyFn) models.ChainVerification {
	prevHash := ""
	for i, rec := range records {
		if rec.PrevEventHash != prevHash {
			return failVerdict(protocol.KindChainBreak, int64(i), len(records))
		}
		canonical, err := protocol.CanonicalBlacklistEvent(&rec)
		if err != nil || protocol.SHA256Hex(canonical) != rec.EventHash {
			return failVerdict(protocol.KindHashMismatch, int64(i), len(records))
		}
		var key ed25519.PublicKey
		if keyFor != nil {
			key = keyFor(rec.SourceCoordinatorID)
		}
		if key == nil || !protocol.Verify(key, []byte(rec.EventHash), rec.CoordinatorSignature) {
			return failVerdict(protocol.KindCoordinatorSigError, int64(i), len(records))
		}
		prevHash = rec.EventHash
	}
	return models.ChainVerification{OK: true, Breakpoint: -1, Length: len(records)}
}

func failVerdict(kind protocol.Kind, breakpoint int64, length int) models.ChainVerification {
	return models.ChainVerification{
		OK:         false,
		Reason:     string(kind),
		Breakpoint: breakpoint,
		Length:     length,
	}
}
