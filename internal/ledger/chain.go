// Package ledger holds the coordinator's hash-chained records: the
// ordering chain of queue events, the quorum consensus ledger, rolling
// token issuance, and checkpoint anchoring. Chains are append-only;
// verification failures are never repaired in place, they suspend the
// chain for operator action.
package ledger

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Chain is the single append-only ordering chain of this coordinator.
// Sequences start at 1; the genesis predecessor is the empty hash.
type Chain struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store
	id      *identity.Identity

	mu        sync.Mutex
	records   []models.QueueEventRecord
	suspended bool
	onSuspend func(reason string)
	now       func() int64
}

func NewChain(id *identity.Identity, st store.Store, m *metrics.Metrics, log *zap.Logger) *Chain {
	return &Chain{
		log:     log,
		metrics: m,
		store:   st,
		id:      id,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetSuspendHook installs a callback fired once when the chain suspends.
func (c *Chain) SetSuspendHook(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSuspend = fn
}

// Restore reloads the chain from persistence and verifies the full walk.
// A chain that fails verification comes up suspended.
func (c *Chain) Restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	records, err := c.store.ListQueueEvents(ctx, 0, 0)
	if err != nil {
		c.log.Warn("Ordering chain reload failed", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	keyFor := func(string) ed25519.PublicKey { return c.id.Public }
	verdict := VerifyChain(records, keyFor)

	c.mu.Lock()
	c.records = records
	c.metrics.ChainHeight.WithLabelValues("ordering").Set(float64(records[len(records)-1].Sequence))
	c.mu.Unlock()

	if !verdict.OK {
		c.suspend(verdict.Reason, verdict.Breakpoint)
		return
	}
	c.log.Info("Restored ordering chain", zap.Int("records", len(records)))
}

// Append hashes, signs and appends one event. Appends are refused while
// the chain is suspended.
func (c *Chain) Append(eventType, taskID, subtaskID, actorID, payloadJSON string) (models.QueueEventRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return models.QueueEventRecord{}, protocol.Ef(protocol.KindChainBreak, "ordering chain is suspended")
	}

	rec := models.QueueEventRecord{
		ID:            uuid.NewString(),
		EventType:     eventType,
		TaskID:        taskID,
		SubtaskID:     subtaskID,
		ActorID:       actorID,
		CoordinatorID: c.id.PeerID,
		Sequence:      1,
		IssuedAtMs:    c.now(),
	}
	if tail := len(c.records); tail > 0 {
		rec.Sequence = c.records[tail-1].Sequence + 1
		rec.PrevHash = c.records[tail-1].Hash
	}
	rec.PayloadJSON = payloadJSON

	return c.appendLocked(rec)
}

// Checkpoint appends a checkpoint event capturing the current head, and
// returns it. The checkpoint hash is what anchoring embeds externally.
func (c *Chain) Checkpoint() (models.QueueEventRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.suspended {
		return models.QueueEventRecord{}, protocol.Ef(protocol.KindChainBreak, "ordering chain is suspended")
	}
	if len(c.records) == 0 {
		return models.QueueEventRecord{}, protocol.Ef(protocol.KindBadRequest, "cannot checkpoint an empty chain")
	}

	tail := c.records[len(c.records)-1]
	rec := models.QueueEventRecord{
		ID:               uuid.NewString(),
		EventType:        models.EventCheckpoint,
		ActorID:          c.id.PeerID,
		CoordinatorID:    c.id.PeerID,
		Sequence:         tail.Sequence + 1,
		IssuedAtMs:       c.now(),
		PrevHash:         tail.Hash,
		CheckpointHeight: tail.Sequence,
		CheckpointHash:   tail.Hash,
	}
	return c.appendLocked(rec)
}

func (c *Chain) appendLocked(rec models.QueueEventRecord) (models.QueueEventRecord, error) {
	canonical, err := protocol.CanonicalQueueEvent(&rec)
	if err != nil {
		return models.QueueEventRecord{}, err
	}
	rec.Hash = protocol.SHA256Hex(canonical)
	rec.Signature = c.id.Sign([]byte(rec.Hash))

	c.records = append(c.records, rec)
	c.metrics.ChainHeight.WithLabelValues("ordering").Set(float64(rec.Sequence))
	if c.store != nil {
		if err := c.store.AppendQueueEvent(context.Background(), rec); err != nil {
			c.log.Warn("Queue event persistence failed",
				zap.Int64("sequence", rec.Sequence), zap.Error(err))
		}
	}
	return rec, nil
}

// Verify walks the whole in-memory chain under this coordinator's key.
// A failed walk suspends the chain.
func (c *Chain) Verify() models.ChainVerification {
	c.mu.Lock()
	records := append([]models.QueueEventRecord(nil), c.records...)
	c.mu.Unlock()

	verdict := VerifyChain(records, func(string) ed25519.PublicKey { return c.id.Public })
	if !verdict.OK {
		c.suspend(verdict.Reason, verdict.Breakpoint)
	}
	return verdict
}

func (c *Chain) suspend(reason string, breakpoint int64) {
	c.mu.Lock()
	already := c.suspended
	c.suspended = true
	hook := c.onSuspend
	c.mu.Unlock()

	if already {
		return
	}
	c.log.Error("Ordering chain verification failed, chain suspended",
		zap.Bool("critical", true),
		zap.String("reason", reason),
		zap.Int64("breakpoint", breakpoint))
	if hook != nil {
		hook(reason)
	}
}

// Suspended reports whether the chain has been taken out of service.
func (c *Chain) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspended
}

// Head returns the tail record, if any.
func (c *Chain) Head() (models.QueueEventRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		return models.QueueEventRecord{}, false
	}
	return c.records[len(c.records)-1], true
}

// Snapshot copies records starting at fromSequence, up to limit entries.
// A non-positive limit means all.
func (c *Chain) Snapshot(fromSequence int64, limit int) []models.QueueEventRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.QueueEventRecord, 0, len(c.records))
	for _, rec := range c.records {
		if rec.Sequence < fromSequence {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Length returns the record count.
func (c *Chain) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// VerifyChain walks records from genesis, checking sequence continuity,
// prev-hash linkage, recomputed hashes and signatures. The first failure
// wins; its sequence is reported as the breakpoint.
func VerifyChain(records []models.QueueEventRecord, keyFor func(coordinatorID string) ed25519.PublicKey) models.ChainVerification {
	prevHash := ""
	prevSeq := int64(0)
	for _, rec := range records {
		if rec.Sequence != prevSeq+1 {
			return verdict(protocol.KindSequenceGap, rec.Sequence, len(records))
		}
		if rec.PrevHash != prevHash {
			return verdict(protocol.KindChainBreak, rec.Sequence, len(records))
		}
		canonical, err := protocol.CanonicalQueueEvent(&rec)
		if err != nil || protocol.SHA256Hex(canonical) != rec.Hash {
			return verdict(protocol.KindHashMismatch, rec.Sequence, len(records))
		}
		key := keyFor(rec.CoordinatorID)
		if key == nil || !protocol.Verify(key, []byte(rec.Hash), rec.Signature) {
			return verdict(protocol.KindInvalidSignature, rec.Sequence, len(records))
		}
		prevHash = rec.Hash
		prevSeq = rec.Sequence
	}
	return models.ChainVerification{OK: true, Breakpoint: -1, Length: len(records)}
}

func verdict(kind protocol.Kind, breakpoint int64, length int) models.ChainVerification {
	return models.ChainVerification{
		OK:         false,
		Reason:     string(kind),
		Breakpoint: breakpoint,
		Length:     length,
	}
}
