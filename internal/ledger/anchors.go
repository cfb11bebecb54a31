package ledger

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/anchor"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Broadcast retry schedule. Attempts back off exponentially from a
// minute to an hour; the budget exhausting marks the anchor failed.
const (
	anchorRetryBase    = time.Minute
	anchorRetryCap     = time.Hour
	anchorMaxAttempts  = 6
	defaultConfirmBars = 1
)

type anchorState struct {
	rec           models.AnchorRecord
	attempts      int
	nextAttemptMs int64
}

type AnchorsOptions struct {
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Store    store.Store
	Provider anchor.Provider

	// ConfirmThreshold is the confirmation depth for anchored_confirmed.
	ConfirmThreshold int64
}

// Anchors walks checkpoint hashes through the external anchoring state
// machine: pending, anchored_pending, then anchored_confirmed or failed.
type Anchors struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	store     store.Store
	provider  anchor.Provider
	threshold int64

	mu      sync.Mutex
	states  map[string]*anchorState
	order   []string
	observe func(models.AnchorRecord)
	now     func() int64
}

func NewAnchors(opts AnchorsOptions) *Anchors {
	threshold := opts.ConfirmThreshold
	if threshold <= 0 {
		threshold = defaultConfirmBars
	}
	return &Anchors{
		log:       opts.Log,
		metrics:   opts.Metrics,
		store:     opts.Store,
		provider:  opts.Provider,
		threshold: threshold,
		states:    make(map[string]*anchorState),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetEventSink installs a callback fired on anchor state transitions.
func (a *Anchors) SetEventSink(fn func(models.AnchorRecord)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observe = fn
}

func (a *Anchors) emit(rec models.AnchorRecord) {
	a.mu.Lock()
	fn := a.observe
	a.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// Restore reloads anchor records from persistence. Unfinished anchors
// resume their state machine on the next sweep.
func (a *Anchors) Restore(ctx context.Context) {
	if a.store == nil {
		return
	}
	records, err := a.store.ListAnchors(ctx)
	if err != nil {
		a.log.Warn("Anchor reload failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range records {
		if _, ok := a.states[rec.CheckpointHash]; ok {
			continue
		}
		a.states[rec.CheckpointHash] = &anchorState{rec: rec}
		a.order = append(a.order, rec.CheckpointHash)
	}
}

// Submit registers a checkpoint hash and attempts the first broadcast.
// Resubmitting a known hash returns its current record unchanged.
func (a *Anchors) Submit(ctx context.Context, checkpointHash string) (models.AnchorRecord, error) {
	raw, err := hex.DecodeString(checkpointHash)
	if err != nil || len(raw) != 32 {
		return models.AnchorRecord{}, protocol.Ef(protocol.KindInvalidDataHex,
			"checkpoint hash must be 32 bytes of hex")
	}

	a.mu.Lock()
	if st, ok := a.states[checkpointHash]; ok {
		rec := st.rec
		a.mu.Unlock()
		return rec, nil
	}
	st := &anchorState{rec: models.AnchorRecord{
		CheckpointHash: checkpointHash,
		State:          models.AnchorPending,
		UpdatedAtMs:    a.now(),
	}}
	a.states[checkpointHash] = st
	a.order = append(a.order, checkpointHash)
	a.mu.Unlock()

	return a.broadcast(ctx, checkpointHash)
}

// broadcast performs one attempt for a pending anchor and schedules the
// next on failure.
func (a *Anchors) broadcast(ctx context.Context, checkpointHash string) (models.AnchorRecord, error) {
	a.metrics.AnchorAttempts.Inc()
	result, err := a.provider.BroadcastOpReturn(ctx, checkpointHash)

	a.mu.Lock()
	st, ok := a.states[checkpointHash]
	if !ok {
		a.mu.Unlock()
		return models.AnchorRecord{}, protocol.Ef(protocol.KindNotFound, "anchor %s does not exist", checkpointHash)
	}
	if err != nil {
		a.metrics.AnchorFailures.Inc()
		st.attempts++
		attempt := st.attempts
		if st.attempts >= anchorMaxAttempts {
			st.rec.State = models.AnchorFailed
		} else {
			st.nextAttemptMs = a.now() + a.retryDelay(st.attempts).Milliseconds()
		}
		st.rec.UpdatedAtMs = a.now()
		rec := st.rec
		a.mu.Unlock()

		a.persist(ctx, rec)
		a.log.Warn("Anchor broadcast failed",
			zap.String("checkpointHash", checkpointHash),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if rec.State == models.AnchorFailed {
			a.emit(rec)
		}
		return rec, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}

	st.rec.State = models.AnchorAnchoredPending
	st.rec.TxRef = result.TxID
	st.rec.SubmittedAtMs = a.now()
	st.rec.UpdatedAtMs = a.now()
	rec := st.rec
	a.mu.Unlock()

	a.persist(ctx, rec)
	a.log.Info("Checkpoint anchored",
		zap.String("checkpointHash", checkpointHash),
		zap.String("txRef", result.TxID))
	a.emit(rec)
	return rec, nil
}

func (a *Anchors) persist(ctx context.Context, rec models.AnchorRecord) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveAnchor(ctx, rec); err != nil {
		a.log.Warn("Anchor persistence failed",
			zap.String("checkpointHash", rec.CheckpointHash), zap.Error(err))
	}
}

func (a *Anchors) retryDelay(attempt int) time.Duration {
	delay := anchorRetryBase
	for n := 1; n < attempt && delay < anchorRetryCap; n++ {
		delay *= 2
	}
	if delay > anchorRetryCap {
		delay = anchorRetryCap
	}
	return delay
}

// Sweep retries due pending anchors and polls confirmations for
// submitted ones.
func (a *Anchors) Sweep(ctx context.Context) {
	a.mu.Lock()
	nowMs := a.now()
	var retry, poll []string
	for hash, st := range a.states {
		switch st.rec.State {
		case models.AnchorPending:
			if nowMs >= st.nextAttemptMs {
				retry = append(retry, hash)
			}
		case models.AnchorAnchoredPending:
			poll = append(poll, hash)
		}
	}
	a.mu.Unlock()

	for _, hash := range retry {
		a.broadcast(ctx, hash)
	}
	for _, hash := range poll {
		a.refresh(ctx, hash)
	}
}

func (a *Anchors) refresh(ctx context.Context, checkpointHash string) {
	a.mu.Lock()
	st, ok := a.states[checkpointHash]
	if !ok || st.rec.TxRef == "" {
		a.mu.Unlock()
		return
	}
	txRef := st.rec.TxRef
	a.mu.Unlock()

	conf, err := a.provider.GetConfirmations(ctx, txRef)
	if err != nil {
		a.log.Warn("Anchor confirmation poll failed",
			zap.String("txRef", txRef), zap.Error(err))
		return
	}

	a.mu.Lock()
	prev := st.rec.State
	st.rec.Confirmations = conf.Confirmations
	st.rec.BlockHeight = conf.BlockHeight
	if conf.Confirmed && conf.Confirmations >= a.threshold {
		st.rec.State = models.AnchorConfirmed
	}
	st.rec.UpdatedAtMs = a.now()
	rec := st.rec
	a.mu.Unlock()

	a.persist(ctx, rec)
	if rec.State == models.AnchorConfirmed {
		a.log.Info("Anchor confirmed",
			zap.String("checkpointHash", checkpointHash),
			zap.String("txRef", rec.TxRef),
			zap.Int64("confirmations", rec.Confirmations))
	}
	if rec.State != prev {
		a.emit(rec)
	}
}

// Run sweeps on the anchor interval until ctx ends.
func (a *Anchors) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Get returns the record for a checkpoint hash.
func (a *Anchors) Get(checkpointHash string) (models.AnchorRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[checkpointHash]
	if !ok {
		return models.AnchorRecord{}, false
	}
	return st.rec, true
}

// List copies all anchor records in submission order.
func (a *Anchors) List() []models.AnchorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AnchorRecord, 0, len(a.order))
	for _, hash := range a.order {
		out = append(out, a.states[hash].rec)
	}
	return out
}

// Finality maps an anchor record to the ledger finality state.
func Finality(rec models.AnchorRecord, federationFresh bool) string {
	if !federationFresh {
		return models.FinalityStaleFederation
	}
	switch rec.State {
	case models.AnchorConfirmed:
		return models.FinalityAnchored
	case models.AnchorAnchoredPending:
		return models.FinalityAnchoredPending
	default:
		return models.FinalitySoft
	}
}
