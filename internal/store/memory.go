package store

import (
	"context"
	"sort"
	"sync"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Memory is the in-process Store used when no DATABASE_URL is configured
// and throughout the test suite. Slices returned to callers are copies.
type Memory struct {
	mu sync.RWMutex

	peers    map[string]models.PeerEntry
	agents   map[string]models.AgentInfo
	subtasks map[string]models.Subtask
	results  map[string]models.SubtaskResult

	creditTxs []models.CreditTransaction
	reports   map[string]int64

	queueEvents     []models.QueueEventRecord
	blacklistEvents []models.BlacklistRecord
	quorumRecords   []models.QuorumLedgerRecord

	epochs  map[string]models.IssuanceEpoch
	allocs  map[string][]models.IssuanceAllocation
	payouts map[string][]models.IssuancePayoutEvent

	intents map[string]models.PaymentIntent
	anchors map[string]models.AnchorRecord
}

func NewMemory() *Memory {
	return &Memory{
		peers:    make(map[string]models.PeerEntry),
		agents:   make(map[string]models.AgentInfo),
		subtasks: make(map[string]models.Subtask),
		results:  make(map[string]models.SubtaskResult),
		reports:  make(map[string]int64),
		epochs:   make(map[string]models.IssuanceEpoch),
		allocs:   make(map[string][]models.IssuanceAllocation),
		payouts:  make(map[string][]models.IssuancePayoutEvent),
		intents:  make(map[string]models.PaymentIntent),
		anchors:  make(map[string]models.AnchorRecord),
	}
}

func (m *Memory) UpsertPeer(_ context.Context, peer models.PeerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peer.Identity.PeerID] = peer
	return nil
}

func (m *Memory) ListPeers(_ context.Context) ([]models.PeerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PeerEntry, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) DeletePeer(_ context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
	return nil
}

func (m *Memory) UpsertAgent(_ context.Context, agent models.AgentInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.AgentID] = agent
	return nil
}

func (m *Memory) ListAgents(_ context.Context) ([]models.AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentInfo, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) SaveSubtask(_ context.Context, st models.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtasks[st.ID] = st
	return nil
}

func (m *Memory) ListOpenSubtasks(_ context.Context) ([]models.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Subtask, 0)
	for _, st := range m.subtasks {
		if st.Status == models.SubtaskQueued || st.Status == models.SubtaskClaimed {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAtMs < out[j].EnqueuedAtMs })
	return out, nil
}

func (m *Memory) SaveResult(_ context.Context, res models.SubtaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.SubtaskID] = res
	return nil
}

func (m *Memory) AppendCreditTx(_ context.Context, tx models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditTxs = append(m.creditTxs, tx)
	return nil
}

func (m *Memory) ListCreditTxs(_ context.Context, accountID string) ([]models.CreditTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CreditTransaction, 0)
	for _, tx := range m.creditTxs {
		if accountID == "" || tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) MarkReport(_ context.Context, reportID string, nowMs int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[reportID]; exists {
		return false, nil
	}
	m.reports[reportID] = nowMs
	return true, nil
}

func (m *Memory) AppendQueueEvent(_ context.Context, rec models.QueueEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueEvents = append(m.queueEvents, rec)
	return nil
}

func (m *Memory) ListQueueEvents(_ context.Context, fromSequence int64, limit int) ([]models.QueueEventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.QueueEventRecord, 0)
	for _, rec := range m.queueEvents {
		if rec.Sequence >= fromSequence {
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) AppendBlacklistEvent(_ context.Context, rec models.BlacklistRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blacklistEvents = append(m.blacklistEvents, rec)
	return nil
}

func (m *Memory) ListBlacklistEvents(_ context.Context) ([]models.BlacklistRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.BlacklistRecord, len(m.blacklistEvents))
	copy(out, m.blacklistEvents)
	return out, nil
}

func (m *Memory) AppendQuorumRecord(_ context.Context, rec models.QuorumLedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quorumRecords = append(m.quorumRecords, rec)
	return nil
}

func (m *Memory) ListQuorumRecords(_ context.Context, epochID string) ([]models.QuorumLedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.QuorumLedgerRecord, 0)
	for _, rec := range m.quorumRecords {
		if epochID == "" || rec.EpochID == epochID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) SaveIssuanceEpoch(_ context.Context, epoch models.IssuanceEpoch,
	allocs []models.IssuanceAllocation, payouts []models.IssuancePayoutEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[epoch.IssuanceEpochID] = epoch
	m.allocs[epoch.IssuanceEpochID] = append([]models.IssuanceAllocation(nil), allocs...)
	m.payouts[epoch.IssuanceEpochID] = append([]models.IssuancePayoutEvent(nil), payouts...)
	return nil
}

func (m *Memory) ListIssuanceEpochs(_ context.Context, limit int) ([]models.IssuanceEpoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IssuanceEpoch, 0, len(m.epochs))
	for _, e := range m.epochs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStartMs > out[j].WindowStartMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetIssuanceEpoch(_ context.Context, epochID string) (*models.IssuanceEpoch,
	[]models.IssuanceAllocation, []models.IssuancePayoutEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	epoch, ok := m.epochs[epochID]
	if !ok {
		return nil, nil, nil, nil
	}
	allocs := append([]models.IssuanceAllocation(nil), m.allocs[epochID]...)
	payouts := append([]models.IssuancePayoutEvent(nil), m.payouts[epochID]...)
	return &epoch, allocs, payouts, nil
}

func (m *Memory) SavePaymentIntent(_ context.Context, intent models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[intent.IntentID] = intent
	return nil
}

func (m *Memory) GetPaymentIntent(_ context.Context, intentID string) (*models.PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[intentID]
	if !ok {
		return nil, nil
	}
	return &intent, nil
}

func (m *Memory) SaveAnchor(_ context.Context, rec models.AnchorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[rec.CheckpointHash] = rec
	return nil
}

func (m *Memory) ListAnchors(_ context.Context) ([]models.AnchorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AnchorRecord, 0, len(m.anchors))
	for _, a := range m.anchors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAtMs > out[j].UpdatedAtMs })
	return out, nil
}

func (m *Memory) Close() {}
