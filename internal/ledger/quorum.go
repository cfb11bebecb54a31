package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
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

// Quorum drives epochs through proposal, voting, commit and checkpoint.
// Every transition appends a record to a local hash chain signed by this
// coordinator; votes additionally carry the voter's own signature inside
// the record payload.
type Quorum struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store
	id      *identity.Identity

	mu           sync.Mutex
	records      []models.QuorumLedgerRecord
	coordinators map[string]ed25519.PublicKey
	epochs       map[string]*epochState
	now          func() int64
}

type epochState struct {
	proposed     bool
	votes        map[string]bool
	committed    bool
	checkpointed bool
}

func NewQuorum(id *identity.Identity, st store.Store, m *metrics.Metrics, log *zap.Logger) *Quorum {
	q := &Quorum{
		log:          log,
		metrics:      m,
		store:        st,
		id:           id,
		coordinators: make(map[string]ed25519.PublicKey),
		epochs:       make(map[string]*epochState),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
	q.coordinators[id.PeerID] = id.Public
	return q
}

// ApproveCoordinator admits a coordinator to the voting set.
func (q *Quorum) ApproveCoordinator(coordinatorID string, pub ed25519.PublicKey) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.coordinators[coordinatorID] = pub
}

// Majority is the commit threshold for the current voting set.
func (q *Quorum) Majority() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.coordinators)/2 + 1
}

// Propose opens an epoch for voting. The payload carries the epoch body
// being agreed on, typically the serialized issuance epoch.
func (q *Quorum) Propose(epochID, payloadJSON string) (models.QuorumLedgerRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if epochID == "" {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest, "epochId is required")
	}
	if st, ok := q.epochs[epochID]; ok && st.proposed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest, "epoch %s was already proposed", epochID)
	}
	q.epochs[epochID] = &epochState{proposed: true, votes: make(map[string]bool)}
	return q.appendLocked(models.QuorumProposal, epochID, payloadJSON)
}

// CastVote records this coordinator's own vote and returns the signed
// vote body for gossiping to the rest of the federation.
func (q *Quorum) CastVote(epochID string, approve bool) (models.QuorumVoteInput, error) {
	vote := models.QuorumVoteInput{
		EpochID:       epochID,
		CoordinatorID: q.id.PeerID,
		Approve:       approve,
		VotedAtMs:     q.now(),
	}
	canonical, err := protocol.CanonicalQuorumVote(&vote)
	if err != nil {
		return models.QuorumVoteInput{}, err
	}
	vote.Signature = q.id.Sign(canonical)

	if _, err := q.ReceiveVote(vote); err != nil {
		return models.QuorumVoteInput{}, err
	}
	return vote, nil
}

// ReceiveVote validates and records a vote. Replaying an identical vote
// is a no-op; changing a cast vote is refused.
func (q *Quorum) ReceiveVote(vote models.QuorumVoteInput) (models.QuorumLedgerRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.epochs[vote.EpochID]
	if !ok || !st.proposed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindNotFound, "epoch %s has no open proposal", vote.EpochID)
	}
	pub, ok := q.coordinators[vote.CoordinatorID]
	if !ok {
		return models.QuorumLedgerRecord{}, protocol.E(protocol.KindMeshUnauthorized)
	}
	canonical, err := protocol.CanonicalQuorumVote(&vote)
	if err != nil {
		return models.QuorumLedgerRecord{}, err
	}
	if !protocol.Verify(pub, canonical, vote.Signature) {
		return models.QuorumLedgerRecord{}, protocol.E(protocol.KindInvalidSignature)
	}

	if prev, voted := st.votes[vote.CoordinatorID]; voted {
		if prev == vote.Approve {
			return models.QuorumLedgerRecord{}, protocol.E(protocol.KindDuplicateMessage)
		}
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest,
			"coordinator %s already voted on epoch %s", vote.CoordinatorID, vote.EpochID)
	}
	st.votes[vote.CoordinatorID] = vote.Approve

	payload, err := json.Marshal(vote)
	if err != nil {
		return models.QuorumLedgerRecord{}, protocol.Wrap(protocol.KindBadRequest, err)
	}
	return q.appendLocked(models.QuorumVote, vote.EpochID, string(payload))
}

// Approvals counts approve votes for an epoch.
func (q *Quorum) Approvals(epochID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.epochs[epochID]
	if !ok {
		return 0
	}
	n := 0
	for _, approve := range st.votes {
		if approve {
			n++
		}
	}
	return n
}

// Commit finalizes an epoch once a majority of the voting set approved.
func (q *Quorum) Commit(epochID string) (models.QuorumLedgerRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.epochs[epochID]
	if !ok || !st.proposed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindNotFound, "epoch %s has no open proposal", epochID)
	}
	if st.committed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest, "epoch %s is already committed", epochID)
	}

	approvals := 0
	for _, approve := range st.votes {
		if approve {
			approvals++
		}
	}
	needed := len(q.coordinators)/2 + 1
	if approvals < needed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest,
			"epoch %s has %d of %d required approvals", epochID, approvals, needed)
	}

	st.committed = true
	payload := fmt.Sprintf(`{"approvals":%d,"total":%d}`, approvals, len(q.coordinators))
	return q.appendLocked(models.QuorumCommit, epochID, payload)
}

// Checkpoint seals a committed epoch. The returned record's hash is the
// value handed to anchoring.
func (q *Quorum) Checkpoint(epochID string) (models.QuorumLedgerRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.epochs[epochID]
	if !ok || !st.committed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest, "epoch %s is not committed", epochID)
	}
	if st.checkpointed {
		return models.QuorumLedgerRecord{}, protocol.Ef(protocol.KindBadRequest, "epoch %s is already checkpointed", epochID)
	}
	st.checkpointed = true
	return q.appendLocked(models.QuorumCheckpoint, epochID, "")
}

func (q *Quorum) appendLocked(recordType, epochID, payloadJSON string) (models.QuorumLedgerRecord, error) {
	rec := models.QuorumLedgerRecord{
		RecordID:      uuid.NewString(),
		RecordType:    recordType,
		EpochID:       epochID,
		CoordinatorID: q.id.PeerID,
		CreatedAtMs:   q.now(),
		PayloadJSON:   payloadJSON,
	}
	if tail := len(q.records); tail > 0 {
		rec.PrevHash = q.records[tail-1].Hash
	}

	canonical, err := protocol.CanonicalQuorumRecord(&rec)
	if err != nil {
		return models.QuorumLedgerRecord{}, err
	}
	rec.Hash = protocol.SHA256Hex(canonical)
	rec.Signature = q.id.Sign([]byte(rec.Hash))

	q.records = append(q.records, rec)
	q.metrics.ChainHeight.WithLabelValues("quorum").Set(float64(len(q.records)))
	if q.store != nil {
		if err := q.store.AppendQuorumRecord(context.Background(), rec); err != nil {
			q.log.Warn("Quorum record persistence failed",
				zap.String("recordId", rec.RecordID), zap.Error(err))
		}
	}
	return rec, nil
}

// Records copies the chain, filtered to one epoch when epochID is set.
func (q *Quorum) Records(epochID string) []models.QuorumLedgerRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QuorumLedgerRecord, 0, len(q.records))
	for _, rec := range q.records {
		if epochID == "" || rec.EpochID == epochID {
			out = append(out, rec)
		}
	}
	return out
}

// VerifyQuorumChain walks quorum records checking linkage, hashes and
// record signatures. Breakpoint is the zero-based record index.
func VerifyQuorumChain(records []models.QuorumLedgerRecord, keyFor func(coordinatorID string) ed25519.PublicKey) models.ChainVerification {
	prevHash := ""
	for i, rec := range records {
		if rec.PrevHash != prevHash {
			return verdict(protocol.KindChainBreak, int64(i), len(records))
		}
		canonical, err := protocol.CanonicalQuorumRecord(&rec)
		if err != nil || protocol.SHA256Hex(canonical) != rec.Hash {
			return verdict(protocol.KindHashMismatch, int64(i), len(records))
		}
		key := keyFor(rec.CoordinatorID)
		if key == nil || !protocol.Verify(key, []byte(rec.Hash), rec.Signature) {
			return verdict(protocol.KindCoordinatorSigError, int64(i), len(records))
		}
		prevHash = rec.Hash
	}
	return models.ChainVerification{OK: true, Breakpoint: -1, Length: len(records)}
}
