// Package store provides durable persistence for coordinator state. The
// engines own their in-memory state; the store is write-through durability
// plus warm-start reload. Two implementations exist: Postgres (pgx pool,
// embedded schema) and an in-process memory store used when DATABASE_URL
// is unset and in tests.
package store

import (
	"context"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Store is the persistence boundary. All methods are safe for concurrent
// use and keyed by the entity's primary id.
type Store interface {
	// Peers
	UpsertPeer(ctx context.Context, peer models.PeerEntry) error
	ListPeers(ctx context.Context) ([]models.PeerEntry, error)
	DeletePeer(ctx context.Context, peerID string) error

	// Agents
	UpsertAgent(ctx context.Context, agent models.AgentInfo) error
	ListAgents(ctx context.Context) ([]models.AgentInfo, error)

	// Subtasks & results
	SaveSubtask(ctx context.Context, st models.Subtask) error
	ListOpenSubtasks(ctx context.Context) ([]models.Subtask, error)
	SaveResult(ctx context.Context, res models.SubtaskResult) error

	// Credit ledger
	AppendCreditTx(ctx context.Context, tx models.CreditTransaction) error
	ListCreditTxs(ctx context.Context, accountID string) ([]models.CreditTransaction, error)
	// MarkReport records a contribution report id, returning false when it
	// was already present.
	MarkReport(ctx context.Context, reportID string, nowMs int64) (bool, error)

	// Ordering chain
	AppendQueueEvent(ctx context.Context, rec models.QueueEventRecord) error
	ListQueueEvents(ctx context.Context, fromSequence int64, limit int) ([]models.QueueEventRecord, error)

	// Blacklist chain
	AppendBlacklistEvent(ctx context.Context, rec models.BlacklistRecord) error
	ListBlacklistEvents(ctx context.Context) ([]models.BlacklistRecord, error)

	// Quorum ledger
	AppendQuorumRecord(ctx context.Context, rec models.QuorumLedgerRecord) error
	ListQuorumRecords(ctx context.Context, epochID string) ([]models.QuorumLedgerRecord, error)

	// Issuance
	SaveIssuanceEpoch(ctx context.Context, epoch models.IssuanceEpoch,
		allocs []models.IssuanceAllocation, payouts []models.IssuancePayoutEvent) error
	ListIssuanceEpochs(ctx context.Context, limit int) ([]models.IssuanceEpoch, error)
	GetIssuanceEpoch(ctx context.Context, epochID string) (*models.IssuanceEpoch,
		[]models.IssuanceAllocation, []models.IssuancePayoutEvent, error)

	// Payment intents
	SavePaymentIntent(ctx context.Context, intent models.PaymentIntent) error
	GetPaymentIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error)

	// Anchors
	SaveAnchor(ctx context.Context, rec models.AnchorRecord) error
	ListAnchors(ctx context.Context) ([]models.AnchorRecord, error)

	Close()
}
