package models

// Ordering-chain event types
const (
	EventTaskEnqueued = "task_enqueued"
	EventTaskClaimed  = "task_claimed"
	EventTaskComplete = "task_complete"
	EventTaskRequeued = "task_requeued"
	EventTaskFailed   = "task_failed"
	EventCheckpoint   = "checkpoint"
	EventChainSuspend = "chain_suspended"
)

// QueueEventRecord is one link in a coordinator's ordering chain
type QueueEventRecord struct {
	ID               string `json:"id"`
	EventType        string `json:"eventType"`
	TaskID           string `json:"taskId"`
	SubtaskID        string `json:"subtaskId,omitempty"`
	ActorID          string `json:"actorId"`
	Sequence         int64  `json:"sequence"`
	IssuedAtMs       int64  `json:"issuedAtMs"`
	PrevHash         string `json:"prevHash"`
	Hash             string `json:"hash"`
	Signature        string `json:"signature"`
	CoordinatorID    string `json:"coordinatorId,omitempty"`
	CheckpointHeight int64  `json:"checkpointHeight,omitempty"`
	CheckpointHash   string `json:"checkpointHash,omitempty"`
	PayloadJSON      string `json:"payloadJson,omitempty"`
}

// Quorum record types
const (
	QuorumProposal   = "proposal"
	QuorumVote       = "vote"
	QuorumCommit     = "commit"
	QuorumCheckpoint = "checkpoint"
)

// QuorumLedgerRecord is one link in the quorum consensus chain
type QuorumLedgerRecord struct {
	RecordID      string `json:"recordId"`
	RecordType    string `json:"recordType"` // "proposal"/"vote"/"commit"/"checkpoint"
	EpochID       string `json:"epochId"`
	CoordinatorID string `json:"coordinatorId"`
	PrevHash      string `json:"prevHash"`
	Hash          string `json:"hash"`
	PayloadJSON   string `json:"payloadJson,omitempty"`
	Signature     string `json:"signature"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// QuorumVoteInput is one coordinator's signed vote on an epoch proposal.
// The signature covers the canonical vote body, not the wrapping record.
type QuorumVoteInput struct {
	EpochID       string `json:"epochId"`
	CoordinatorID string `json:"coordinatorId"`
	Approve       bool   `json:"approve"`
	VotedAtMs     int64  `json:"votedAtMs"`
	Signature     string `json:"signature"`
}

// ChainVerification is the outcome of a full chain walk
type ChainVerification struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"` // "sequence_gap"/"hash_mismatch"/"chain_break"/"invalid_signature"
	Breakpoint int64  `json:"breakpoint"`       // offending sequence, -1 when ok
	Length     int    `json:"length"`
}

// IssuanceEpoch is one rolling issuance window
type IssuanceEpoch struct {
	IssuanceEpochID           string  `json:"issuanceEpochId"`
	CoordinatorID             string  `json:"coordinatorId"`
	WindowStartMs             int64   `json:"windowStartMs"`
	WindowEndMs               int64   `json:"windowEndMs"`
	LoadIndex                 float64 `json:"loadIndex"` // EMA-smoothed
	DailyPoolTokens           float64 `json:"dailyPoolTokens"`
	HourlyTokens              float64 `json:"hourlyTokens"`
	TotalWeightedContribution float64 `json:"totalWeightedContribution"`
	ContributionCount         int     `json:"contributionCount"`
	Finalized                 bool    `json:"finalized"`
	CreatedAtMs               int64   `json:"createdAtMs"`
}

// IssuanceAllocation is one account's share of an epoch
type IssuanceAllocation struct {
	EpochID              string  `json:"epochId"`
	AccountID            string  `json:"accountId"`
	WeightedContribution float64 `json:"weightedContribution"`
	IssuedTokens         float64 `json:"issuedTokens"`
}

// Issuance payout tranches
const (
	TrancheContributor = "contributor"
	TrancheCoordinator = "coordinator"
	TrancheReserve     = "reserve"
)

// IssuancePayoutEvent records one tranche emission for an epoch
type IssuancePayoutEvent struct {
	EpochID   string  `json:"epochId"`
	Tranche   string  `json:"tranche"` // "contributor"/"coordinator"/"reserve"
	AccountID string  `json:"accountId,omitempty"`
	Tokens    float64 `json:"tokens"`
}

// Anchor states
const (
	AnchorPending         = "pending"
	AnchorAnchoredPending = "anchored_pending"
	AnchorConfirmed       = "anchored_confirmed"
	AnchorFailed          = "failed"
)

// Finality states
const (
	FinalitySoft            = "soft_finalized"
	FinalityAnchoredPending = "anchored_pending"
	FinalityAnchored        = "anchored_confirmed"
	FinalityStaleFederation = "stale_federation"
)

// AnchorRecord tracks one checkpoint hash through external anchoring
type AnchorRecord struct {
	CheckpointHash string `json:"checkpointHash"` // 32 bytes, lowercase hex
	State          string `json:"state"`          // "pending"/"anchored_pending"/"anchored_confirmed"/"failed"
	TxRef          string `json:"txRef,omitempty"`
	BlockHeight    int64  `json:"blockHeight,omitempty"`
	Confirmations  int64  `json:"confirmations"`
	SubmittedAtMs  int64  `json:"submittedAtMs,omitempty"`
	UpdatedAtMs    int64  `json:"updatedAtMs"`
}
