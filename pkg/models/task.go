package models

// Subtask kinds
const (
	KindMicroLoop  = "micro_loop"
	KindSingleStep = "single_step"
)

// Resource classes
const (
	ResourceCPU = "cpu"
	ResourceGPU = "gpu"
)

// Subtask lifecycle states
const (
	SubtaskQueued    = "queued"
	SubtaskClaimed   = "claimed"
	SubtaskCompleted = "completed"
	SubtaskFailed    = "failed"
)

// ProjectMeta scopes a subtask to its tenant for fair-share accounting
type ProjectMeta struct {
	ProjectID     string `json:"projectId"`
	TenantID      string `json:"tenantId,omitempty"`
	ResourceClass string `json:"resourceClass"` // "cpu"/"gpu"
	Priority      int    `json:"priority"`      // higher wins within equal completion counts
}

// Subtask is a single schedulable unit of work
type Subtask struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"taskId"`
	Kind          string      `json:"kind"` // "micro_loop"/"single_step"
	Language      string      `json:"language"`
	Input         string      `json:"input"`
	TimeoutMs     int64       `json:"timeoutMs"`
	SnapshotRef   string      `json:"snapshotRef,omitempty"`
	ProjectMeta   ProjectMeta `json:"projectMeta"`
	RequiredModel string      `json:"requiredModel,omitempty"` // model id needed to serve this task

	Status       string `json:"status"` // "queued"/"claimed"/"completed"/"failed"
	EnqueuedAtMs int64  `json:"enqueuedAtMs"`
	ClaimedBy    string `json:"claimedBy,omitempty"`
	ClaimedAtMs  int64  `json:"claimedAtMs,omitempty"`
	Requeues     int    `json:"requeues"`
}

// SubtaskResult is the agent-signed outcome of one subtask
type SubtaskResult struct {
	SubtaskID       string `json:"subtaskId"`
	TaskID          string `json:"taskId"`
	AgentID         string `json:"agentId"`
	OK              bool   `json:"ok"`
	Output          string `json:"output"`
	Error           string `json:"error,omitempty"`
	DurationMs      int64  `json:"durationMs"`
	ReportNonce     string `json:"reportNonce,omitempty"`
	ReportSignature string `json:"reportSignature,omitempty"` // base64 Ed25519 by the reporting agent
}

// Direct work offer states
const (
	OfferOpen      = "open"
	OfferAccepted  = "accepted"
	OfferCompleted = "completed"
	OfferExpired   = "expired"
)

// DirectWorkOffer is a peer-to-peer work handoff proposal
type DirectWorkOffer struct {
	OfferID      string  `json:"offerId"`
	FromAgentID  string  `json:"fromAgentId"`
	ToAgentID    string  `json:"toAgentId,omitempty"` // empty = open offer
	Subtask      Subtask `json:"subtask"`
	PriceCredits float64 `json:"priceCredits"`
	ExpiresAtMs  int64   `json:"expiresAtMs"`
	Status       string  `json:"status"` // "open"/"accepted"/"completed"/"expired"
	AcceptedBy   string  `json:"acceptedBy,omitempty"`
}
