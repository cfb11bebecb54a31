package models

// Credit transaction types
const (
	CreditEarn   = "earn"
	CreditSpend  = "spend"
	CreditAdjust = "adjust"
	CreditHeld   = "held"
)

// CreditTransaction is one append-only ledger entry for an account
type CreditTransaction struct {
	TxID          string  `json:"txId"`
	AccountID     string  `json:"accountId"`
	Type          string  `json:"type"` // "earn"/"spend"/"adjust"/"held"
	Credits       float64 `json:"credits"`
	Reason        string  `json:"reason"`
	RelatedTaskID string  `json:"relatedTaskId,omitempty"`
	TimestampMs   int64   `json:"timestampMs"`
}

// ContributionReport is a worker's metered usage claim
type ContributionReport struct {
	ReportID      string  `json:"reportId"`
	AccountID     string  `json:"accountId"`
	AgentID       string  `json:"agentId,omitempty"`
	TaskID        string  `json:"taskId,omitempty"`
	CPUSeconds    float64 `json:"cpuSeconds"` // cpu-seconds equivalent of the work
	ResourceClass string  `json:"resourceClass"`
	Quality       float64 `json:"quality"` // claimed quality, policy-clamped before use
	TimestampMs   int64   `json:"timestampMs"`
}

// LoadSnapshot captures mesh pressure for accrual and pricing
type LoadSnapshot struct {
	QueuedTasks  int `json:"queuedTasks"`
	ActiveAgents int `json:"activeAgents"`
	Capacity     int `json:"capacity"` // total claimable slots across agents
}

// Pressure is (queued + active) / capacity; zero capacity reads as fully loaded.
func (l LoadSnapshot) Pressure() float64 {
	if l.Capacity <= 0 {
		return 1.0
	}
	return float64(l.QueuedTasks+l.ActiveAgents) / float64(l.Capacity)
}

// PriceQuote is a point-in-time compute price
type PriceQuote struct {
	ResourceClass    string  `json:"resourceClass"`
	BaseSats         int64   `json:"baseSats"`
	Scarcity         float64 `json:"scarcity"` // demand/capacity
	PricePerUnitSats float64 `json:"pricePerUnitSats"`
	QuotedAtMs       int64   `json:"quotedAtMs"`
}

// SignedReport is a contribution report metered while the device was
// offline, signed by the reporting agent and replayed once connectivity
// returns
type SignedReport struct {
	Report       ContributionReport `json:"report"`
	SignatureB64 string             `json:"signature"`
}

// SyncResult is the per-item outcome of an offline sync batch
type SyncResult struct {
	ReportID string `json:"reportId"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Payment intent states
const (
	IntentPending = "pending"
	IntentSettled = "settled"
	IntentExpired = "expired"
)

// PaymentIntent records a Lightning credit purchase in flight
type PaymentIntent struct {
	IntentID    string  `json:"intentId"`
	AccountID   string  `json:"accountId"`
	AmountSats  int64   `json:"amountSats"`
	Credits     float64 `json:"credits"` // credited on settlement
	InvoiceRef  string  `json:"invoiceRef"`
	PaymentHash string  `json:"paymentHash,omitempty"`
	Status      string  `json:"status"` // "pending"/"settled"/"expired"
	CreatedAtMs int64   `json:"createdAtMs"`
	ExpiresAtMs int64   `json:"expiresAtMs"`
}
