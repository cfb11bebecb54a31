package models

// Anomaly severities
const (
	SeverityInfo     = "INFO"
	SeverityWarn     = "WARN"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// AgentBehaviorStats is the derived rolling-window view of one agent.
// Computed on demand from recorded events, never stored as truth.
type AgentBehaviorStats struct {
	AgentID  string `json:"agentId"`
	WindowMs int64  `json:"windowMs"`

	TasksTotal     int `json:"tasksTotal"`
	TasksSucceeded int `json:"tasksSucceeded"`
	TasksEmpty     int `json:"tasksEmpty"`
	IdenticalRun   int `json:"identicalRun"` // longest run of consecutive identical output hashes

	DurationMeanMs   float64 `json:"durationMeanMs"`
	DurationMinMs    int64   `json:"durationMinMs"`
	DurationStddevMs float64 `json:"durationStddevMs"`
	SuspiciouslyFast int     `json:"suspiciouslyFast"` // results under the fast-task floor

	SignatureFailures int `json:"signatureFailures"`
	ReplayAttempts    int `json:"replayAttempts"`
	RateLimitHits     int `json:"rateLimitHits"`

	Registrations     int   `json:"registrations"`
	ClaimCount        int   `json:"claimCount"`
	ConcurrentClaims  int   `json:"concurrentClaims"`
	Requeues          int   `json:"requeues"`
	MaxHeartbeatGapMs int64 `json:"maxHeartbeatGapMs"`

	AvgOutputLen float64 `json:"avgOutputLen"` // over successful tasks only
}

// AnomalyEvent is one fired detection rule
type AnomalyEvent struct {
	RuleID          string `json:"ruleId"` // "BHV001".."BHV010"
	AgentID         string `json:"agentId"`
	Severity        string `json:"severity"` // "INFO"/"WARN"/"HIGH"/"CRITICAL"
	BlacklistReason string `json:"blacklistReason"`
	Description     string `json:"description"`
	DetectedAtMs    int64  `json:"detectedAtMs"`
}
