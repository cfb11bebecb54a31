package models

// Blacklist reason codes
const (
	ReasonForgedResults     = "forged_results"
	ReasonMassEmpty         = "mass_empty_results"
	ReasonSuccessCollapse   = "success_collapse"
	ReasonProtocolAbuse     = "protocol_abuse"
	ReasonHeartbeatForgery  = "heartbeat_manipulation"
	ReasonTaskHoarding      = "task_hoarding"
	ReasonRegistrationStorm = "registration_storm"
	ReasonRobotPrecision    = "robot_precision"
	ReasonTinyOutputs       = "tiny_outputs"
	ReasonSuspiciouslyFast  = "suspiciously_fast"
	ReasonManual            = "manual"
	ReasonAttestation       = "attestation_mismatch"
)

// BlacklistEvidenceInput is the reporter-signed accusation
type BlacklistEvidenceInput struct {
	AgentID            string `json:"agentId"`
	Reason             string `json:"reason"`
	ReasonCode         string `json:"reasonCode"`
	EvidenceHashSha256 string `json:"evidenceHashSha256"` // lowercase hex digest of raw evidence
	ReporterID         string `json:"reporterId"`
	ReporterSignature  string `json:"reporterSignature,omitempty"` // base64 Ed25519 over canonical input
	TimestampMs        int64  `json:"timestampMs"`
	ExpiresAtMs        int64  `json:"expiresAtMs,omitempty"`
}

// BlacklistRecord is one hash-chained audit event
type BlacklistRecord struct {
	EventID                   string `json:"eventId"`
	AgentID                   string `json:"agentId"`
	Reason                    string `json:"reason"`
	ReasonCode                string `json:"reasonCode"`
	EvidenceHashSha256        string `json:"evidenceHashSha256"`
	ReporterID                string `json:"reporterId"`
	ReporterSignature         string `json:"reporterSignature,omitempty"`
	EvidenceSignatureVerified bool   `json:"evidenceSignatureVerified"`
	SourceCoordinatorID       string `json:"sourceCoordinatorId"`
	TimestampMs               int64  `json:"timestampMs"`
	ExpiresAtMs               int64  `json:"expiresAtMs,omitempty"`
	PrevEventHash             string `json:"prevEventHash"`
	EventHash                 string `json:"eventHash"`
	CoordinatorSignature      string `json:"coordinatorSignature"` // base64 Ed25519 over EventHash
}
