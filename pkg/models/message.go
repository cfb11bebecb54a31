package models

import "encoding/json"

// Mesh message types
const (
	MsgPeerExchange      = "peer_exchange"
	MsgCapabilitySummary = "capability_summary"
	MsgBlacklistUpdate   = "blacklist_update"
	MsgTaskOffer         = "task_offer"
	MsgTaskComplete      = "task_complete"
	MsgDirectWorkOffer   = "direct_work_offer"
	MsgDirectWorkAccept  = "direct_work_accept"
	MsgDirectWorkResult  = "direct_work_result"
	MsgQuorumProposal    = "quorum_proposal"
	MsgQuorumVote        = "quorum_vote"
	MsgQuorumCommit      = "quorum_commit"
)

// MeshMessage is the signed gossip envelope. The signature covers the
// canonical serialization of every field except Signature.
type MeshMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	FromPeerID string          `json:"fromPeerId"`
	IssuedAtMs int64           `json:"issuedAtMs"`
	TTLMs      int64           `json:"ttlMs"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"` // base64 raw Ed25519
}

// ExpiresAtMs returns the instant after which the message is stale.
func (m *MeshMessage) ExpiresAtMs() int64 {
	return m.IssuedAtMs + m.TTLMs
}

// PeerExchangePayload carries up to 50 most-recently-seen peers
type PeerExchangePayload struct {
	Peers []PeerEntry `json:"peers"`
}

// ModelCapability aggregates agent capacity for one model
type ModelCapability struct {
	AgentCount         int     `json:"agentCount"`
	TotalParamCapacity float64 `json:"totalParamCapacity"` // billions of params, summed
	AvgLoad            float64 `json:"avgLoad"`
}

// CapabilitySummary is the per-coordinator capacity advertisement
type CapabilitySummary struct {
	CoordinatorID     string                     `json:"coordinatorId"`
	AgentCount        int                        `json:"agentCount"`
	ModelAvailability map[string]ModelCapability `json:"modelAvailability"`
	TimestampMs       int64                      `json:"timestamp"`
}

// BroadcastResult reports fan-out outcome per broadcast
type BroadcastResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
