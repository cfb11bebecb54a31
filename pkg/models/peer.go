package models

// Peer roles
const (
	RoleCoordinator = "coordinator"
	RoleAgent       = "agent"
	RolePhone       = "phone"
)

// Network modes
const (
	NetworkPublicMesh        = "public_mesh"
	NetworkEnterpriseOverlay = "enterprise_overlay"
)

// PeerIdentity is the durable public identity of a mesh node
type PeerIdentity struct {
	PeerID       string `json:"peerId"`
	PublicKeyPEM string `json:"publicKeyPem"` // SPKI PEM, Ed25519
	URL          string `json:"url"`
	NetworkMode  string `json:"networkMode"` // "public_mesh"/"enterprise_overlay"
	Role         string `json:"role"`        // "coordinator"/"agent"/"phone"
}

// PeerEntry is a live peer-table row
type PeerEntry struct {
	Identity   PeerIdentity `json:"identity"`
	LastSeenMs int64        `json:"lastSeenMs"`
}

// AgentRegistration is the payload an agent submits to join a coordinator
type AgentRegistration struct {
	AgentID          string   `json:"agentId"`
	PublicKeyPEM     string   `json:"publicKeyPem"`
	URL              string   `json:"url,omitempty"`
	Models           []string `json:"models"`                     // model identifiers the agent can serve
	ParamCapacityB   float64  `json:"paramCapacityB"`             // largest servable model, billions of params
	ResourceClass    string   `json:"resourceClass"`              // "cpu"/"gpu"
	ReleaseVersion   string   `json:"releaseVersion,omitempty"`   // binary attestation (optional)
	DistHash         string   `json:"distHash,omitempty"`         // sha256 hex of the dist tree
	ReleaseSignature string   `json:"releaseSignature,omitempty"` // base64 Ed25519 over the manifest
}

// AgentInfo is the coordinator's view of a registered agent
type AgentInfo struct {
	AgentID         string   `json:"agentId"`
	PublicKeyPEM    string   `json:"publicKeyPem"`
	URL             string   `json:"url,omitempty"`
	Models          []string `json:"models"`
	ParamCapacityB  float64  `json:"paramCapacityB"`
	ResourceClass   string   `json:"resourceClass"`
	Load            float64  `json:"load"` // 0.0 idle .. 1.0 saturated, self-reported
	RegisteredAtMs  int64    `json:"registeredAtMs"`
	LastHeartbeatMs int64    `json:"lastHeartbeatMs"`
	Attestation     string   `json:"attestation"` // "verified"/"unverified"/"signature_mismatch"/"hash_mismatch"
	ReleaseVersion  string   `json:"releaseVersion,omitempty"`
}

// Heartbeat is the periodic agent liveness report
type Heartbeat struct {
	AgentID     string  `json:"agentId"`
	Load        float64 `json:"load"`
	ActiveTasks int     `json:"activeTasks"`
	TimestampMs int64   `json:"timestampMs"`
}
