package scheduler

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Registry tracks registered agents and their liveness. An agent is
// eligible for work only while its last heartbeat is inside the
// freshness window.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.AgentInfo
	keys   map[string]ed25519.PublicKey
	fresh  time.Duration
	now    func() int64
}

func NewRegistry(fresh time.Duration) *Registry {
	return &Registry{
		agents: make(map[string]*models.AgentInfo),
		keys:   make(map[string]ed25519.PublicKey),
		fresh:  fresh,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Register installs or refreshes an agent. Registration counts as a
// heartbeat; re-registration keeps the original registeredAtMs.
func (r *Registry) Register(reg models.AgentRegistration, attestation string) (models.AgentInfo, error) {
	if reg.AgentID == "" {
		return models.AgentInfo{}, protocol.Ef(protocol.KindBadRequest, "agentId is required")
	}
	pub, err := identity.ParsePublicPEM(reg.PublicKeyPEM)
	if err != nil {
		return models.AgentInfo{}, protocol.Wrap(protocol.KindBadRequest, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nowMs := r.now()
	info := &models.AgentInfo{
		AgentID:         reg.AgentID,
		PublicKeyPEM:    reg.PublicKeyPEM,
		URL:             reg.URL,
		Models:          append([]string(nil), reg.Models...),
		ParamCapacityB:  reg.ParamCapacityB,
		ResourceClass:   reg.ResourceClass,
		RegisteredAtMs:  nowMs,
		LastHeartbeatMs: nowMs,
		Attestation:     attestation,
		ReleaseVersion:  reg.ReleaseVersion,
	}
	if prev, ok := r.agents[reg.AgentID]; ok {
		info.RegisteredAtMs = prev.RegisteredAtMs
		info.Load = prev.Load
	}
	r.agents[reg.AgentID] = info
	r.keys[reg.AgentID] = pub
	return *info, nil
}

// Heartbeat refreshes an agent's liveness and self-reported load.
func (r *Registry) Heartbeat(hb models.Heartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[hb.AgentID]
	if !ok {
		return protocol.Ef(protocol.KindNotFound, "agent %s is not registered", hb.AgentID)
	}
	ts := hb.TimestampMs
	if ts == 0 {
		ts = r.now()
	}
	if ts > info.LastHeartbeatMs {
		info.LastHeartbeatMs = ts
	}
	info.Load = hb.Load
	return nil
}

// Get returns a copy of one agent's record.
func (r *Registry) Get(agentID string) (models.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	if !ok {
		return models.AgentInfo{}, false
	}
	return *info, true
}

// Key returns the agent's parsed public key.
func (r *Registry) Key(agentID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[agentID]
	return key, ok
}

// List returns copies of every registered agent.
func (r *Registry) List() []models.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, *info)
	}
	return out
}

// Fresh reports whether the agent heartbeated inside the freshness window.
func (r *Registry) Fresh(agentID string, nowMs int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	return ok && nowMs-info.LastHeartbeatMs < r.fresh.Milliseconds()
}

// ActiveCount counts agents with a fresh heartbeat.
func (r *Registry) ActiveCount(nowMs int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.agents {
		if nowMs-info.LastHeartbeatMs < r.fresh.Milliseconds() {
			n++
		}
	}
	return n
}

// Capability aggregates fresh agents into the per-model availability
// summary gossiped to peer coordinators.
func (r *Registry) Capability(nowMs int64) models.CapabilitySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := models.CapabilitySummary{
		ModelAvailability: make(map[string]models.ModelCapability),
		TimestampMs:       nowMs,
	}
	loadSums := make(map[string]float64)
	for _, info := range r.agents {
		if nowMs-info.LastHeartbeatMs >= r.fresh.Milliseconds() {
			continue
		}
		summary.AgentCount++
		for _, model := range info.Models {
			capa := summary.ModelAvailability[model]
			capa.AgentCount++
			capa.TotalParamCapacity += info.ParamCapacityB
			loadSums[model] += info.Load
			summary.ModelAvailability[model] = capa
		}
	}
	for model, capa := range summary.ModelAvailability {
		capa.AvgLoad = loadSums[model] / float64(capa.AgentCount)
		summary.ModelAvailability[model] = capa
	}
	return summary
}
