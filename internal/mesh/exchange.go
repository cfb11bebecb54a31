package mesh

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/pkg/models"
)

// broadcastExchange gossips our most-recently-seen peers, ourselves
// included so receivers keep our entry fresh.
func (g *Gossip) broadcastExchange(ctx context.Context) {
	nowMs := time.Now().UnixMilli()
	peers := g.table.MostRecent(ExchangeLimit - 1)
	peers = append(peers, models.PeerEntry{Identity: g.self, LastSeenMs: nowMs})

	result, err := g.Broadcast(ctx, models.MsgPeerExchange, models.PeerExchangePayload{Peers: peers}, DefaultGossipTTL)
	if err != nil {
		g.log.Warn("Peer exchange broadcast failed", zap.Error(err))
		return
	}
	g.log.Debug("Peer exchange sent",
		zap.Int("peers", len(peers)),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))
}

// mergeExchange folds a received peer_exchange into the table: unknown
// peers are added, known peers advance lastSeenMs to the max of both views.
func (g *Gossip) mergeExchange(ctx context.Context, msg *models.MeshMessage) {
	var payload models.PeerExchangePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		g.log.Warn("Malformed peer_exchange payload",
			zap.String("fromPeerId", msg.FromPeerID), zap.Error(err))
		return
	}
	for _, entry := range payload.Peers {
		if entry.Identity.PeerID == g.self.PeerID {
			continue
		}
		g.LearnPeer(ctx, entry.Identity, entry.LastSeenMs)
	}
}

// broadcastCapability advertises the local capacity snapshot.
func (g *Gossip) broadcastCapability(ctx context.Context) {
	g.mu.RLock()
	source := g.capSource
	g.mu.RUnlock()
	if source == nil {
		return
	}
	summary := source()
	summary.CoordinatorID = g.self.PeerID
	if summary.TimestampMs == 0 {
		summary.TimestampMs = time.Now().UnixMilli()
	}

	if _, err := g.Broadcast(ctx, models.MsgCapabilitySummary, summary, capabilityTTL); err != nil {
		g.log.Warn("Capability broadcast failed", zap.Error(err))
	}
}

// mergeCapability records a remote coordinator's capacity advertisement,
// keeping only the newest summary per coordinator.
func (g *Gossip) mergeCapability(msg *models.MeshMessage) {
	var summary models.CapabilitySummary
	if err := json.Unmarshal(msg.Payload, &summary); err != nil {
		g.log.Warn("Malformed capability_summary payload",
			zap.String("fromPeerId", msg.FromPeerID), zap.Error(err))
		return
	}
	if summary.CoordinatorID == "" {
		summary.CoordinatorID = msg.FromPeerID
	}

	g.mu.Lock()
	cur, exists := g.caps[summary.CoordinatorID]
	if !exists || summary.TimestampMs >= cur.TimestampMs {
		g.caps[summary.CoordinatorID] = summary
	}
	g.mu.Unlock()
}

// Capabilities returns the federated capability map, local view included.
func (g *Gossip) Capabilities() map[string]models.CapabilitySummary {
	out := make(map[string]models.CapabilitySummary)

	g.mu.RLock()
	for id, summary := range g.caps {
		out[id] = summary
	}
	source := g.capSource
	g.mu.RUnlock()

	if source != nil {
		local := source()
		local.CoordinatorID = g.self.PeerID
		out[g.self.PeerID] = local
	}
	return out
}

// FindCapacity locates a peer coordinator advertising live agents for the
// given model, for forwarding tasks local agents cannot serve.
func (g *Gossip) FindCapacity(model string) (models.PeerEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for coordID, summary := range g.caps {
		avail, ok := summary.ModelAvailability[model]
		if !ok || avail.AgentCount == 0 {
			continue
		}
		if entry, present := g.table.Get(coordID); present && entry.Identity.URL != "" {
			return entry, true
		}
	}
	return models.PeerEntry{}, false
}
