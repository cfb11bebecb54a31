package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

const (
	// ExchangeLimit caps how many peers ride in one peer_exchange message.
	ExchangeLimit = 50

	// DefaultGossipTTL is the envelope lifetime for ordinary broadcasts.
	DefaultGossipTTL = 60 * time.Second

	// capabilityTTL outlives one advertisement interval so a single missed
	// cycle does not expire the summary mid-flight.
	capabilityTTL = 90 * time.Second

	// fanoutParallelism bounds concurrent deliveries during broadcast.
	fanoutParallelism = 16
)

// HandlerFunc consumes an accepted inbound message. Handlers run on the
// ingest goroutine; long work should be dispatched away.
type HandlerFunc func(ctx context.Context, msg *models.MeshMessage)

// EventFunc receives local mesh lifecycle events for the live stream.
type EventFunc func(event string, data any)

type Options struct {
	Self     models.PeerIdentity
	Identity *identity.Identity
	Client   *Client
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Store    store.Store // optional write-through persistence

	PeerTTL            time.Duration
	ExchangeInterval   time.Duration
	EvictInterval      time.Duration
	CapabilityInterval time.Duration
}

// Gossip is the mesh service for one coordinator.
type Gossip struct {
	self    models.PeerIdentity
	id      *identity.Identity
	table   *Table
	client  *Client
	val     *protocol.Validator
	recon   *Reconnector
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store

	exchangeInterval   time.Duration
	evictInterval      time.Duration
	capabilityInterval time.Duration

	mu        sync.RWMutex
	keys      map[string]*identity.KeySet
	caps      map[string]models.CapabilitySummary
	handlers  map[string][]HandlerFunc
	capSource func() models.CapabilitySummary
	events    EventFunc
}

func New(opts Options) *Gossip {
	return &Gossip{
		self:               opts.Self,
		id:                 opts.Identity,
		table:              NewTable(opts.Self.PeerID, opts.PeerTTL),
		client:             opts.Client,
		val:                protocol.NewValidator(protocol.DefaultDedupSize),
		recon:              NewReconnector(),
		log:                opts.Log,
		metrics:            opts.Metrics,
		store:              opts.Store,
		exchangeInterval:   opts.ExchangeInterval,
		evictInterval:      opts.EvictInterval,
		capabilityInterval: opts.CapabilityInterval,
		keys:               make(map[string]*identity.KeySet),
		caps:               make(map[string]models.CapabilitySummary),
		handlers:           make(map[string][]HandlerFunc),
	}
}

// Subscribe registers a handler for one message type.
func (g *Gossip) Subscribe(msgType string, fn HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[msgType] = append(g.handlers[msgType], fn)
}

// SetCapabilitySource installs the local capacity snapshot provider.
func (g *Gossip) SetCapabilitySource(fn func() models.CapabilitySummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.capSource = fn
}

// SetEventSink installs the lifecycle event consumer.
func (g *Gossip) SetEventSink(fn EventFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = fn
}

func (g *Gossip) emit(event string, data any) {
	g.mu.RLock()
	fn := g.events
	g.mu.RUnlock()
	if fn != nil {
		fn(event, data)
	}
}

// Self returns our advertised identity.
func (g *Gossip) Self() models.PeerIdentity { return g.self }

// Peers returns a copy of the peer table.
func (g *Gossip) Peers() []models.PeerEntry { return g.table.Snapshot() }

// LearnPeer installs or refreshes a peer identity, keeping the key set and
// reconnection state consistent. A changed public key rotates with grace so
// in-flight messages under the old key still verify.
func (g *Gossip) LearnPeer(ctx context.Context, pid models.PeerIdentity, seenMs int64) {
	if pid.PeerID == "" || pid.PeerID == g.self.PeerID {
		return
	}
	isNew, keyChanged := g.table.Upsert(pid, seenMs)

	if pub, err := identity.ParsePublicPEM(pid.PublicKeyPEM); err == nil {
		g.mu.Lock()
		if ks, ok := g.keys[pid.PeerID]; !ok {
			g.keys[pid.PeerID] = identity.NewKeySet(pub)
		} else if keyChanged {
			ks.Rotate(pub, identity.DefaultRotationGrace)
		}
		g.mu.Unlock()
	} else if pid.PublicKeyPEM != "" {
		g.log.Warn("Peer advertised an unparseable public key",
			zap.String("peerId", pid.PeerID), zap.Error(err))
	}

	if g.recon.GaveUp(pid.PeerID) {
		g.recon.Reset(pid.PeerID)
	}

	if g.store != nil {
		entry, _ := g.table.Get(pid.PeerID)
		if err := g.store.UpsertPeer(ctx, entry); err != nil {
			g.log.Warn("Peer persistence failed", zap.String("peerId", pid.PeerID), zap.Error(err))
		}
	}

	g.metrics.PeerTableSize.Set(float64(g.table.Size()))
	if isNew {
		g.log.Info("Peer joined mesh",
			zap.String("peerId", pid.PeerID),
			zap.String("role", pid.Role),
			zap.String("url", pid.URL))
		g.emit("peer_joined", pid)
	}
}

func (g *Gossip) verifierFor(peerID string) protocol.Verifier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ks, ok := g.keys[peerID]
	if !ok {
		return nil
	}
	return ks
}

// PeerKey returns the active public key learned for a peer, or nil for
// strangers. Lets other subsystems verify peer-signed material without
// owning a key table of their own.
func (g *Gossip) PeerKey(peerID string) ed25519.PublicKey {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ks, ok := g.keys[peerID]
	if !ok {
		return nil
	}
	return ks.Active()
}

// Broadcast signs a message and fans it out to every peer in parallel.
// Failures never fail the caller; they are reported in the result counts.
func (g *Gossip) Broadcast(ctx context.Context, msgType string, payload any, ttl time.Duration) (models.BroadcastResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.BroadcastResult{}, protocol.Wrap(protocol.KindBadRequest, err)
	}
	if ttl <= 0 {
		ttl = DefaultGossipTTL
	}
	msg := &models.MeshMessage{
		ID:         uuid.NewString(),
		Type:       msgType,
		FromPeerID: g.self.PeerID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
		Payload:    raw,
	}
	if err := protocol.SignMessage(msg, g.id.Private); err != nil {
		return models.BroadcastResult{}, err
	}
	g.val.MarkSeen(msg.ID)
	g.metrics.GossipSent.Inc()
	return g.fanout(ctx, msg), nil
}

// fanout delivers msg to every known peer with a URL, bounded parallelism,
// per-peer backoff accounting.
func (g *Gossip) fanout(ctx context.Context, msg *models.MeshMessage) models.BroadcastResult {
	var delivered, failed atomic.Int64

	eg := &errgroup.Group{}
	eg.SetLimit(fanoutParallelism)
	for _, peer := range g.table.Snapshot() {
		peer := peer
		if peer.Identity.URL == "" {
			continue
		}
		if !g.recon.Allow(peer.Identity.PeerID) {
			failed.Add(1)
			continue
		}
		eg.Go(func() error {
			if err := g.client.Ingest(ctx, peer.Identity.URL, msg); err != nil {
				g.recon.Failure(peer.Identity.PeerID)
				failed.Add(1)
				g.log.Debug("Gossip delivery failed",
					zap.String("peerId", peer.Identity.PeerID),
					zap.String("type", msg.Type),
					zap.Error(err))
				return nil
			}
			g.recon.Success(peer.Identity.PeerID)
			delivered.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	g.metrics.BroadcastDelivered.Add(float64(delivered.Load()))
	g.metrics.BroadcastFailed.Add(float64(failed.Load()))
	return models.BroadcastResult{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}

// HandleInbound validates one received message and dispatches it. Own
// messages return nil without processing. The returned error carries the
// validation kind for the API layer.
func (g *Gossip) HandleInbound(ctx context.Context, msg *models.MeshMessage) error {
	if msg.FromPeerID == g.self.PeerID {
		return nil
	}
	verifier := g.verifierFor(msg.FromPeerID)
	if verifier == nil {
		g.metrics.GossipDropped.WithLabelValues("unknown_peer").Inc()
		return protocol.E(protocol.KindInvalidSignature)
	}
	if err := g.val.Validate(msg, verifier); err != nil {
		g.metrics.GossipDropped.WithLabelValues(string(protocol.KindOf(err))).Inc()
		return err
	}

	g.table.Touch(msg.FromPeerID, time.Now().UnixMilli())
	g.metrics.GossipReceived.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case models.MsgPeerExchange:
		g.mergeExchange(ctx, msg)
	case models.MsgCapabilitySummary:
		g.mergeCapability(msg)
	}

	g.mu.RLock()
	subs := append([]HandlerFunc(nil), g.handlers[msg.Type]...)
	g.mu.RUnlock()
	for _, fn := range subs {
		fn(ctx, msg)
	}
	return nil
}

// Run drives the periodic loops until ctx is cancelled.
func (g *Gossip) Run(ctx context.Context) {
	exchange := time.NewTicker(g.exchangeInterval)
	evict := time.NewTicker(g.evictInterval)
	capability := time.NewTicker(g.capabilityInterval)
	defer exchange.Stop()
	defer evict.Stop()
	defer capability.Stop()

	g.log.Info("Mesh loops started",
		zap.Duration("exchangeInterval", g.exchangeInterval),
		zap.Duration("evictInterval", g.evictInterval),
		zap.Duration("capabilityInterval", g.capabilityInterval))

	for {
		select {
		case <-ctx.Done():
			g.log.Info("Mesh loops stopped")
			return
		case <-exchange.C:
			g.broadcastExchange(ctx)
		case <-evict.C:
			g.sweepPeers(ctx)
		case <-capability.C:
			g.broadcastCapability(ctx)
		}
	}
}

func (g *Gossip) sweepPeers(ctx context.Context) {
	evicted := g.table.Evict(time.Now().UnixMilli())
	if len(evicted) == 0 {
		return
	}
	g.mu.Lock()
	for _, id := range evicted {
		delete(g.keys, id)
		delete(g.caps, id)
	}
	g.mu.Unlock()
	for _, id := range evicted {
		if g.store != nil {
			if err := g.store.DeletePeer(ctx, id); err != nil {
				g.log.Warn("Peer delete failed", zap.String("peerId", id), zap.Error(err))
			}
		}
		g.emit("peer_evicted", id)
	}
	g.metrics.PeerTableSize.Set(float64(g.table.Size()))
	g.log.Info("Evicted stale peers", zap.Int("count", len(evicted)), zap.Strings("peerIds", evicted))
}
