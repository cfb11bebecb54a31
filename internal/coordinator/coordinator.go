// Package coordinator assembles a full node from configuration: one
// identity, the mesh, the scheduler, the economy engines, the security
// layer and the HTTP surface, connected through the hooks each
// subsystem exposes. The API package serves these components; this
// package decides how they feed each other.
package coordinator

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgecoder/coordinator/internal/anchor"
	"github.com/edgecoder/coordinator/internal/api"
	"github.com/edgecoder/coordinator/internal/behavior"
	"github.com/edgecoder/coordinator/internal/blacklist"
	"github.com/edgecoder/coordinator/internal/config"
	"github.com/edgecoder/coordinator/internal/credits"
	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/ledger"
	"github.com/edgecoder/coordinator/internal/lightning"
	"github.com/edgecoder/coordinator/internal/mesh"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/scheduler"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/internal/trust"
	"github.com/edgecoder/coordinator/pkg/models"
)

// ErrIsolated reports that a public-mesh node with seeds configured saw
// an empty peer table for the whole isolation patience window. The CLI
// maps it to its own exit code so operators can alarm on it.
var ErrIsolated = errors.New("coordinator: persistently isolated from the mesh")

const (
	shutdownGrace       = 10 * time.Second
	meshClientTimeout   = 10 * time.Second
	blacklistSweepEvery = time.Minute

	// Isolation is declared only after the peer table stayed empty for
	// every probe in the patience run, about five minutes.
	isolationProbeEvery = 30 * time.Second
	isolationPatience   = 10
)

// Coordinator owns every long-lived component of one node.
type Coordinator struct {
	log *zap.Logger
	cfg *config.Config

	id      *identity.Identity
	metrics *metrics.Metrics
	store   store.Store

	mesh     *mesh.Gossip
	list     *blacklist.List
	defender *behavior.Defender
	sched    *scheduler.Scheduler
	direct   *scheduler.DirectWork
	chain    *ledger.Chain
	engine   *credits.Engine
	payments *credits.Payments
	syncer   *credits.Syncer
	quorum   *ledger.Quorum
	issuance *ledger.Issuance
	anchors  *ledger.Anchors
	verifier *trust.ReleaseVerifier
	hub      *api.Hub
	server   *api.Server

	btc *anchor.Bitcoind // non-nil when a node is configured, for Shutdown
}

// New builds and wires the whole stack. Construction touches external
// backends (database, bitcoind) but failures there degrade to in-memory
// or noop operation; only an unusable identity is fatal.
func New(cfg *config.Config, log *zap.Logger) (*Coordinator, error) {
	id, err := loadIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("coordinator identity: %w", err)
	}
	log.Info("Coordinator identity ready", zap.String("peerId", id.PeerID))

	c := &Coordinator{
		log:     log,
		cfg:     cfg,
		id:      id,
		metrics: metrics.New(),
		store:   store.NewMemory(),
	}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		pg, err := store.Connect(ctx, cfg.DatabaseURL)
		if err == nil {
			if err = pg.InitSchema(ctx); err != nil {
				pg.Close()
			}
		}
		if err != nil {
			log.Warn("Database unavailable, continuing without persistence", zap.Error(err))
		} else {
			c.store = pg
		}
	}

	c.mesh = mesh.New(mesh.Options{
		Self: models.PeerIdentity{
			PeerID:       id.PeerID,
			PublicKeyPEM: id.PublicPEM(),
			URL:          cfg.CoordinatorURL,
			NetworkMode:  cfg.NetworkMode,
			Role:         models.RoleCoordinator,
		},
		Identity:           id,
		Client:             mesh.NewClient(cfg.MeshAuthToken, meshClientTimeout),
		Log:                log.Named("gossip"),
		Metrics:            c.metrics,
		Store:              c.store,
		PeerTTL:            cfg.PeerTTL,
		ExchangeInterval:   cfg.PeerExchangeInterval,
		EvictInterval:      cfg.PeerEvictInterval,
		CapabilityInterval: cfg.CapabilityInterval,
	})

	c.list = blacklist.New(blacklist.Options{
		Log:            log.Named("blacklist"),
		Metrics:        c.metrics,
		Store:          c.store,
		Identity:       id,
		ReporterKey:    c.signerKey,
		CoordinatorKey: c.coordinatorKey,
	})

	c.defender = behavior.NewDefender(behavior.Options{
		Log:        log.Named("behavior"),
		Metrics:    c.metrics,
		Rules:      behavior.RuleSet{ClaimLimit: cfg.ClaimRateLimit},
		ReporterID: id.PeerID,
		Sign:       id.Sign,
		Ban: func(ctx context.Context, input models.BlacklistEvidenceInput) error {
			_, err := c.list.Report(ctx, input)
			return err
		},
		Banned: c.list.IsBlacklisted,
	})

	releaseKeys := parseReleaseKeys(cfg.ReleaseKeysPEM, log)
	var fetch trust.ManifestFetcher
	if cfg.ReleaseManifestURL != "" {
		fetch = manifestFetcher(cfg.ReleaseManifestURL)
	}
	var attest func(models.AgentRegistration) string
	if len(releaseKeys) > 0 || fetch != nil {
		c.verifier = trust.NewReleaseVerifier(releaseKeys, fetch, log.Named("trust"))
		attest = c.verifier.Attest
	}

	c.sched = scheduler.New(scheduler.Options{
		Log:           log.Named("scheduler"),
		Metrics:       c.metrics,
		Store:         c.store,
		QueueMaxDepth: cfg.QueueMaxDepth,
		MaxRequeues:   cfg.MaxRequeues,
		ClaimTimeout:  cfg.ClaimTimeout,
		Heartbeat:     cfg.HeartbeatFresh,
		SubmitLimit:   cfg.SubmitRateLimit,
		SubmitWindow:  cfg.SubmitRateWindow,
		ClaimLimit:    cfg.ClaimRateLimit,
		ClaimWindow:   cfg.ClaimRateWindow,
		Blacklisted:   c.list.IsBlacklisted,
		Attest:        attest,
	})
	c.sched.SetSweepInterval(cfg.RequeueSweep)
	c.direct = scheduler.NewDirectWork()

	c.chain = ledger.NewChain(id, c.store, c.metrics, log.Named("ledger"))
	c.engine = credits.New(credits.Options{
		Log:                  log.Named("credits"),
		Metrics:              c.metrics,
		Store:                c.store,
		MinContributionRatio: cfg.MinContributionRatio,
		ContributionBurst:    cfg.ContributionBurst,
	})
	c.payments = credits.NewPayments(c.engine, c.lightningProvider(), c.store, c.sched.Load, log.Named("payments"))
	c.syncer = credits.NewSyncer(c.engine, c.agentKey, c.sched.Load, log.Named("blesync"))

	c.quorum = ledger.NewQuorum(id, c.store, c.metrics, log.Named("quorum"))
	c.issuance = ledger.NewIssuance(ledger.IssuanceOptions{
		Log:              log.Named("issuance"),
		Store:            c.store,
		CoordinatorID:    id.PeerID,
		Window:           cfg.IssuanceWindow,
		BasePool:         cfg.IssuanceBasePool,
		MinPool:          cfg.IssuanceMinPool,
		MaxPool:          cfg.IssuanceMaxPool,
		Slope:            cfg.IssuanceSlope,
		Alpha:            cfg.IssuanceAlpha,
		CoordinatorShare: cfg.CoordinatorShare,
		ReserveShare:     cfg.ReserveShare,
		Load:             c.sched.Load,
		Earned:           c.engine.EarnedInWindow,
	})
	c.anchors = ledger.NewAnchors(ledger.AnchorsOptions{
		Log:      log.Named("anchors"),
		Metrics:  c.metrics,
		Store:    c.store,
		Provider: c.anchorProvider(),
	})

	c.hub = api.NewHub(log)
	c.server = api.New(api.Options{
		Log:       log,
		Cfg:       cfg,
		Metrics:   c.metrics,
		Mesh:      c.mesh,
		Scheduler: c.sched,
		Direct:    c.direct,
		Credits:   c.engine,
		Payments:  c.payments,
		Syncer:    c.syncer,
		Chain:     c.chain,
		Quorum:    c.quorum,
		Issuance:  c.issuance,
		Anchors:   c.anchors,
		Blacklist: c.list,
		Defender:  c.defender,
		Signed:    trust.NewSignedRequests(c.agentKey, cfg.MaxSkew),
		Hub:       c.hub,
	})

	c.wire()
	return c, nil
}

// loadIdentity prefers an inline key so containerized deployments can
// inject it as a secret; otherwise the key file is created on first run.
func loadIdentity(cfg *config.Config) (*identity.Identity, error) {
	if cfg.PrivateKeyPEM != "" {
		return identity.FromPrivatePEM(cfg.PrivateKeyPEM)
	}
	return identity.LoadOrCreate(cfg.KeyFile)
}

// agentKey resolves a registered agent's public key for signed-request
// and contribution-report verification.
func (c *Coordinator) agentKey(agentID string) ed25519.PublicKey {
	info, ok := c.sched.Agent(agentID)
	if !ok {
		return nil
	}
	pub, err := identity.ParsePublicPEM(info.PublicKeyPEM)
	if err != nil {
		return nil
	}
	return pub
}

// coordinatorKey resolves chain-signing coordinators: ourselves or a
// peer learned over the mesh.
func (c *Coordinator) coordinatorKey(peerID string) ed25519.PublicKey {
	if peerID == c.id.PeerID {
		return c.id.Public
	}
	return c.mesh.PeerKey(peerID)
}

// signerKey resolves any evidence reporter: ourselves, a registered
// agent, or a mesh peer.
func (c *Coordinator) signerKey(id string) ed25519.PublicKey {
	if id == c.id.PeerID {
		return c.id.Public
	}
	if key := c.agentKey(id); key != nil {
		return key
	}
	return c.mesh.PeerKey(id)
}

func (c *Coordinator) anchorProvider() anchor.Provider {
	if c.cfg.BTCRPCHost == "" {
		return anchor.Noop{}
	}
	btc, err := anchor.NewBitcoind(anchor.BitcoindConfig{
		Host: c.cfg.BTCRPCHost,
		User: c.cfg.BTCRPCUser,
		Pass: c.cfg.BTCRPCPass,
	}, c.log.Named("bitcoind"))
	if err != nil {
		c.log.Warn("Bitcoin node unavailable, anchoring disabled", zap.Error(err))
		return anchor.Noop{}
	}
	c.btc = btc
	return btc
}

func (c *Coordinator) lightningProvider() lightning.Provider {
	if c.cfg.LNDRestURL == "" {
		return lightning.Noop{}
	}
	return lightning.NewLND(c.cfg.LNDRestURL, c.cfg.LNDMacaroonHex, c.log.Named("lnd"))
}

// parseReleaseKeys splits concatenated SPKI PEM blocks into trusted
// release keys. Malformed blocks are skipped so one bad key cannot take
// attestation down with it.
func parseReleaseKeys(pemBlocks string, log *zap.Logger) []models.ReleaseKey {
	var keys []models.ReleaseKey
	rest := []byte(pemBlocks)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		pemStr := string(pem.EncodeToMemory(block))
		pub, err := identity.ParsePublicPEM(pemStr)
		if err != nil {
			log.Warn("Skipping unparseable release key", zap.Error(err))
			continue
		}
		keys = append(keys, models.ReleaseKey{
			KeyID:        identity.PeerIDFor(pub),
			PublicKeyPEM: pemStr,
		})
	}
	return keys
}

// manifestFetcher pulls release manifests from the release channel at
// <base>/<version>.json.
func manifestFetcher(baseURL string) trust.ManifestFetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(baseURL, "/")
	return func(ctx context.Context, releaseVersion string) (models.ReleaseManifest, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+releaseVersion+".json", nil)
		if err != nil {
			return models.ReleaseManifest{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return models.ReleaseManifest{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return models.ReleaseManifest{}, fmt.Errorf("manifest fetch for %s: status %d", releaseVersion, resp.StatusCode)
		}
		var m models.ReleaseManifest
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return models.ReleaseManifest{}, err
		}
		return m, nil
	}
}

// wire connects the cross-component hooks: scheduler lifecycle into the
// ordering chain, behavior defense and the live stream; blacklist
// updates onto the mesh; closed issuance epochs into quorum
// finalization.
func (c *Coordinator) wire() {
	c.sched.SetRecorder(func(eventType string, st models.Subtask, agentID string) {
		if _, err := c.chain.Append(eventType, st.TaskID, st.ID, agentID, ""); err != nil {
			c.log.Error("Ordering chain append failed",
				zap.String("eventType", eventType),
				zap.String("subtaskId", st.ID),
				zap.Error(err))
		}
		if agentID != "" && (eventType == models.EventTaskRequeued || eventType == models.EventTaskFailed) {
			c.defender.ObserveRequeue(context.Background(), agentID)
		}
	})
	c.sched.SetEventSink(func(event string, data any) {
		c.hub.BroadcastEvent(event, data)
		switch event {
		case models.EventTaskEnqueued:
			go func() { _, _ = c.mesh.Broadcast(context.Background(), models.MsgTaskOffer, data, 0) }()
		case models.EventTaskComplete:
			go func() { _, _ = c.mesh.Broadcast(context.Background(), models.MsgTaskComplete, data, 0) }()
		}
	})

	c.defender.SetEventSink(func(ev models.AnomalyEvent) {
		c.hub.BroadcastEvent("anomaly", ev)
	})
	c.chain.SetSuspendHook(func(reason string) {
		c.log.Error("Ordering chain suspended", zap.String("reason", reason))
		c.hub.BroadcastEvent("ledger_suspended", map[string]string{"reason": reason})
	})
	c.list.SetAcceptHook(func(rec models.BlacklistRecord) {
		c.hub.BroadcastEvent("blacklist_update", rec)
		// Only locally-originated events go out; federated ones arrived
		// over gossip already.
		if rec.SourceCoordinatorID == c.id.PeerID {
			go func() { _, _ = c.mesh.Broadcast(context.Background(), models.MsgBlacklistUpdate, rec, 0) }()
		}
	})
	c.anchors.SetEventSink(func(rec models.AnchorRecord) {
		c.hub.BroadcastEvent("anchor_update", rec)
	})
	c.issuance.SetEpochHook(func(epoch models.IssuanceEpoch) {
		c.finalizeEpoch(context.Background(), epoch)
	})

	c.mesh.SetCapabilitySource(c.sched.Capability)
	c.mesh.SetEventSink(func(event string, data any) {
		c.hub.BroadcastEvent(event, data)
		if event != "peer_joined" {
			return
		}
		pid, ok := data.(models.PeerIdentity)
		if !ok || pid.Role != models.RoleCoordinator {
			return
		}
		if pub := c.mesh.PeerKey(pid.PeerID); pub != nil {
			c.quorum.ApproveCoordinator(pid.PeerID, pub)
		}
	})
	c.subscribeMesh()
}

// subscribeMesh installs the gossip consumers for federation traffic.
func (c *Coordinator) subscribeMesh() {
	c.mesh.Subscribe(models.MsgBlacklistUpdate, func(ctx context.Context, msg *models.MeshMessage) {
		var rec models.BlacklistRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			c.log.Warn("Malformed blacklist update", zap.String("fromPeerId", msg.FromPeerID), zap.Error(err))
			return
		}
		if err := c.list.Ingest(ctx, rec); err != nil {
			c.log.Debug("Blacklist update not ingested",
				zap.String("eventId", rec.EventID), zap.Error(err))
		}
	})

	c.mesh.Subscribe(models.MsgQuorumProposal, func(ctx context.Context, msg *models.MeshMessage) {
		var rec models.QuorumLedgerRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			return
		}
		if _, err := c.quorum.Propose(rec.EpochID, rec.PayloadJSON); err != nil {
			c.log.Debug("Foreign proposal not opened", zap.String("epochId", rec.EpochID), zap.Error(err))
			return
		}
		vote, err := c.quorum.CastVote(rec.EpochID, true)
		if err != nil {
			return
		}
		_, _ = c.mesh.Broadcast(ctx, models.MsgQuorumVote, vote, 0)
		c.maybeCommit(ctx, rec.EpochID)
	})
	c.mesh.Subscribe(models.MsgQuorumVote, func(ctx context.Context, msg *models.MeshMessage) {
		var vote models.QuorumVoteInput
		if err := json.Unmarshal(msg.Payload, &vote); err != nil {
			return
		}
		if _, err := c.quorum.ReceiveVote(vote); err != nil {
			c.log.Debug("Quorum vote rejected", zap.String("epochId", vote.EpochID), zap.Error(err))
			return
		}
		c.maybeCommit(ctx, vote.EpochID)
	})
	c.mesh.Subscribe(models.MsgQuorumCommit, func(ctx context.Context, msg *models.MeshMessage) {
		var rec models.QuorumLedgerRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			return
		}
		c.maybeCommit(ctx, rec.EpochID)
	})

	// Work and direct-work traffic from peers feeds the live stream so
	// dashboards see mesh-wide activity, not just this node's.
	for _, msgType := range []string{
		models.MsgTaskOffer, models.MsgTaskComplete,
		models.MsgDirectWorkOffer, models.MsgDirectWorkAccept, models.MsgDirectWorkResult,
	} {
		msgType := msgType
		c.mesh.Subscribe(msgType, func(ctx context.Context, msg *models.MeshMessage) {
			var payload any
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				return
			}
			c.hub.BroadcastEvent(msgType, payload)
		})
	}
}

// finalizeEpoch drives a closed epoch through the quorum flow. With a
// single-node voting set our own vote is the majority, so the epoch
// commits, checkpoints and goes out for anchoring in one pass; with
// peers the commit completes when enough votes gossip back.
func (c *Coordinator) finalizeEpoch(ctx context.Context, epoch models.IssuanceEpoch) {
	payload, err := json.Marshal(epoch)
	if err != nil {
		c.log.Error("Epoch serialization failed", zap.String("epochId", epoch.IssuanceEpochID), zap.Error(err))
		return
	}
	proposal, err := c.quorum.Propose(epoch.IssuanceEpochID, string(payload))
	if err != nil {
		c.log.Error("Epoch proposal failed", zap.String("epochId", epoch.IssuanceEpochID), zap.Error(err))
		return
	}
	_, _ = c.mesh.Broadcast(ctx, models.MsgQuorumProposal, proposal, 0)

	vote, err := c.quorum.CastVote(epoch.IssuanceEpochID, true)
	if err != nil {
		c.log.Error("Epoch vote failed", zap.String("epochId", epoch.IssuanceEpochID), zap.Error(err))
		return
	}
	_, _ = c.mesh.Broadcast(ctx, models.MsgQuorumVote, vote, 0)

	c.hub.BroadcastEvent("issuance_epoch", epoch)
	c.maybeCommit(ctx, epoch.IssuanceEpochID)
}

// maybeCommit commits, checkpoints and anchors once a majority
// approved. Safe to call repeatedly per epoch; replays stop at the
// already-committed guard inside Commit.
func (c *Coordinator) maybeCommit(ctx context.Context, epochID string) {
	if c.quorum.Approvals(epochID) < c.quorum.Majority() {
		return
	}
	commit, err := c.quorum.Commit(epochID)
	if err != nil {
		return
	}
	_, _ = c.mesh.Broadcast(ctx, models.MsgQuorumCommit, commit, 0)

	checkpoint, err := c.quorum.Checkpoint(epochID)
	if err != nil {
		c.log.Error("Epoch checkpoint failed", zap.String("epochId", epochID), zap.Error(err))
		return
	}
	c.hub.BroadcastEvent("quorum_checkpoint", checkpoint)
	if _, err := c.anchors.Submit(ctx, checkpoint.Hash); err != nil {
		c.log.Warn("Checkpoint anchoring failed",
			zap.String("epochId", epochID),
			zap.String("checkpointHash", checkpoint.Hash),
			zap.Error(err))
	}
}

// Restore warm-starts every engine from persistence. Chains restore
// before anything that appends to them; re-learning stored peers also
// re-approves coordinator voters through the peer_joined sink.
func (c *Coordinator) Restore(ctx context.Context) {
	c.chain.Restore(ctx)
	c.list.Restore(ctx)
	c.engine.Restore(ctx)
	c.sched.Restore(ctx)
	c.anchors.Restore(ctx)

	peers, err := c.store.ListPeers(ctx)
	if err != nil {
		c.log.Warn("Peer reload failed", zap.Error(err))
		return
	}
	for _, entry := range peers {
		c.mesh.LearnPeer(ctx, entry.Identity, entry.LastSeenMs)
	}
	if len(peers) > 0 {
		c.log.Info("Restored peer table", zap.Int("count", len(peers)))
	}
}

// Run restores state, joins the mesh and serves until ctx is cancelled
// or a fatal condition surfaces. A nil return is a clean shutdown;
// ErrIsolated reports persistent mesh isolation.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Restore(ctx)

	go c.hub.Run()

	reached, _ := c.mesh.Bootstrap(ctx, c.cfg.BootstrapURLs)
	if len(c.cfg.BootstrapURLs) > 0 && reached == 0 {
		c.log.Warn("No bootstrap seed reachable, watching for isolation")
	}

	httpSrv := &http.Server{
		Addr:    ":" + c.cfg.Port,
		Handler: c.server.Router(),
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		c.mesh.Run(gctx)
		return nil
	})
	eg.Go(func() error {
		c.sched.Run(gctx)
		return nil
	})
	eg.Go(func() error {
		c.issuance.Run(gctx, c.cfg.IssuanceRecalc)
		return nil
	})
	eg.Go(func() error {
		c.anchors.Run(gctx, c.cfg.AnchorInterval)
		return nil
	})
	if c.verifier != nil {
		eg.Go(func() error {
			c.verifier.Run(gctx, trust.DefaultManifestRefresh)
			return nil
		})
	}
	eg.Go(func() error {
		ticker := time.NewTicker(blacklistSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := c.list.Sweep(); n > 0 {
					c.log.Info("Expired blacklist entries", zap.Int("count", n))
				}
			}
		}
	})
	if c.cfg.NetworkMode == models.NetworkPublicMesh && len(c.cfg.BootstrapURLs) > 0 {
		eg.Go(func() error { return c.watchIsolation(gctx) })
	}
	eg.Go(func() error {
		c.log.Info("HTTP listener up", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	c.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	c.log.Info("Coordinator stopped")
	return nil
}

// watchIsolation flags a node that should be meshed but sees nobody
// across the whole patience window.
func (c *Coordinator) watchIsolation(ctx context.Context) error {
	ticker := time.NewTicker(isolationProbeEvery)
	defer ticker.Stop()
	empty := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(c.mesh.Peers()) > 0 {
				empty = 0
				continue
			}
			empty++
			if empty >= isolationPatience {
				c.log.Error("Peer table empty beyond the isolation window",
					zap.Duration("window", time.Duration(empty)*isolationProbeEvery))
				return ErrIsolated
			}
		}
	}
}

// close releases external connections after the loops stop.
func (c *Coordinator) close() {
	if c.btc != nil {
		c.btc.Shutdown()
	}
	c.store.Close()
}
