package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// testNode is one in-process coordinator: a Gossip service behind a
// minimal HTTP surface mirroring the mesh endpoints.
type testNode struct {
	id  *identity.Identity
	g   *Gossip
	srv *httptest.Server
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	n := &testNode{id: id}

	mux := http.NewServeMux()
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(n.g.Self())
	})
	mux.HandleFunc("/mesh/peers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"peers": n.g.Peers()})
	})
	mux.HandleFunc("/mesh/register-peer", func(w http.ResponseWriter, r *http.Request) {
		var pid models.PeerIdentity
		if err := json.NewDecoder(r.Body).Decode(&pid); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n.g.LearnPeer(r.Context(), pid, time.Now().UnixMilli())
		json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
	})
	mux.HandleFunc("/mesh/ingest", func(w http.ResponseWriter, r *http.Request) {
		var msg models.MeshMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		err := n.g.HandleInbound(r.Context(), &msg)
		if err != nil && protocol.KindOf(err) != protocol.KindDuplicateMessage {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	})

	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.srv.Close)

	n.g = New(Options{
		Self: models.PeerIdentity{
			PeerID:       id.PeerID,
			PublicKeyPEM: id.PublicPEM(),
			URL:          n.srv.URL,
			NetworkMode:  models.NetworkPublicMesh,
			Role:         models.RoleCoordinator,
		},
		Identity:           id,
		Client:             NewClient("", 2*time.Second),
		Log:                zap.NewNop(),
		Metrics:            metrics.New(),
		PeerTTL:            2 * time.Minute,
		ExchangeInterval:   time.Hour,
		EvictInterval:      time.Hour,
		CapabilityInterval: time.Hour,
	})
	return n
}

// wire makes two nodes mutually aware, as register-peer would.
func wire(a, b *testNode) {
	nowMs := time.Now().UnixMilli()
	a.g.LearnPeer(context.Background(), b.g.Self(), nowMs)
	b.g.LearnPeer(context.Background(), a.g.Self(), nowMs)
}

// signedFrom builds a signed envelope as the given identity.
func signedFrom(t *testing.T, id *identity.Identity, msgType string, payload any) *models.MeshMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	msg := &models.MeshMessage{
		ID:         uuid.NewString(),
		Type:       msgType,
		FromPeerID: id.PeerID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      60000,
		Payload:    raw,
	}
	if err := protocol.SignMessage(msg, id.Private); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return msg
}

func TestGossip_BroadcastDelivers(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	wire(a, b)

	received := make(chan *models.MeshMessage, 1)
	b.g.Subscribe(models.MsgTaskOffer, func(ctx context.Context, msg *models.MeshMessage) {
		received <- msg
	})

	result, err := a.g.Broadcast(context.Background(), models.MsgTaskOffer,
		map[string]string{"subtaskId": "st-1"}, 0)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if result.Delivered != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want delivered=1 failed=0", result)
	}

	select {
	case msg := <-received:
		if msg.FromPeerID != a.id.PeerID {
			t.Errorf("fromPeerId = %s, want %s", msg.FromPeerID, a.id.PeerID)
		}
		var payload map[string]string
		json.Unmarshal(msg.Payload, &payload)
		if payload["subtaskId"] != "st-1" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Handler never received the broadcast")
	}
}

func TestGossip_RejectsUnknownSender(t *testing.T) {
	b := newTestNode(t)
	stranger, _ := identity.Generate()

	msg := signedFrom(t, stranger, models.MsgTaskOffer, map[string]string{})
	err := b.g.HandleInbound(context.Background(), msg)
	if protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Errorf("kind = %q, want %q", protocol.KindOf(err), protocol.KindInvalidSignature)
	}
}

func TestGossip_DuplicateAndTamper(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	wire(a, b)

	msg := signedFrom(t, a.id, models.MsgTaskOffer, map[string]string{"subtaskId": "st-1"})
	if err := b.g.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("First delivery rejected: %v", err)
	}
	err := b.g.HandleInbound(context.Background(), msg)
	if protocol.KindOf(err) != protocol.KindDuplicateMessage {
		t.Errorf("Redelivery kind = %q, want %q", protocol.KindOf(err), protocol.KindDuplicateMessage)
	}

	tampered := signedFrom(t, a.id, models.MsgTaskOffer, map[string]string{"subtaskId": "st-2"})
	tampered.Payload = json.RawMessage(`{"subtaskId":"st-999"}`)
	err = b.g.HandleInbound(context.Background(), tampered)
	if protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Errorf("Tampered kind = %q, want %q", protocol.KindOf(err), protocol.KindInvalidSignature)
	}
}

func TestGossip_OwnMessageIgnored(t *testing.T) {
	a := newTestNode(t)
	msg := signedFrom(t, a.id, models.MsgTaskOffer, map[string]string{})

	called := false
	a.g.Subscribe(models.MsgTaskOffer, func(ctx context.Context, msg *models.MeshMessage) {
		called = true
	})
	if err := a.g.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("Own message returned error: %v", err)
	}
	if called {
		t.Errorf("Own message reached subscribers")
	}
}

func TestGossip_KeyRotationGrace(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	wire(a, b)

	// a rotates; b re-learns the new key via a fresh registration.
	oldKey := a.id
	rotated, _ := identity.Generate()
	rotated.PeerID = a.id.PeerID
	newSelf := a.g.Self()
	newSelf.PublicKeyPEM = rotated.PublicPEM()
	b.g.LearnPeer(context.Background(), newSelf, time.Now().UnixMilli())

	// In-flight messages signed under the previous key still verify.
	if err := b.g.HandleInbound(context.Background(), signedFrom(t, oldKey, models.MsgTaskOffer, map[string]string{})); err != nil {
		t.Errorf("Old-key message rejected during grace: %v", err)
	}
	if err := b.g.HandleInbound(context.Background(), signedFrom(t, rotated, models.MsgTaskOffer, map[string]string{})); err != nil {
		t.Errorf("New-key message rejected: %v", err)
	}
}

func TestGossip_PeerExchangePropagation(t *testing.T) {
	// Five nodes wired in a line. One task_offer reaches only the direct
	// neighbor; two exchange cycles flood full membership to everyone.
	nodes := make([]*testNode, 5)
	for i := range nodes {
		nodes[i] = newTestNode(t)
	}
	for i := 0; i < len(nodes)-1; i++ {
		wire(nodes[i], nodes[i+1])
	}

	offers := make(chan string, len(nodes))
	for _, n := range nodes[1:] {
		n := n
		n.g.Subscribe(models.MsgTaskOffer, func(ctx context.Context, msg *models.MeshMessage) {
			offers <- n.id.PeerID
		})
	}

	result, err := nodes[0].g.Broadcast(context.Background(), models.MsgTaskOffer,
		map[string]string{"subtaskId": "st-1"}, 0)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if result.Delivered != 1 {
		t.Fatalf("Initial broadcast delivered = %d, want 1 (only the direct neighbor)", result.Delivered)
	}

	ctx := context.Background()
	for cycle := 0; cycle < 2; cycle++ {
		for _, n := range nodes {
			n.g.broadcastExchange(ctx)
		}
	}

	for i, n := range nodes {
		if size := len(n.g.Peers()); size != len(nodes)-1 {
			t.Errorf("node %d peer table size = %d, want %d", i, size, len(nodes)-1)
		}
	}

	// Full membership means a new broadcast now reaches every node.
	result, err = nodes[0].g.Broadcast(context.Background(), models.MsgTaskOffer,
		map[string]string{"subtaskId": "st-2"}, 0)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if result.Delivered != len(nodes)-1 || result.Failed != 0 {
		t.Errorf("Post-exchange broadcast = %+v, want delivered=%d failed=0", result, len(nodes)-1)
	}
}

func TestGossip_BootstrapThroughSeed(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)
	wire(b, c)

	reached, err := a.g.Bootstrap(context.Background(), []string{b.srv.URL})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if reached != 1 {
		t.Fatalf("reached = %d, want 1", reached)
	}

	if len(a.g.Peers()) != 2 {
		t.Errorf("Bootstrapped node knows %d peers, want 2", len(a.g.Peers()))
	}
	for _, n := range []*testNode{b, c} {
		found := false
		for _, entry := range n.g.Peers() {
			if entry.Identity.PeerID == a.id.PeerID {
				found = true
			}
		}
		if !found {
			t.Errorf("Peer %s never learned the bootstrapping node", n.id.PeerID)
		}
	}
}

func TestGossip_BootstrapWithoutSeeds(t *testing.T) {
	a := newTestNode(t)
	reached, err := a.g.Bootstrap(context.Background(), nil)
	if err != nil || reached != 0 {
		t.Errorf("Bootstrap() = (%d, %v), want (0, nil)", reached, err)
	}
}

func TestGossip_CapabilityMergeAndFindCapacity(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	wire(a, b)

	summary := models.CapabilitySummary{
		CoordinatorID: b.id.PeerID,
		AgentCount:    3,
		ModelAvailability: map[string]models.ModelCapability{
			"qwen-2.5-coder-7b": {AgentCount: 2, TotalParamCapacity: 14, AvgLoad: 0.4},
		},
		TimestampMs: 2000,
	}
	if err := a.g.HandleInbound(context.Background(), signedFrom(t, b.id, models.MsgCapabilitySummary, summary)); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	entry, ok := a.g.FindCapacity("qwen-2.5-coder-7b")
	if !ok || entry.Identity.PeerID != b.id.PeerID {
		t.Fatalf("FindCapacity = (%+v, %v), want peer %s", entry, ok, b.id.PeerID)
	}
	if _, ok := a.g.FindCapacity("model-nobody-serves"); ok {
		t.Errorf("FindCapacity matched a model nobody advertised")
	}

	// A stale summary must not clobber the newer one.
	stale := summary
	stale.ModelAvailability = nil
	stale.TimestampMs = 1000
	if err := a.g.HandleInbound(context.Background(), signedFrom(t, b.id, models.MsgCapabilitySummary, stale)); err != nil {
		t.Fatalf("HandleInbound stale: %v", err)
	}
	if _, ok := a.g.FindCapacity("qwen-2.5-coder-7b"); !ok {
		t.Errorf("Stale summary overwrote the newer advertisement")
	}
}

func TestGossip_SweepRemovesStalePeerAndKeys(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	staleMs := time.Now().UnixMilli() - (2 * time.Minute).Milliseconds()
	a.g.LearnPeer(context.Background(), b.g.Self(), staleMs)
	a.g.sweepPeers(context.Background())

	if len(a.g.Peers()) != 0 {
		t.Fatalf("Stale peer survived the sweep")
	}
	// The key went with it, so the peer must re-register before its
	// messages verify again.
	err := a.g.HandleInbound(context.Background(), signedFrom(t, b.id, models.MsgTaskOffer, map[string]string{}))
	if protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Errorf("kind = %q, want %q after eviction", protocol.KindOf(err), protocol.KindInvalidSignature)
	}
}
