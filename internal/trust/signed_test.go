package trust

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/protocol"
)

func testVerifier(t *testing.T) (*SignedRequests, *identity.Identity) {
	t.Helper()
	agent, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	keys := func(agentID string) ed25519.PublicKey {
		if agentID == agent.PeerID {
			return agent.Public
		}
		return nil
	}
	return NewSignedRequests(keys, DefaultMaxSkew), agent
}

func signedRequest(agent *identity.Identity, timestampMs int64, nonce string, body []byte) SignedRequest {
	bodyHash := BodyHash(body)
	req := SignedRequest{
		AgentID:     agent.PeerID,
		TimestampMs: timestampMs,
		Nonce:       nonce,
		BodyHash:    bodyHash,
		Method:      "POST",
		Path:        "/submit",
		Body:        body,
	}
	req.Signature = agent.Sign(CanonicalRequest(timestampMs, nonce, req.Method, req.Path, bodyHash))
	return req
}

func TestSignedRequests_ReplayThenSkew(t *testing.T) {
	s, agent := testVerifier(t)
	base := int64(1_700_000_000_000)
	s.now = func() int64 { return base }

	body := []byte(`{"projectId":"p1"}`)
	req := signedRequest(agent, base, "nonce-1", body)
	if err := s.Verify(req); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := s.Verify(req); protocol.KindOf(err) != protocol.KindReplayDetected {
		t.Fatalf("replay got %v, want replay_detected", err)
	}

	stale := signedRequest(agent, base-DefaultMaxSkew.Milliseconds()-1, "nonce-2", body)
	if err := s.Verify(stale); protocol.KindOf(err) != protocol.KindTimestampSkew {
		t.Fatalf("stale got %v, want timestamp_skew", err)
	}
}

func TestSignedRequests_SkewBoundary(t *testing.T) {
	s, agent := testVerifier(t)
	base := int64(1_700_000_000_000)
	s.now = func() int64 { return base }
	skew := DefaultMaxSkew.Milliseconds()

	cases := []struct {
		name string
		ts   int64
		kind protocol.Kind
	}{
		{"exactly skew behind", base - skew, ""},
		{"one ms too old", base - skew - 1, protocol.KindTimestampSkew},
		{"exactly skew ahead", base + skew, ""},
		{"one ms too new", base + skew + 1, protocol.KindTimestampSkew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(agent, tc.ts, "nonce-"+tc.name, nil)
			if err := s.Verify(req); protocol.KindOf(err) != tc.kind {
				t.Fatalf("got %v, want kind %q", err, tc.kind)
			}
		})
	}
}

func TestSignedRequests_Rejections(t *testing.T) {
	s, agent := testVerifier(t)
	base := int64(1_700_000_000_000)
	s.now = func() int64 { return base }
	body := []byte(`{"x":1}`)

	t.Run("missing headers", func(t *testing.T) {
		req := signedRequest(agent, base, "n-missing", body)
		req.Nonce = ""
		if err := s.Verify(req); protocol.KindOf(err) != protocol.KindMeshUnauthorized {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("swapped body", func(t *testing.T) {
		req := signedRequest(agent, base, "n-swap", body)
		req.Body = []byte(`{"x":2}`)
		if err := s.Verify(req); protocol.KindOf(err) != protocol.KindInvalidSignature {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		stranger, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		req := signedRequest(stranger, base, "n-stranger", body)
		if err := s.Verify(req); protocol.KindOf(err) != protocol.KindInvalidSignature {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("tampered path", func(t *testing.T) {
		req := signedRequest(agent, base, "n-path", body)
		req.Path = "/economy/payments/intents"
		err := s.Verify(req)
		if protocol.KindOf(err) != protocol.KindInvalidSignature {
			t.Fatalf("got %v", err)
		}
		// Signature failures carry no detail.
		if perr, ok := err.(*protocol.Error); !ok || perr.Message != "" {
			t.Fatalf("leaky failure: %v", err)
		}
	})
}

func TestSignedRequests_NonceScope(t *testing.T) {
	agentA, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	agentB, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	keys := func(agentID string) ed25519.PublicKey {
		switch agentID {
		case agentA.PeerID:
			return agentA.Public
		case agentB.PeerID:
			return agentB.Public
		}
		return nil
	}
	s := NewSignedRequests(keys, DefaultMaxSkew)
	base := int64(1_700_000_000_000)
	s.now = func() int64 { return base }

	// The same nonce from different agents is two distinct nonces.
	if err := s.Verify(signedRequest(agentA, base, "shared", nil)); err != nil {
		t.Fatalf("agent A: %v", err)
	}
	if err := s.Verify(signedRequest(agentB, base, "shared", nil)); err != nil {
		t.Fatalf("agent B: %v", err)
	}
}

func TestSignedRequests_FailedSignatureDoesNotBurnNonce(t *testing.T) {
	s, agent := testVerifier(t)
	base := int64(1_700_000_000_000)
	s.now = func() int64 { return base }

	forged := signedRequest(agent, base, "nonce-1", nil)
	forged.Signature = agent.Sign([]byte("something else"))
	if err := s.Verify(forged); protocol.KindOf(err) != protocol.KindInvalidSignature {
		t.Fatalf("forged got %v", err)
	}
	if err := s.Verify(signedRequest(agent, base, "nonce-1", nil)); err != nil {
		t.Fatalf("legitimate request after forgery: %v", err)
	}
}

func TestSignedRequests_NonceExpiresWithWindow(t *testing.T) {
	s, agent := testVerifier(t)
	base := int64(1_700_000_000_000)
	clock := base
	s.now = func() int64 { return clock }

	if err := s.Verify(signedRequest(agent, base, "nonce-1", nil)); err != nil {
		t.Fatal(err)
	}

	// Outside twice the skew window the nonce may be reused with a
	// fresh timestamp.
	clock = base + 2*DefaultMaxSkew.Milliseconds() + time.Second.Milliseconds()
	if err := s.Verify(signedRequest(agent, clock, "nonce-1", nil)); err != nil {
		t.Fatalf("fresh reuse after window: %v", err)
	}
}
