// Package trust decides who may be believed: signed privileged requests
// with replay suppression, and release attestation binding an agent's
// binary to a published manifest.
package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgecoder/coordinator/internal/protocol"
)

// Signed-request headers.
const (
	HeaderAgentID   = "x-agent-id"
	HeaderTimestamp = "x-timestamp-ms"
	HeaderNonce     = "x-nonce"
	HeaderBodyHash  = "x-body-sha256"
	HeaderSignature = "x-signature"
)

const (
	// DefaultMaxSkew bounds the accepted clock drift between agent and
	// coordinator.
	DefaultMaxSkew = 30 * time.Second

	nonceCacheSize = 10_000
)

// KeyFn resolves an agent id to its current public key, nil when
// unknown.
type KeyFn func(agentID string) ed25519.PublicKey

// SignedRequest is one privileged request as seen by the verifier.
type SignedRequest struct {
	AgentID     string
	TimestampMs int64
	Nonce       string
	BodyHash    string
	Signature   string

	Method string
	Path   string
	Body   []byte
}

// SignedRequests verifies request signatures and suppresses replays.
// A nonce enters the cache only after its signature verifies, so a
// forged request cannot burn a nonce the legitimate agent still needs.
type SignedRequests struct {
	keys    KeyFn
	maxSkew time.Duration
	nonces  *lru.Cache[string, int64]
	now     func() int64
}

func NewSignedRequests(keys KeyFn, maxSkew time.Duration) *SignedRequests {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	cache, _ := lru.New[string, int64](nonceCacheSize)
	return &SignedRequests{
		keys:    keys,
		maxSkew: maxSkew,
		nonces:  cache,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// CanonicalRequest is the byte string an agent signs.
func CanonicalRequest(timestampMs int64, nonce, method, path, bodyHash string) []byte {
	return []byte(strconv.FormatInt(timestampMs, 10) + "\n" + nonce + "\n" + method + "\n" + path + "\n" + bodyHash)
}

// BodyHash is the lowercase hex digest carried in x-body-sha256.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Verify checks one signed request. Drift exactly at the skew bound is
// accepted; failures stay detail-free so callers cannot probe which
// check tripped.
func (s *SignedRequests) Verify(req SignedRequest) error {
	if req.AgentID == "" || req.TimestampMs == 0 || req.Nonce == "" ||
		req.BodyHash == "" || req.Signature == "" {
		return protocol.Ef(protocol.KindMeshUnauthorized, "signed request headers are required")
	}

	nowMs := s.now()
	drift := nowMs - req.TimestampMs
	if drift < 0 {
		drift = -drift
	}
	skewMs := s.maxSkew.Milliseconds()
	if drift > skewMs {
		return protocol.E(protocol.KindTimestampSkew)
	}
	if BodyHash(req.Body) != req.BodyHash {
		return protocol.E(protocol.KindInvalidSignature)
	}

	// Replays carry the signed timestamp, so a cached nonce can only
	// recur inside twice the skew window.
	nonceKey := req.AgentID + "\x00" + req.Nonce
	if cachedAt, ok := s.nonces.Get(nonceKey); ok && nowMs-cachedAt <= 2*skewMs {
		return protocol.E(protocol.KindReplayDetected)
	}

	key := s.keys(req.AgentID)
	if key == nil {
		return protocol.E(protocol.KindInvalidSignature)
	}
	canonical := CanonicalRequest(req.TimestampMs, req.Nonce, req.Method, req.Path, req.BodyHash)
	if !protocol.Verify(key, canonical, req.Signature) {
		return protocol.E(protocol.KindInvalidSignature)
	}

	s.nonces.Add(nonceKey, nowMs)
	return nil
}
