package protocol

import (
	"crypto/ed25519"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgecoder/coordinator/pkg/models"
)

// DefaultDedupSize bounds the processed-message-id cache.
const DefaultDedupSize = 5000

// Verifier checks a base64 signature over data under whatever keys are
// currently acceptable for a sender (active key plus any rotation grace).
type Verifier interface {
	VerifySig(data []byte, sigB64 string) bool
}

// KeyVerifier adapts a single Ed25519 public key to Verifier.
type KeyVerifier ed25519.PublicKey

func (k KeyVerifier) VerifySig(data []byte, sigB64 string) bool {
	return Verify(ed25519.PublicKey(k), data, sigB64)
}

// Validator screens inbound mesh messages: expiry, duplicate suppression,
// then signature. An id enters the dedup cache only after its signature
// verifies, so a forged id cannot shadow a later legitimate message.
type Validator struct {
	seen *lru.Cache[string, struct{}]
	now  func() int64
}

func NewValidator(dedupSize int) *Validator {
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}
	cache, _ := lru.New[string, struct{}](dedupSize)
	return &Validator{
		seen: cache,
		now:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Validate returns nil when m is fresh, unseen, and authentic. The message
// is marked seen on success.
func (v *Validator) Validate(m *models.MeshMessage, sender Verifier) error {
	if m.ExpiresAtMs() < v.now() {
		return E(KindMessageExpired)
	}
	if v.seen.Contains(m.ID) {
		return E(KindDuplicateMessage)
	}
	data, err := CanonicalMessage(m)
	if err != nil {
		return err
	}
	if sender == nil || !sender.VerifySig(data, m.Signature) {
		return E(KindInvalidSignature)
	}
	v.seen.Add(m.ID, struct{}{})
	return nil
}

// MarkSeen records an id without validation, used for our own outbound
// messages so gossip echoes drop as duplicates.
func (v *Validator) MarkSeen(id string) {
	v.seen.Add(id, struct{}{})
}
