package identity

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/edgecoder/coordinator/internal/protocol"
)

// DefaultRotationGrace is how long a replaced key keeps verifying.
const DefaultRotationGrace = 10 * time.Minute

// KeySet tracks a remote peer's active verification key plus the previous
// one, which stays valid until the grace deadline. Implements
// protocol.Verifier.
type KeySet struct {
	mu           sync.RWMutex
	active       ed25519.PublicKey
	previous     ed25519.PublicKey
	graceUntilMs int64

	now func() int64
}

func NewKeySet(active ed25519.PublicKey) *KeySet {
	return &KeySet{
		active: active,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Rotate installs next as the active key. The old key verifies for grace
// more time; rotating twice inside one grace window drops the oldest key.
func (k *KeySet) Rotate(next ed25519.PublicKey, grace time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous = k.active
	k.active = next
	k.graceUntilMs = k.now() + grace.Milliseconds()
}

// Active returns the current verification key.
func (k *KeySet) Active() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// VerifySig checks sigB64 against the active key, falling back to the
// previous key while its grace window is open.
func (k *KeySet) VerifySig(data []byte, sigB64 string) bool {
	k.mu.RLock()
	active, previous, graceUntil := k.active, k.previous, k.graceUntilMs
	nowMs := k.now()
	k.mu.RUnlock()

	if protocol.Verify(active, data, sigB64) {
		return true
	}
	if previous != nil && nowMs <= graceUntil {
		return protocol.Verify(previous, data, sigB64)
	}
	return false
}
