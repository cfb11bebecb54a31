package protocol

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/edgecoder/coordinator/pkg/models"
)

// SHA256Hex returns the lowercase hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign returns the base64 encoding of a raw Ed25519 signature over data.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data))
}

// Verify reports whether sigB64 is a valid Ed25519 signature over data.
func Verify(pub ed25519.PublicKey, data []byte, sigB64 string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// SignMessage canonicalizes m and fills its Signature.
func SignMessage(m *models.MeshMessage, priv ed25519.PrivateKey) error {
	data, err := CanonicalMessage(m)
	if err != nil {
		return err
	}
	m.Signature = Sign(priv, data)
	return nil
}

// VerifyMessage reports whether m.Signature verifies under pub.
func VerifyMessage(m *models.MeshMessage, pub ed25519.PublicKey) bool {
	data, err := CanonicalMessage(m)
	if err != nil {
		return false
	}
	return Verify(pub, data, m.Signature)
}
