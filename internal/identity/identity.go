// Package identity manages the coordinator's Ed25519 keypair and the
// verification keys of remote peers. Public keys travel as SPKI PEM,
// private keys persist as PKCS#8 PEM. A rotated key keeps verifying
// through a grace window so in-flight messages are not orphaned.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/edgecoder/coordinator/internal/protocol"
)

// Identity is a coordinator's keypair bound to a stable peer id.
type Identity struct {
	PeerID  string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh keypair. The peer id is derived from the public
// key so it stays stable for the life of the key.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{PeerID: PeerIDFor(pub), Public: pub, Private: priv}, nil
}

// FromPrivatePEM rebuilds an identity from a PKCS#8 PEM private key.
func FromPrivatePEM(pemStr string) (*Identity, error) {
	priv, err := ParsePrivatePEM(pemStr)
	if err != nil {
		return nil, err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{PeerID: PeerIDFor(pub), Public: pub, Private: priv}, nil
}

// LoadOrCreate reads the key file at path, generating and persisting a new
// keypair when the file does not exist yet.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return FromPrivatePEM(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	pemStr, err := id.PrivatePEM()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(pemStr), 0o600); err != nil {
		return nil, fmt.Errorf("persist key file: %w", err)
	}
	return id, nil
}

// PeerIDFor derives the stable peer id for a public key.
func PeerIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "peer-" + hex.EncodeToString(sum[:8])
}

// PublicPEM renders the public key as SPKI PEM.
func (id *Identity) PublicPEM() string {
	return EncodePublicPEM(id.Public)
}

// PrivatePEM renders the private key as PKCS#8 PEM.
func (id *Identity) PrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// Sign signs data with the identity's private key, returning base64.
func (id *Identity) Sign(data []byte) string {
	return protocol.Sign(id.Private, data)
}

// EncodePublicPEM renders pub as SPKI PEM.
func EncodePublicPEM(pub ed25519.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// ParsePublicPEM parses an SPKI PEM Ed25519 public key.
func ParsePublicPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 public key")
	}
	return pub, nil
}

// ParsePrivatePEM parses a PKCS#8 PEM Ed25519 private key.
func ParsePrivatePEM(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}
