package models

// Release attestation outcomes
const (
	AttestVerified          = "verified"
	AttestUnverified        = "unverified"
	AttestSignatureMismatch = "signature_mismatch"
	AttestHashMismatch      = "hash_mismatch"
)

// ReleaseManifest describes one signed binary release
type ReleaseManifest struct {
	ReleaseVersion string `json:"releaseVersion"`
	DistTreeHash   string `json:"distTreeHash"` // sha256 hex of the shipped dist tree
	Signature      string `json:"signature"`    // base64 Ed25519 by a release key
	SignedAtMs     int64  `json:"signedAtMs"`
}

// ReleaseKey is one key trusted to sign release manifests
type ReleaseKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	ValidFromMs  int64  `json:"validFromMs"`
	ValidUntilMs int64  `json:"validUntilMs,omitempty"` // zero = no expiry
}
