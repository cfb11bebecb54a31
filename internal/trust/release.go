package trust

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// DefaultManifestRefresh is the re-fetch cadence for cached manifests.
const DefaultManifestRefresh = time.Hour

// ManifestFetcher pulls a release manifest from the release channel,
// for deployments that publish manifests out of band.
type ManifestFetcher func(ctx context.Context, releaseVersion string) (models.ReleaseManifest, error)

// ReleaseVerifier attests agent binaries against signed release
// manifests. Release keys rotate on validity windows; a manifest is
// trusted when any key active at verification time signs it.
//
// When no manifest is cached for a version, a registration carrying a
// release-key signature over its own dist hash seeds the cache. Later
// registrations for the same version must then match that dist hash.
type ReleaseVerifier struct {
	log   *zap.Logger
	fetch ManifestFetcher

	mu        sync.RWMutex
	keys      []models.ReleaseKey
	manifests map[string]models.ReleaseManifest
	now       func() int64
}

func NewReleaseVerifier(keys []models.ReleaseKey, fetch ManifestFetcher, log *zap.Logger) *ReleaseVerifier {
	return &ReleaseVerifier{
		log:       log,
		fetch:     fetch,
		keys:      keys,
		manifests: make(map[string]models.ReleaseManifest),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// canonicalManifest is the byte string a release key signs.
func canonicalManifest(releaseVersion, distTreeHash string) []byte {
	return []byte(releaseVersion + "\n" + distTreeHash)
}

// AddKey installs a trusted release key.
func (v *ReleaseVerifier) AddKey(key models.ReleaseKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = append(v.keys, key)
}

// PutManifest caches a manifest without verification; trust is decided
// at attestation time.
func (v *ReleaseVerifier) PutManifest(m models.ReleaseManifest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.manifests[m.ReleaseVersion] = m
}

// Manifest returns the cached manifest for a version.
func (v *ReleaseVerifier) Manifest(releaseVersion string) (models.ReleaseManifest, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.manifests[releaseVersion]
	return m, ok
}

// activeKeys are the release keys valid at nowMs.
func (v *ReleaseVerifier) activeKeys(nowMs int64) []models.ReleaseKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.ReleaseKey, 0, len(v.keys))
	for _, k := range v.keys {
		if k.ValidFromMs > nowMs {
			continue
		}
		if k.ValidUntilMs != 0 && k.ValidUntilMs < nowMs {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (v *ReleaseVerifier) signedByActiveKey(data []byte, sigB64 string, nowMs int64) bool {
	for _, k := range v.activeKeys(nowMs) {
		pub, err := identity.ParsePublicPEM(k.PublicKeyPEM)
		if err != nil {
			continue
		}
		if protocol.Verify(pub, data, sigB64) {
			return true
		}
	}
	return false
}

// Attest classifies one registration's release binding. Unverified is
// permissive (the agent runs, flagged); the mismatch outcomes are not.
func (v *ReleaseVerifier) Attest(reg models.AgentRegistration) string {
	if reg.ReleaseVersion == "" || reg.DistHash == "" {
		return models.AttestUnverified
	}
	nowMs := v.now()

	manifest, ok := v.Manifest(reg.ReleaseVersion)
	if !ok && v.fetch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fetched, err := v.fetch(ctx, reg.ReleaseVersion)
		cancel()
		if err == nil && fetched.ReleaseVersion == reg.ReleaseVersion {
			v.PutManifest(fetched)
			manifest, ok = fetched, true
		} else if err != nil {
			v.log.Warn("Release manifest fetch failed",
				zap.String("releaseVersion", reg.ReleaseVersion), zap.Error(err))
		}
	}

	if !ok {
		if reg.ReleaseSignature == "" {
			return models.AttestUnverified
		}
		// Self-reported manifest: valid only if a release key signed
		// this exact dist hash.
		if !v.signedByActiveKey(canonicalManifest(reg.ReleaseVersion, reg.DistHash), reg.ReleaseSignature, nowMs) {
			return models.AttestSignatureMismatch
		}
		v.PutManifest(models.ReleaseManifest{
			ReleaseVersion: reg.ReleaseVersion,
			DistTreeHash:   reg.DistHash,
			Signature:      reg.ReleaseSignature,
			SignedAtMs:     nowMs,
		})
		return models.AttestVerified
	}

	if !v.signedByActiveKey(canonicalManifest(manifest.ReleaseVersion, manifest.DistTreeHash), manifest.Signature, nowMs) {
		return models.AttestSignatureMismatch
	}
	if reg.DistHash != manifest.DistTreeHash {
		return models.AttestHashMismatch
	}
	return models.AttestVerified
}

// Refresh re-fetches every cached manifest, keeping the old copy when
// the channel is unreachable.
func (v *ReleaseVerifier) Refresh(ctx context.Context) {
	if v.fetch == nil {
		return
	}
	v.mu.RLock()
	versions := make([]string, 0, len(v.manifests))
	for version := range v.manifests {
		versions = append(versions, version)
	}
	v.mu.RUnlock()

	for _, version := range versions {
		fetched, err := v.fetch(ctx, version)
		if err != nil {
			v.log.Warn("Release manifest refresh failed",
				zap.String("releaseVersion", version), zap.Error(err))
			continue
		}
		if fetched.ReleaseVersion != version {
			continue
		}
		v.PutManifest(fetched)
	}
}

// Run refreshes manifests until ctx is cancelled.
func (v *ReleaseVerifier) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultManifestRefresh
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Refresh(ctx)
		}
	}
}
