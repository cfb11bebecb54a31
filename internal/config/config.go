// Package config resolves all coordinator settings from the environment.
// Secrets never have fallback defaults; non-secret knobs default to the
// values the rest of the mesh assumes. A .env file is honored for local
// development: cp .env.example .env && edit .env
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Identity & mesh
	NetworkMode    string   // "public_mesh" or "enterprise_overlay"
	CoordinatorURL string   // our advertised base URL
	BootstrapURLs  []string // seed coordinator URLs
	PrivateKeyPEM  string   // inline PKCS#8 key; wins over KeyFile
	KeyFile        string   // persistent key location when no inline key
	MeshAuthToken  string   // empty = mesh endpoints open (dev only)
	AdminAPIToken  string

	// HTTP
	Port           string
	AllowedOrigins []string
	HTTPRatePerMin int // per-IP token bucket refill
	HTTPRateBurst  int

	// Persistence
	DatabaseURL string // empty = in-memory store

	LogLevel string

	// Gossip cadence
	PeerTTL              time.Duration
	PeerExchangeInterval time.Duration
	PeerEvictInterval    time.Duration
	CapabilityInterval   time.Duration

	// Trust layer
	MaxSkew            time.Duration
	ReleaseKeysPEM     string // concatenated SPKI PEM blocks
	ReleaseManifestURL string

	// Scheduler
	MaxRequeues      int
	QueueMaxDepth    int
	RequeueSweep     time.Duration
	ClaimTimeout     time.Duration
	HeartbeatFresh   time.Duration
	SubmitRateLimit  int
	SubmitRateWindow time.Duration
	ClaimRateLimit   int
	ClaimRateWindow  time.Duration

	// Credit engine
	MinContributionRatio float64
	ContributionBurst    float64
	CoordinatorFeeBPS    int

	// Rolling issuance
	IssuanceWindow   time.Duration
	IssuanceRecalc   time.Duration
	IssuanceBasePool float64
	IssuanceMinPool  float64
	IssuanceMaxPool  float64
	IssuanceSlope    float64
	IssuanceAlpha    float64
	CoordinatorShare float64
	ReserveShare     float64

	// Anchoring (bitcoind OP_RETURN provider)
	AnchorInterval time.Duration
	BTCRPCHost     string
	BTCRPCUser     string
	BTCRPCPass     string

	// Lightning (LND REST provider)
	LNDRestURL     string
	LNDMacaroonHex string
}

// Load reads the environment (plus any .env file) into a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load() // absent .env is fine

	cfg := &Config{
		NetworkMode:    getEnv("NETWORK_MODE", "public_mesh"),
		CoordinatorURL: getEnv("COORDINATOR_URL", ""),
		BootstrapURLs:  getList("COORDINATOR_BOOTSTRAP_URLS"),
		PrivateKeyPEM:  os.Getenv("COORDINATOR_PRIVATE_KEY_PEM"),
		KeyFile:        getEnv("COORDINATOR_KEY_FILE", "coordinator_key.pem"),
		MeshAuthToken:  os.Getenv("MESH_AUTH_TOKEN"),
		AdminAPIToken:  os.Getenv("ADMIN_API_TOKEN"),

		Port:           getEnv("PORT", "5361"),
		AllowedOrigins: getList("ALLOWED_ORIGINS"),
		HTTPRatePerMin: getInt("HTTP_RATE_LIMIT_PER_MIN", 600),
		HTTPRateBurst:  getInt("HTTP_RATE_BURST", 120),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		PeerTTL:              getMs("PEER_TTL_MS", 120_000),
		PeerExchangeInterval: getMs("PEER_EXCHANGE_INTERVAL_MS", 30_000),
		PeerEvictInterval:    getMs("PEER_EVICT_INTERVAL_MS", 60_000),
		CapabilityInterval:   getMs("CAPABILITY_INTERVAL_MS", 60_000),

		MaxSkew:            getMs("MAX_SKEW_MS", 30_000),
		ReleaseKeysPEM:     os.Getenv("RELEASE_KEYS_PEM"),
		ReleaseManifestURL: os.Getenv("RELEASE_MANIFEST_URL"),

		MaxRequeues:      getInt("MAX_REQUEUES", 3),
		QueueMaxDepth:    getInt("QUEUE_MAX_DEPTH", 10_000),
		RequeueSweep:     getMs("REQUEUE_SWEEP_MS", 15_000),
		ClaimTimeout:     getMs("CLAIM_TIMEOUT_MS", 120_000),
		HeartbeatFresh:   getMs("HEARTBEAT_FRESH_MS", 90_000),
		SubmitRateLimit:  getInt("SUBMIT_RATE_LIMIT", 5),
		SubmitRateWindow: getMs("SUBMIT_RATE_WINDOW_MS", 15*60*1000),
		ClaimRateLimit:   getInt("CLAIM_RATE_LIMIT", 30),
		ClaimRateWindow:  getMs("CLAIM_RATE_WINDOW_MS", 60_000),

		MinContributionRatio: getFloat("MIN_CONTRIBUTION_RATIO", 1.0),
		ContributionBurst:    getFloat("CONTRIBUTION_BURST_CREDITS", 25),
		CoordinatorFeeBPS:    getInt("COORDINATOR_FEE_BPS", 250),

		IssuanceWindow:   getMs("ISSUANCE_WINDOW_MS", 60*60*1000),
		IssuanceRecalc:   getMs("ISSUANCE_RECALC_MS", 5*60*1000),
		IssuanceBasePool: getFloat("ISSUANCE_BASE_DAILY_POOL_TOKENS", 1000),
		IssuanceMinPool:  getFloat("ISSUANCE_MIN_DAILY_POOL_TOKENS", 250),
		IssuanceMaxPool:  getFloat("ISSUANCE_MAX_DAILY_POOL_TOKENS", 4000),
		IssuanceSlope:    getFloat("ISSUANCE_LOAD_CURVE_SLOPE", 0.5),
		IssuanceAlpha:    getFloat("ISSUANCE_SMOOTHING_ALPHA", 0.2),
		CoordinatorShare: getFloat("ISSUANCE_COORDINATOR_SHARE", 0.05),
		ReserveShare:     getFloat("ISSUANCE_RESERVE_SHARE", 0.10),

		AnchorInterval: getMs("ANCHOR_INTERVAL_MS", 10*60*1000),
		BTCRPCHost:     getEnv("BTC_RPC_HOST", ""),
		BTCRPCUser:     os.Getenv("BTC_RPC_USER"),
		BTCRPCPass:     os.Getenv("BTC_RPC_PASS"),

		LNDRestURL:     os.Getenv("LND_REST_URL"),
		LNDMacaroonHex: os.Getenv("LND_MACAROON_HEX"),
	}

	if cfg.NetworkMode != "public_mesh" && cfg.NetworkMode != "enterprise_overlay" {
		return nil, fmt.Errorf("NETWORK_MODE must be public_mesh or enterprise_overlay, got %q", cfg.NetworkMode)
	}
	if cfg.IssuanceAlpha <= 0 || cfg.IssuanceAlpha > 1 {
		return nil, fmt.Errorf("ISSUANCE_SMOOTHING_ALPHA must be in (0,1], got %v", cfg.IssuanceAlpha)
	}
	if cfg.CoordinatorShare+cfg.ReserveShare >= 1 {
		return nil, fmt.Errorf("issuance shares sum to %v, must stay below 1",
			cfg.CoordinatorShare+cfg.ReserveShare)
	}
	if cfg.CoordinatorURL == "" {
		cfg.CoordinatorURL = "http://localhost:" + cfg.Port
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getMs reads a millisecond-valued variable into a Duration.
func getMs(key string, fallbackMs int64) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(fallbackMs) * time.Millisecond
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
