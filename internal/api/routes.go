// Package api is the coordinator's HTTP surface: a gin router carrying
// the middleware chain (CORS, per-IP rate limit, mesh token, signed
// agent requests), the route table, and a websocket hub streaming live
// mesh events to dashboards.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/behavior"
	"github.com/edgecoder/coordinator/internal/blacklist"
	"github.com/edgecoder/coordinator/internal/config"
	"github.com/edgecoder/coordinator/internal/credits"
	"github.com/edgecoder/coordinator/internal/ledger"
	"github.com/edgecoder/coordinator/internal/mesh"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/scheduler"
	"github.com/edgecoder/coordinator/internal/trust"
)

// Options carries every component the handlers touch. All fields are
// required; the composition root always provides noop providers where
// real backends are unconfigured.
type Options struct {
	Log     *zap.Logger
	Cfg     *config.Config
	Metrics *metrics.Metrics

	Mesh      *mesh.Gossip
	Scheduler *scheduler.Scheduler
	Direct    *scheduler.DirectWork
	Credits   *credits.Engine
	Payments  *credits.Payments
	Syncer    *credits.Syncer
	Chain     *ledger.Chain
	Quorum    *ledger.Quorum
	Issuance  *ledger.Issuance
	Anchors   *ledger.Anchors
	Blacklist *blacklist.List
	Defender  *behavior.Defender
	Signed    *trust.SignedRequests
	Hub       *Hub
}

type Server struct {
	log     *zap.Logger
	cfg     *config.Config
	metrics *metrics.Metrics

	mesh      *mesh.Gossip
	sched     *scheduler.Scheduler
	direct    *scheduler.DirectWork
	credits   *credits.Engine
	payments  *credits.Payments
	syncer    *credits.Syncer
	chain     *ledger.Chain
	quorum    *ledger.Quorum
	issuance  *ledger.Issuance
	anchors   *ledger.Anchors
	blacklist *blacklist.List
	defender  *behavior.Defender
	signed    *trust.SignedRequests
	hub       *Hub

	startedAt time.Time
}

func New(opts Options) *Server {
	return &Server{
		log:       opts.Log.Named("api"),
		cfg:       opts.Cfg,
		metrics:   opts.Metrics,
		mesh:      opts.Mesh,
		sched:     opts.Scheduler,
		direct:    opts.Direct,
		credits:   opts.Credits,
		payments:  opts.Payments,
		syncer:    opts.Syncer,
		chain:     opts.Chain,
		quorum:    opts.Quorum,
		issuance:  opts.Issuance,
		anchors:   opts.Anchors,
		blacklist: opts.Blacklist,
		defender:  opts.Defender,
		signed:    opts.Signed,
		hub:       opts.Hub,
		startedAt: time.Now(),
	}
}

// Router assembles the full route table. Identity, health, metrics and
// the event stream are open; the rest sits behind the mesh token, with
// agent work endpoints additionally requiring a signed request and the
// manual ban endpoint requiring the admin token.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.cors())

	limiter := NewRateLimiter(s.cfg.HTTPRatePerMin, s.cfg.HTTPRateBurst)
	r.Use(limiter.Middleware())

	r.GET("/identity", s.handleIdentity)
	r.GET("/health/runtime", s.handleHealthRuntime)
	r.GET("/status", s.handleStatus)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/stream", s.hub.Subscribe)

	m := r.Group("", s.meshAuth())
	{
		m.GET("/mesh/peers", s.handleMeshPeers)
		m.POST("/mesh/register-peer", s.handleRegisterPeer)
		m.POST("/mesh/ingest", s.handleIngest)
		m.GET("/mesh/capabilities", s.handleCapabilities)

		m.POST("/submit", s.handleSubmit)
		m.GET("/capacity", s.handleCapacity)
		m.POST("/agents/register", s.handleRegisterAgent)
		m.GET("/agents", s.handleAgents)
		m.GET("/agent-mesh/direct-work/audit", s.handleDirectAudit)

		m.GET("/ledger/snapshot", s.handleLedgerSnapshot)
		m.POST("/ledger/verify", s.handleLedgerVerify)
		m.GET("/ledger/quorum", s.handleQuorum)

		m.POST("/economy/payments/intents", s.handleCreateIntent)
		m.GET("/economy/payments/intents/:id", s.handleGetIntent)
		m.GET("/economy/price/quote", s.handlePriceQuote)
		m.GET("/economy/issuance/epochs", s.handleIssuanceEpochs)
		m.GET("/economy/issuance/epochs/:id", s.handleIssuanceEpoch)
		m.GET("/economy/accounts/:id", s.handleAccount)
		m.POST("/credits/ble-sync", s.handleBLESync)

		m.GET("/security/blacklist", s.handleBlacklist)
		m.GET("/security/blacklist/audit", s.handleBlacklistAudit)
		m.GET("/security/anomalies", s.handleAnomalies)
		m.GET("/security/agents/:id/stats", s.handleAgentStats)
	}

	signed := r.Group("", s.meshAuth(), s.signedAgent())
	{
		signed.POST("/agents/heartbeat", s.handleHeartbeat)
		signed.POST("/agent-mesh/claim", s.handleClaim)
		signed.POST("/agent-mesh/complete", s.handleComplete)
		signed.POST("/agent-mesh/direct-work/offer", s.handleDirectOffer)
		signed.POST("/agent-mesh/direct-work/accept", s.handleDirectAccept)
		signed.POST("/agent-mesh/direct-work/result", s.handleDirectResult)
	}

	admin := r.Group("", s.meshAuth(), s.adminAuth())
	{
		admin.POST("/security/blacklist", s.handleManualReport)
	}

	return r
}

// cors mirrors the configured origin back when ALLOWED_ORIGINS is set,
// otherwise stays wide open for local development.
func (s *Server) cors() gin.HandlerFunc {
	allowed := s.cfg.AllowedOrigins
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range allowed {
				if a == origin || a == "*" {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Authorization, Accept, Origin, Cache-Control, "+
				strings.Join([]string{trust.HeaderAgentID, trust.HeaderTimestamp, trust.HeaderNonce, trust.HeaderBodyHash, trust.HeaderSignature}, ", "))
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// fail writes the {error, message?} envelope. Errors without a protocol
// kind surface as a bare internal failure so nothing upstream leaks.
func fail(c *gin.Context, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	body := gin.H{"error": string(perr.Kind)}
	if perr.Message != "" {
		body["message"] = perr.Message
	}
	c.JSON(statusFor(perr.Kind), body)
}

func statusFor(kind protocol.Kind) int {
	switch kind {
	case protocol.KindMeshUnauthorized:
		return http.StatusUnauthorized
	case protocol.KindInvalidSignature, protocol.KindTimestampSkew, protocol.KindReplayDetected:
		return http.StatusForbidden
	case protocol.KindBadRequest, protocol.KindMissingBody, protocol.KindInvalidDataHex, protocol.KindMessageExpired:
		return http.StatusBadRequest
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case protocol.KindContributionPolicy, protocol.KindDuplicateReport, protocol.KindDuplicateMessage,
		protocol.KindHashMismatch, protocol.KindSequenceGap, protocol.KindChainBreak,
		protocol.KindCoordinatorSigError, protocol.KindChainHeadMismatch:
		return http.StatusConflict
	case protocol.KindRateLimited:
		return http.StatusTooManyRequests
	case protocol.KindQueueFull, protocol.KindNoEligibleAgent:
		return http.StatusServiceUnavailable
	case protocol.KindProviderUnavailable, protocol.KindAnchorBroadcastFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
