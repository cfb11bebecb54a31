package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/trust"
)

// agentKey is the gin-context slot holding the authenticated agent id
// set by the signed-request middleware.
const agentKey = "authenticatedAgentId"

// meshAuth gates federation and inspection routes behind the shared
// mesh token. An empty token leaves the surface open, which is only
// sane for local development.
func (s *Server) meshAuth() gin.HandlerFunc {
	token := s.cfg.MeshAuthToken
	if token == "" {
		s.log.Warn("MESH_AUTH_TOKEN is not set; mesh endpoints are open")
	}
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := bearerToken(c)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   string(protocol.KindMeshUnauthorized),
				"message": "bearer token required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": string(protocol.KindMeshUnauthorized),
			})
			return
		}
		c.Next()
	}
}

// adminAuth gates operator-only routes. Unlike the mesh token, an
// unset admin token disables the surface rather than opening it.
func (s *Server) adminAuth() gin.HandlerFunc {
	token := s.cfg.AdminAPIToken
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   string(protocol.KindMeshUnauthorized),
				"message": "admin surface is disabled",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(c)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": string(protocol.KindMeshUnauthorized),
			})
			return
		}
		c.Next()
	}
}

// signedAgent verifies the x-agent-id/x-timestamp-ms/x-nonce/
// x-body-sha256/x-signature headers against the request body, feeding
// signature failures and replays into the behavioral defense. The
// verified agent id lands in the context for handlers to trust.
func (s *Server) signedAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": string(protocol.KindMissingBody),
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ts, _ := strconv.ParseInt(c.GetHeader(trust.HeaderTimestamp), 10, 64)
		req := trust.SignedRequest{
			AgentID:     c.GetHeader(trust.HeaderAgentID),
			TimestampMs: ts,
			Nonce:       c.GetHeader(trust.HeaderNonce),
			BodyHash:    c.GetHeader(trust.HeaderBodyHash),
			Signature:   c.GetHeader(trust.HeaderSignature),
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			Body:        body,
		}
		if err := s.signed.Verify(req); err != nil {
			if req.AgentID != "" {
				switch protocol.KindOf(err) {
				case protocol.KindInvalidSignature:
					s.defender.ObserveSignatureFailure(c.Request.Context(), req.AgentID)
				case protocol.KindReplayDetected:
					s.defender.ObserveReplay(c.Request.Context(), req.AgentID)
				}
			}
			s.log.Debug("Signed request rejected",
				zap.String("agentId", req.AgentID),
				zap.String("path", req.Path),
				zap.String("kind", string(protocol.KindOf(err))))
			fail(c, err)
			c.Abort()
			return
		}
		c.Set(agentKey, req.AgentID)
		c.Next()
	}
}

// authedAgent returns the agent id the signed-request middleware
// verified for this request.
func authedAgent(c *gin.Context) string {
	return c.GetString(agentKey)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
