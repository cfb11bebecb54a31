package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// handleIdentity returns this coordinator's public mesh identity.
func (s *Server) handleIdentity(c *gin.Context) {
	c.JSON(http.StatusOK, s.mesh.Self())
}

// handleHealthRuntime is the cheap liveness probe.
func (s *Server) handleHealthRuntime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "operational",
		"coordinatorId": s.mesh.Self().PeerID,
		"networkMode":   s.cfg.NetworkMode,
		"uptimeMs":      time.Since(s.startedAt).Milliseconds(),
		"peers":         len(s.mesh.Peers()),
		"agents":        len(s.sched.Agents()),
		"queueDepth":    s.sched.Depth(),
	})
}

// handleStatus is the wide status view: identity plus the state of
// every subsystem an operator checks first.
func (s *Server) handleStatus(c *gin.Context) {
	head, _ := s.chain.Head()
	c.JSON(http.StatusOK, gin.H{
		"identity":    s.mesh.Self(),
		"startedAtMs": s.startedAt.UnixMilli(),
		"peers":       len(s.mesh.Peers()),
		"agents":      len(s.sched.Agents()),
		"load":        s.sched.Load(),
		"ordering": gin.H{
			"length":    s.chain.Length(),
			"headHash":  head.Hash,
			"suspended": s.chain.Suspended(),
		},
		"blacklist": gin.H{
			"active": len(s.blacklist.Active()),
		},
		"anchors": len(s.anchors.List()),
	})
}

func (s *Server) handleMeshPeers(c *gin.Context) {
	peers := s.mesh.Peers()
	c.JSON(http.StatusOK, gin.H{"peers": peers, "count": len(peers)})
}

// handleRegisterPeer admits a peer identity into the table. The caller
// gets our identity back so one round trip establishes both directions.
func (s *Server) handleRegisterPeer(c *gin.Context) {
	var pid models.PeerIdentity
	if err := c.ShouldBindJSON(&pid); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid peer identity payload"))
		return
	}
	if pid.PeerID == "" || pid.PublicKeyPEM == "" {
		fail(c, protocol.Ef(protocol.KindBadRequest, "peerId and publicKeyPem are required"))
		return
	}
	s.mesh.LearnPeer(c.Request.Context(), pid, time.Now().UnixMilli())
	c.JSON(http.StatusOK, gin.H{"status": "registered", "identity": s.mesh.Self()})
}

// handleIngest accepts one gossip envelope. Duplicates and expired
// messages are the normal noise of at-least-once delivery, so they
// answer 200 with accepted=false instead of an error.
func (s *Server) handleIngest(c *gin.Context) {
	var msg models.MeshMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		fail(c, protocol.Ef(protocol.KindMissingBody, "invalid mesh message payload"))
		return
	}
	err := s.mesh.HandleInbound(c.Request.Context(), &msg)
	switch protocol.KindOf(err) {
	case "":
		c.JSON(http.StatusOK, gin.H{"accepted": true})
	case protocol.KindDuplicateMessage, protocol.KindMessageExpired:
		c.JSON(http.StatusOK, gin.H{"accepted": false, "reason": string(protocol.KindOf(err))})
	default:
		fail(c, err)
	}
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"local":      s.sched.Capability(),
		"federation": s.mesh.Capabilities(),
	})
}
