package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

func (s *Server) handleBlacklist(c *gin.Context) {
	active := s.blacklist.Active()
	c.JSON(http.StatusOK, gin.H{"active": active, "count": len(active)})
}

// handleBlacklistAudit returns the full hash-chained event log together
// with a fresh verification walk.
func (s *Server) handleBlacklistAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chain":        s.blacklist.Audit(),
		"verification": s.blacklist.VerifyAudit(),
	})
}

// handleManualReport records an operator-issued ban. The resulting
// event chains and gossips exactly like an automated one.
func (s *Server) handleManualReport(c *gin.Context) {
	var input models.BlacklistEvidenceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid evidence payload"))
		return
	}
	if input.ReasonCode == "" {
		input.ReasonCode = models.ReasonManual
	}
	rec, err := s.blacklist.Report(c.Request.Context(), input)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleAnomalies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	anomalies := s.defender.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "count": len(anomalies)})
}

// handleAgentStats exposes the rolling behavior window for one agent.
func (s *Server) handleAgentStats(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"stats":       s.defender.Stats(id),
		"blacklisted": s.blacklist.IsBlacklisted(id),
	})
}
