package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// handleSubmit enqueues a project's subtasks under the submitting
// account's fair-share bucket.
func (s *Server) handleSubmit(c *gin.Context) {
	var req struct {
		AccountID   string             `json:"accountId"`
		ProjectMeta models.ProjectMeta `json:"projectMeta"`
		Subtasks    []models.Subtask   `json:"subtasks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid submission payload"))
		return
	}
	if req.AccountID == "" {
		fail(c, protocol.Ef(protocol.KindBadRequest, "accountId is required"))
		return
	}
	subs, err := s.sched.SubmitProject(c.Request.Context(), req.AccountID, req.ProjectMeta, req.Subtasks)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(subs), "subtasks": subs})
}

func (s *Server) handleCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"load":       s.sched.Load(),
		"capability": s.sched.Capability(),
	})
}

// handleRegisterAgent admits an agent, attesting its release binding
// and counting the registration toward storm detection.
func (s *Server) handleRegisterAgent(c *gin.Context) {
	var reg models.AgentRegistration
	if err := c.ShouldBindJSON(&reg); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid registration payload"))
		return
	}
	if reg.AgentID == "" || reg.PublicKeyPEM == "" {
		fail(c, protocol.Ef(protocol.KindBadRequest, "agentId and publicKeyPem are required"))
		return
	}
	if s.blacklist.IsBlacklisted(reg.AgentID) {
		fail(c, protocol.Ef(protocol.KindMeshUnauthorized, "agent %s is blacklisted", reg.AgentID))
		return
	}
	info, err := s.sched.RegisterAgent(c.Request.Context(), reg)
	if err != nil {
		fail(c, err)
		return
	}
	s.defender.ObserveRegistration(c.Request.Context(), reg.AgentID)
	s.hub.BroadcastEvent("agent_registered", info)
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleAgents(c *gin.Context) {
	agents := s.sched.Agents()
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// handleHeartbeat refreshes liveness for the signed agent. The gap
// since the previous beat feeds heartbeat-forgery detection before the
// registry timestamp moves.
func (s *Server) handleHeartbeat(c *gin.Context) {
	agentID := authedAgent(c)
	var hb models.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid heartbeat payload"))
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = agentID
	}
	if hb.AgentID != agentID {
		fail(c, protocol.Ef(protocol.KindBadRequest, "heartbeat agentId does not match the request signer"))
		return
	}
	if prev, ok := s.sched.Agent(agentID); ok && prev.LastHeartbeatMs > 0 {
		gap := time.Now().UnixMilli() - prev.LastHeartbeatMs
		s.defender.ObserveHeartbeatGap(c.Request.Context(), agentID, gap)
	}
	if err := s.sched.Heartbeat(c.Request.Context(), hb); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleClaim hands the fairest available subtask to the signed agent.
// No work answers 200 with a null subtask so agents can poll cheaply.
func (s *Server) handleClaim(c *gin.Context) {
	agentID := authedAgent(c)
	st, err := s.sched.Claim(c.Request.Context(), agentID)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindRateLimited {
			s.defender.Tracker().RecordRateLimited(agentID)
		}
		fail(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusOK, gin.H{"subtask": nil})
		return
	}
	s.defender.ObserveClaim(c.Request.Context(), agentID, s.activeClaims(agentID))
	c.JSON(http.StatusOK, gin.H{"subtask": st})
}

// activeClaims counts subtasks currently held by one agent.
func (s *Server) activeClaims(agentID string) int {
	n := 0
	for _, st := range s.sched.QueueSnapshot() {
		if st.Status == models.SubtaskClaimed && st.ClaimedBy == agentID {
			n++
		}
	}
	return n
}

// handleComplete retires a claimed subtask with the agent's signed
// result. Every outcome, good or bad, feeds the behavior tracker.
func (s *Server) handleComplete(c *gin.Context) {
	agentID := authedAgent(c)
	var result models.SubtaskResult
	if err := c.ShouldBindJSON(&result); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid result payload"))
		return
	}
	if result.AgentID != agentID {
		fail(c, protocol.Ef(protocol.KindBadRequest, "result agentId does not match the request signer"))
		return
	}
	st, err := s.sched.Complete(c.Request.Context(), result)
	if err != nil {
		if protocol.KindOf(err) == protocol.KindInvalidSignature {
			s.defender.ObserveSignatureFailure(c.Request.Context(), agentID)
		}
		fail(c, err)
		return
	}
	s.observeResult(c, agentID, result)
	c.JSON(http.StatusOK, gin.H{"subtask": st})
}

// observeResult forwards one accepted result to the behavior tracker.
// Empty outputs keep an empty hash so honest empty results never read
// as an identical-output run.
func (s *Server) observeResult(c *gin.Context, agentID string, result models.SubtaskResult) {
	hash := ""
	if len(result.Output) > 0 {
		hash = protocol.SHA256Hex([]byte(result.Output))
	}
	s.defender.ObserveResult(c.Request.Context(), agentID, result.DurationMs, len(result.Output), hash, result.OK)
}

// handleDirectOffer opens a peer-to-peer work offer and gossips it so
// agents on neighbor coordinators can see it.
func (s *Server) handleDirectOffer(c *gin.Context) {
	agentID := authedAgent(c)
	var offer models.DirectWorkOffer
	if err := c.ShouldBindJSON(&offer); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid offer payload"))
		return
	}
	if offer.FromAgentID == "" {
		offer.FromAgentID = agentID
	}
	if offer.FromAgentID != agentID {
		fail(c, protocol.Ef(protocol.KindBadRequest, "offer fromAgentId does not match the request signer"))
		return
	}
	out, err := s.direct.Offer(offer)
	if err != nil {
		fail(c, err)
		return
	}
	res, _ := s.mesh.Broadcast(c.Request.Context(), models.MsgDirectWorkOffer, out, 0)
	s.hub.BroadcastEvent("direct_work_offer", out)
	c.JSON(http.StatusOK, gin.H{"offer": out, "broadcast": res})
}

func (s *Server) handleDirectAccept(c *gin.Context) {
	agentID := authedAgent(c)
	var req struct {
		OfferID string `json:"offerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OfferID == "" {
		fail(c, protocol.Ef(protocol.KindBadRequest, "offerId is required"))
		return
	}
	out, err := s.direct.Accept(req.OfferID, agentID)
	if err != nil {
		fail(c, err)
		return
	}
	res, _ := s.mesh.Broadcast(c.Request.Context(), models.MsgDirectWorkAccept, out, 0)
	c.JSON(http.StatusOK, gin.H{"offer": out, "broadcast": res})
}

// handleDirectResult completes an accepted offer. Priced offers settle
// best-effort: the work already happened, so a failed spend is logged
// and surfaced in the response rather than unwinding the completion.
func (s *Server) handleDirectResult(c *gin.Context) {
	agentID := authedAgent(c)
	var req struct {
		OfferID string               `json:"offerId"`
		Result  models.SubtaskResult `json:"result"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OfferID == "" {
		fail(c, protocol.Ef(protocol.KindBadRequest, "offerId and result are required"))
		return
	}
	if req.Result.AgentID != agentID {
		fail(c, protocol.Ef(protocol.KindBadRequest, "result agentId does not match the request signer"))
		return
	}
	out, err := s.direct.Result(req.OfferID, req.Result)
	if err != nil {
		fail(c, err)
		return
	}
	s.observeResult(c, agentID, req.Result)

	settled := false
	if out.Status == models.OfferCompleted && out.PriceCredits > 0 {
		reason := "direct_work:" + out.OfferID
		ctx := c.Request.Context()
		if _, err := s.credits.Spend(ctx, out.FromAgentID, out.PriceCredits, reason, out.Subtask.TaskID); err != nil {
			s.log.Warn("Direct work settlement failed",
				zap.String("offerId", out.OfferID),
				zap.String("payer", out.FromAgentID),
				zap.Error(err))
		} else {
			payout := out.PriceCredits
			if bps := s.cfg.CoordinatorFeeBPS; bps > 0 {
				fee := out.PriceCredits * float64(bps) / 10_000
				payout -= fee
				_, _ = s.credits.Adjust(ctx, s.mesh.Self().PeerID, fee, reason)
			}
			_, _ = s.credits.Adjust(ctx, out.AcceptedBy, payout, reason)
			settled = true
		}
	}
	res, _ := s.mesh.Broadcast(c.Request.Context(), models.MsgDirectWorkResult, out, 0)
	c.JSON(http.StatusOK, gin.H{"offer": out, "settled": settled, "broadcast": res})
}

func (s *Server) handleDirectAudit(c *gin.Context) {
	offers := s.direct.Audit()
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}
