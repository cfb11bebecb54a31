package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgecoder/coordinator/internal/credits"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// handleCreateIntent opens a Lightning purchase intent for credits.
func (s *Server) handleCreateIntent(c *gin.Context) {
	var req struct {
		AccountID     string  `json:"accountId"`
		Credits       float64 `json:"credits"`
		ResourceClass string  `json:"resourceClass"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, protocol.Ef(protocol.KindBadRequest, "invalid intent payload"))
		return
	}
	if req.AccountID == "" || req.Credits <= 0 {
		fail(c, protocol.Ef(protocol.KindBadRequest, "accountId and a positive credits amount are required"))
		return
	}
	intent, err := s.payments.CreateIntent(c.Request.Context(), req.AccountID, req.Credits, req.ResourceClass)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// handleGetIntent polls an intent, settling it once the invoice pays.
func (s *Server) handleGetIntent(c *gin.Context) {
	intent, err := s.payments.CheckIntent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// handlePriceQuote prices one compute unit at current mesh load.
func (s *Server) handlePriceQuote(c *gin.Context) {
	rc := c.DefaultQuery("resourceClass", models.ResourceCPU)
	if rc != models.ResourceCPU && rc != models.ResourceGPU {
		fail(c, protocol.Ef(protocol.KindBadRequest, "resourceClass must be cpu or gpu"))
		return
	}
	c.JSON(http.StatusOK, credits.Quote(rc, s.sched.Load()))
}

func (s *Server) handleIssuanceEpochs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	epochs := s.issuance.Epochs(limit)
	c.JSON(http.StatusOK, gin.H{"epochs": epochs, "count": len(epochs)})
}

func (s *Server) handleIssuanceEpoch(c *gin.Context) {
	epoch, allocations, payouts, ok := s.issuance.Epoch(c.Param("id"))
	if !ok {
		fail(c, protocol.Ef(protocol.KindNotFound, "unknown issuance epoch"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"epoch":       epoch,
		"allocations": allocations,
		"payouts":     payouts,
	})
}

// handleAccount exposes one account's balance and transaction history.
func (s *Server) handleAccount(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{
		"accountId": id,
		"balance":   s.credits.Balance(id),
		"history":   s.credits.History(id),
	})
}

// handleBLESync replays contribution reports metered while a device was
// offline. Each report carries its own agent signature, so transport
// identity is not required here; a phone may relay for an agent.
func (s *Server) handleBLESync(c *gin.Context) {
	var req struct {
		Reports []models.SignedReport `json:"reports"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Reports) == 0 {
		fail(c, protocol.Ef(protocol.KindBadRequest, "at least one signed report is required"))
		return
	}
	results := s.syncer.Sync(c.Request.Context(), req.Reports)
	accepted := 0
	for _, r := range results {
		if r.Accepted {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "accepted": accepted})
}
