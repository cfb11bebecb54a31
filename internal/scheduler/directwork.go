package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

const defaultOfferLifetime = 5 * time.Minute

// DirectWork tracks agent-to-agent work handoffs brokered by this
// coordinator. Offers expire lazily; the audit trail keeps every offer
// it ever saw, terminal states included.
type DirectWork struct {
	mu     sync.Mutex
	offers map[string]*models.DirectWorkOffer
	now    func() int64
}

func NewDirectWork() *DirectWork {
	return &DirectWork{
		offers: make(map[string]*models.DirectWorkOffer),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Offer registers a new handoff proposal.
func (d *DirectWork) Offer(offer models.DirectWorkOffer) (models.DirectWorkOffer, error) {
	if offer.FromAgentID == "" {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "fromAgentId is required")
	}
	if offer.Subtask.ID == "" {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "offer carries no subtask")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if offer.OfferID == "" {
		offer.OfferID = uuid.NewString()
	}
	if offer.ExpiresAtMs == 0 {
		offer.ExpiresAtMs = d.now() + defaultOfferLifetime.Milliseconds()
	}
	offer.Status = models.OfferOpen
	offer.AcceptedBy = ""
	d.offers[offer.OfferID] = &offer
	return offer, nil
}

// Accept binds an open offer to the accepting agent. Targeted offers
// only accept their addressee.
func (d *DirectWork) Accept(offerID, agentID string) (models.DirectWorkOffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	offer, ok := d.offers[offerID]
	if !ok {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindNotFound, "offer %s does not exist", offerID)
	}
	if d.expireLocked(offer) {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "offer %s has expired", offerID)
	}
	if offer.Status != models.OfferOpen {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "offer %s is %s", offerID, offer.Status)
	}
	if offer.ToAgentID != "" && offer.ToAgentID != agentID {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "offer %s is addressed to another agent", offerID)
	}
	offer.Status = models.OfferAccepted
	offer.AcceptedBy = agentID
	return *offer, nil
}

// Result completes an accepted offer with the accepting agent's result.
func (d *DirectWork) Result(offerID string, result models.SubtaskResult) (models.DirectWorkOffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	offer, ok := d.offers[offerID]
	if !ok {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindNotFound, "offer %s does not exist", offerID)
	}
	if offer.Status != models.OfferAccepted || offer.AcceptedBy != result.AgentID {
		return models.DirectWorkOffer{}, protocol.Ef(protocol.KindBadRequest, "offer %s was not accepted by %s", offerID, result.AgentID)
	}
	offer.Status = models.OfferCompleted
	return *offer, nil
}

// Audit lists every tracked offer, expiring lazily as it walks.
func (d *DirectWork) Audit() []models.DirectWorkOffer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.DirectWorkOffer, 0, len(d.offers))
	for _, offer := range d.offers {
		d.expireLocked(offer)
		out = append(out, *offer)
	}
	return out
}

func (d *DirectWork) expireLocked(offer *models.DirectWorkOffer) bool {
	if offer.Status == models.OfferOpen && d.now() >= offer.ExpiresAtMs {
		offer.Status = models.OfferExpired
	}
	return offer.Status == models.OfferExpired
}
