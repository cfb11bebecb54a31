package credits

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/lightning"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

const invoiceLifetime = 15 * time.Minute

// Payments turns Lightning settlements into purchased credits. An
// intent is priced at creation time from the live quote, then polled
// until its invoice settles or expires.
type Payments struct {
	engine   *Engine
	provider lightning.Provider
	store    store.Store
	log      *zap.Logger
	loadFn   func() models.LoadSnapshot

	mu      sync.Mutex
	intents map[string]*models.PaymentIntent
	now     func() int64
}

func NewPayments(engine *Engine, provider lightning.Provider, st store.Store, loadFn func() models.LoadSnapshot, log *zap.Logger) *Payments {
	return &Payments{
		engine:   engine,
		provider: provider,
		store:    st,
		log:      log,
		loadFn:   loadFn,
		intents:  make(map[string]*models.PaymentIntent),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// CreateIntent prices the requested credits and opens an invoice.
func (p *Payments) CreateIntent(ctx context.Context, accountID string, credits float64, resourceClass string) (models.PaymentIntent, error) {
	if accountID == "" || credits <= 0 {
		return models.PaymentIntent{}, protocol.Ef(protocol.KindBadRequest, "accountId and a positive credits amount are required")
	}
	if resourceClass == "" {
		resourceClass = models.ResourceCPU
	}

	quote := Quote(resourceClass, p.loadFn())
	amountSats := int64(math.Ceil(credits * quote.PricePerUnitSats))

	intentID := uuid.NewString()
	invoice, err := p.provider.CreateInvoice(ctx, amountSats, "edgecoder credits "+intentID, invoiceLifetime)
	if err != nil {
		return models.PaymentIntent{}, err
	}

	intent := models.PaymentIntent{
		IntentID:    intentID,
		AccountID:   accountID,
		AmountSats:  amountSats,
		Credits:     credits,
		InvoiceRef:  invoice.InvoiceRef,
		PaymentHash: invoice.PaymentHash,
		Status:      models.IntentPending,
		CreatedAtMs: p.now(),
		ExpiresAtMs: invoice.ExpiresAtMs,
	}

	p.mu.Lock()
	p.intents[intentID] = &intent
	p.mu.Unlock()
	p.persist(ctx, intent)

	p.log.Info("Payment intent created",
		zap.String("intentId", intentID),
		zap.String("accountId", accountID),
		zap.Int64("amountSats", amountSats),
		zap.Float64("credits", credits))
	return intent, nil
}

// CheckIntent polls the invoice and credits the account exactly once on
// settlement.
func (p *Payments) CheckIntent(ctx context.Context, intentID string) (models.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[intentID]
	if !ok {
		stored, err := p.loadStored(ctx, intentID)
		if err != nil {
			return models.PaymentIntent{}, err
		}
		intent = stored
		p.intents[intentID] = intent
	}
	if intent.Status != models.IntentPending {
		return *intent, nil
	}

	if p.now() >= intent.ExpiresAtMs {
		intent.Status = models.IntentExpired
		p.persist(ctx, *intent)
		return *intent, nil
	}

	settlement, err := p.provider.CheckSettlement(ctx, intent.InvoiceRef)
	if err != nil {
		return *intent, err
	}
	if !settlement.Settled {
		return *intent, nil
	}

	intent.Status = models.IntentSettled
	if _, err := p.engine.Purchase(ctx, intent.AccountID, intent.Credits, intentID); err != nil {
		// Stay pending so the next check retries the purchase.
		intent.Status = models.IntentPending
		return *intent, err
	}
	p.persist(ctx, *intent)
	p.log.Info("Payment intent settled",
		zap.String("intentId", intentID),
		zap.String("accountId", intent.AccountID),
		zap.Float64("credits", intent.Credits))
	return *intent, nil
}

func (p *Payments) loadStored(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	if p.store != nil {
		stored, err := p.store.GetPaymentIntent(ctx, intentID)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindProviderUnavailable, err)
		}
		if stored != nil {
			return stored, nil
		}
	}
	return nil, protocol.Ef(protocol.KindNotFound, "payment intent %s does not exist", intentID)
}

func (p *Payments) persist(ctx context.Context, intent models.PaymentIntent) {
	if p.store == nil {
		return
	}
	if err := p.store.SavePaymentIntent(ctx, intent); err != nil {
		p.log.Warn("Payment intent persistence failed", zap.String("intentId", intent.IntentID), zap.Error(err))
	}
}
