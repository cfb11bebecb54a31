// Package credits implements the contribution-metered credit economy:
// append-only per-account transaction logs, load-scaled accrual, the
// contribution-first spend policy, and dynamic compute pricing.
package credits

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// PurchasePrefix marks earn transactions bought through a payment intent
// rather than contributed. The intent id follows the colon.
const PurchasePrefix = "credit_purchase:"

// Base accrual rates in credits per cpu-second equivalent. The gpu rate
// mirrors the 120/30 sat pricing ratio.
const (
	baseRateCPU = 1.0
	baseRateGPU = 4.0
)

// QualityPolicy maps a report's claimed quality to the accrual
// multiplier.
type QualityPolicy func(report models.ContributionReport) float64

// DefaultQuality clamps the self-reported quality to [0, 2] and treats
// an absent value as neutral.
func DefaultQuality(report models.ContributionReport) float64 {
	q := report.Quality
	if q == 0 {
		return 1.0
	}
	if q < 0 {
		return 0
	}
	if q > 2 {
		return 2
	}
	return q
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Store   store.Store

	MinContributionRatio float64
	ContributionBurst    float64
	Quality              QualityPolicy
}

// Engine owns the credit ledger. One mutex serializes all mutations;
// balances are kept incrementally so spend checks stay O(1).
type Engine struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store

	mu       sync.Mutex
	txs      map[string][]models.CreditTransaction
	balances map[string]float64
	seenTx   map[string]bool
	reports  map[string]bool

	minRatio float64
	burst    float64
	quality  QualityPolicy
	now      func() int64
}

func New(opts Options) *Engine {
	e := &Engine{
		log:      opts.Log,
		metrics:  opts.Metrics,
		store:    opts.Store,
		txs:      make(map[string][]models.CreditTransaction),
		balances: make(map[string]float64),
		seenTx:   make(map[string]bool),
		reports:  make(map[string]bool),
		minRatio: opts.MinContributionRatio,
		burst:    opts.ContributionBurst,
		quality:  opts.Quality,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	if e.quality == nil {
		e.quality = DefaultQuality
	}
	return e
}

// Restore reloads the transaction log from persistence at boot.
func (e *Engine) Restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	txs, err := e.store.ListCreditTxs(ctx, "")
	if err != nil {
		e.log.Warn("Credit ledger reload failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tx := range txs {
		if e.seenTx[tx.TxID] {
			continue
		}
		e.applyLocked(tx)
	}
	if len(txs) > 0 {
		e.log.Info("Restored credit ledger", zap.Int("transactions", len(txs)))
	}
}

// LoadMultiplier interpolates the accrual multiplier over mesh pressure
// through (0.2, 0.8), (1.0, 1.0), (3.0, 1.6), extending the end slopes
// and clamping to [0.35, 4.0].
func LoadMultiplier(pressure float64) float64 {
	type point struct{ x, y float64 }
	curve := []point{{0.2, 0.8}, {1.0, 1.0}, {3.0, 1.6}}

	var m float64
	switch {
	case pressure <= curve[0].x:
		slope := (curve[1].y - curve[0].y) / (curve[1].x - curve[0].x)
		m = curve[0].y + (pressure-curve[0].x)*slope
	case pressure >= curve[2].x:
		slope := (curve[2].y - curve[1].y) / (curve[2].x - curve[1].x)
		m = curve[2].y + (pressure-curve[2].x)*slope
	case pressure <= curve[1].x:
		frac := (pressure - curve[0].x) / (curve[1].x - curve[0].x)
		m = curve[0].y + frac*(curve[1].y-curve[0].y)
	default:
		frac := (pressure - curve[1].x) / (curve[2].x - curve[1].x)
		m = curve[1].y + frac*(curve[2].y-curve[1].y)
	}

	if m < 0.35 {
		return 0.35
	}
	if m > 4.0 {
		return 4.0
	}
	return m
}

func baseRate(resourceClass string) float64 {
	if resourceClass == models.ResourceGPU {
		return baseRateGPU
	}
	return baseRateCPU
}

// Accrue credits a contribution report scaled by current mesh load.
// Duplicate reportIds are rejected without touching any balance.
func (e *Engine) Accrue(ctx context.Context, report models.ContributionReport, load models.LoadSnapshot) (models.CreditTransaction, error) {
	if report.ReportID == "" || report.AccountID == "" {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindBadRequest, "reportId and accountId are required")
	}
	if report.CPUSeconds <= 0 {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindBadRequest, "cpuSeconds must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reports[report.ReportID] {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindDuplicateReport, "report %s was already credited", report.ReportID)
	}
	if e.store != nil {
		inserted, err := e.store.MarkReport(ctx, report.ReportID, e.now())
		if err != nil {
			return models.CreditTransaction{}, protocol.Wrap(protocol.KindProviderUnavailable, err)
		}
		if !inserted {
			e.reports[report.ReportID] = true
			return models.CreditTransaction{}, protocol.Ef(protocol.KindDuplicateReport, "report %s was already credited", report.ReportID)
		}
	}
	e.reports[report.ReportID] = true

	credits := report.CPUSeconds * baseRate(report.ResourceClass) * e.quality(report) * LoadMultiplier(load.Pressure())
	tx := models.CreditTransaction{
		TxID:          uuid.NewString(),
		AccountID:     report.AccountID,
		Type:          models.CreditEarn,
		Credits:       credits,
		Reason:        "contribution:" + report.ReportID,
		RelatedTaskID: report.TaskID,
		TimestampMs:   e.now(),
	}
	e.commitLocked(ctx, tx)
	e.metrics.CreditsEarned.Add(credits)
	e.log.Debug("Contribution credited",
		zap.String("accountId", report.AccountID),
		zap.Float64("credits", credits),
		zap.Float64("pressure", load.Pressure()))
	return tx, nil
}

// Purchase credits an account from a settled payment. Idempotent per
// intent so a retried settlement check cannot double-credit.
func (e *Engine) Purchase(ctx context.Context, accountID string, credits float64, intentID string) (models.CreditTransaction, error) {
	if accountID == "" || credits <= 0 || intentID == "" {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindBadRequest, "accountId, intentId and a positive credits amount are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reason := PurchasePrefix + intentID
	for _, tx := range e.txs[accountID] {
		if tx.Type == models.CreditEarn && tx.Reason == reason {
			return tx, nil
		}
	}
	tx := models.CreditTransaction{
		TxID:        uuid.NewString(),
		AccountID:   accountID,
		Type:        models.CreditEarn,
		Credits:     credits,
		Reason:      reason,
		TimestampMs: e.now(),
	}
	e.commitLocked(ctx, tx)
	e.metrics.CreditsEarned.Add(credits)
	return tx, nil
}

// Spend debits an account. The contribution-first policy runs before the
// balance check; accounts that neither contributed enough nor hold the
// burst allowance are refused.
func (e *Engine) Spend(ctx context.Context, accountID string, credits float64, reason, relatedTaskID string) (models.CreditTransaction, error) {
	if credits <= 0 {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindBadRequest, "credits must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkPolicyLocked(accountID); err != nil {
		return models.CreditTransaction{}, err
	}
	if e.balances[accountID] < credits {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindInsufficientCredits,
			"account %s holds %.4f credits", accountID, e.balances[accountID])
	}

	tx := models.CreditTransaction{
		TxID:          uuid.NewString(),
		AccountID:     accountID,
		Type:          models.CreditSpend,
		Credits:       credits,
		Reason:        reason,
		RelatedTaskID: relatedTaskID,
		TimestampMs:   e.now(),
	}
	e.commitLocked(ctx, tx)
	e.metrics.CreditsSpent.Add(credits)
	return tx, nil
}

// Adjust applies an operator correction. Negative adjustments cannot
// push the balance below zero.
func (e *Engine) Adjust(ctx context.Context, accountID string, credits float64, reason string) (models.CreditTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if credits < 0 && e.balances[accountID]+credits < 0 {
		return models.CreditTransaction{}, protocol.Ef(protocol.KindInsufficientCredits,
			"adjustment would leave account %s negative", accountID)
	}
	tx := models.CreditTransaction{
		TxID:        uuid.NewString(),
		AccountID:   accountID,
		Type:        models.CreditAdjust,
		Credits:     credits,
		Reason:      reason,
		TimestampMs: e.now(),
	}
	e.commitLocked(ctx, tx)
	return tx, nil
}

// checkPolicyLocked enforces (earned+purchased)/spent >= minRatio, with
// the burst balance as the alternative gate.
func (e *Engine) checkPolicyLocked(accountID string) error {
	var earned, spent float64
	for _, tx := range e.txs[accountID] {
		switch tx.Type {
		case models.CreditEarn:
			earned += tx.Credits
		case models.CreditSpend:
			spent += tx.Credits
		}
	}
	if spent == 0 || earned/spent >= e.minRatio {
		return nil
	}
	if e.balances[accountID] >= e.burst {
		return nil
	}
	return protocol.Ef(protocol.KindContributionPolicy,
		"account %s contribution ratio %.2f is below %.2f", accountID, earned/spent, e.minRatio)
}

// commitLocked appends the transaction, updates the balance, and writes
// through to persistence.
func (e *Engine) commitLocked(ctx context.Context, tx models.CreditTransaction) {
	e.txs[tx.AccountID] = append(e.txs[tx.AccountID], tx)
	e.seenTx[tx.TxID] = true
	e.applyBalanceLocked(tx)
	if e.store != nil {
		if err := e.store.AppendCreditTx(ctx, tx); err != nil {
			e.log.Warn("Credit tx persistence failed", zap.String("txId", tx.TxID), zap.Error(err))
		}
	}
}

// applyLocked installs a restored transaction without re-persisting.
func (e *Engine) applyLocked(tx models.CreditTransaction) {
	e.txs[tx.AccountID] = append(e.txs[tx.AccountID], tx)
	e.seenTx[tx.TxID] = true
	if strings.HasPrefix(tx.Reason, "contribution:") {
		e.reports[strings.TrimPrefix(tx.Reason, "contribution:")] = true
	}
	e.applyBalanceLocked(tx)
}

// Held transactions record escrow intent only; they never move the
// balance.
func (e *Engine) applyBalanceLocked(tx models.CreditTransaction) {
	switch tx.Type {
	case models.CreditEarn:
		e.balances[tx.AccountID] += tx.Credits
	case models.CreditSpend:
		e.balances[tx.AccountID] -= tx.Credits
	case models.CreditAdjust:
		e.balances[tx.AccountID] += tx.Credits
	}
}

// Balance returns the current balance for one account.
func (e *Engine) Balance(accountID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[accountID]
}

// History copies an account's transaction log, newest last.
func (e *Engine) History(accountID string) []models.CreditTransaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.CreditTransaction(nil), e.txs[accountID]...)
}

// EarnedInWindow sums contributed (non-purchased) earnings per account
// inside [startMs, endMs), the issuance engine's contribution weight.
func (e *Engine) EarnedInWindow(startMs, endMs int64) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]float64)
	for account, txs := range e.txs {
		for _, tx := range txs {
			if tx.Type != models.CreditEarn || strings.HasPrefix(tx.Reason, PurchasePrefix) {
				continue
			}
			if tx.TimestampMs >= startMs && tx.TimestampMs < endMs {
				out[account] += tx.Credits
			}
		}
	}
	return out
}
