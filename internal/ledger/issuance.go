package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// epochHistory bounds the in-memory epoch window, a week of hourly
// epochs at defaults.
const epochHistory = 168

type IssuanceOptions struct {
	Log           *zap.Logger
	Store         store.Store
	CoordinatorID string

	Window           time.Duration
	BasePool         float64
	MinPool          float64
	MaxPool          float64
	Slope            float64
	Alpha            float64
	CoordinatorShare float64
	ReserveShare     float64

	// Load samples mesh pressure at window close.
	Load func() models.LoadSnapshot
	// Earned returns contributed credits per account inside a window.
	Earned func(startMs, endMs int64) map[string]float64
}

type epochBundle struct {
	epoch   models.IssuanceEpoch
	allocs  []models.IssuanceAllocation
	payouts []models.IssuancePayoutEvent
}

// Issuance mints rolling token pools sized by smoothed mesh load and
// splits them across contributors, the coordinator and the reserve.
type Issuance struct {
	opts IssuanceOptions

	mu          sync.Mutex
	smoothed    float64
	primed      bool
	windowStart int64
	order       []string
	epochs      map[string]epochBundle
	onEpoch     func(models.IssuanceEpoch)
	now         func() int64
}

func NewIssuance(opts IssuanceOptions) *Issuance {
	i := &Issuance{
		opts:   opts,
		epochs: make(map[string]epochBundle),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
	i.windowStart = i.now()
	return i
}

// SetEpochHook installs a callback fired after each closed epoch, used
// to hand epochs to quorum finalization.
func (i *Issuance) SetEpochHook(fn func(models.IssuanceEpoch)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onEpoch = fn
}

// Tick closes the current window once it has run its full length.
func (i *Issuance) Tick(ctx context.Context) {
	i.mu.Lock()
	due := i.now()-i.windowStart >= i.opts.Window.Milliseconds()
	i.mu.Unlock()
	if due {
		i.CloseWindow(ctx)
	}
}

// CloseWindow computes and records the epoch for the window ending now.
func (i *Issuance) CloseWindow(ctx context.Context) models.IssuanceEpoch {
	i.mu.Lock()

	end := i.now()
	start := i.windowStart
	i.windowStart = end

	raw := i.opts.Load().Pressure()
	if i.primed {
		i.smoothed = i.opts.Alpha*raw + (1-i.opts.Alpha)*i.smoothed
	} else {
		i.smoothed = raw
		i.primed = true
	}
	loadIndex := i.smoothed

	surge := loadIndex - 1
	if surge < 0 {
		surge = 0
	}
	dailyPool := i.opts.BasePool * (1 + surge*i.opts.Slope)
	if dailyPool < i.opts.MinPool {
		dailyPool = i.opts.MinPool
	}
	if dailyPool > i.opts.MaxPool {
		dailyPool = i.opts.MaxPool
	}
	hourlyTokens := dailyPool / 24

	earned := i.opts.Earned(start, end)
	var totalWeight float64
	for _, w := range earned {
		if w > 0 {
			totalWeight += w
		}
	}

	contributorPool := hourlyTokens * (1 - i.opts.CoordinatorShare - i.opts.ReserveShare)

	epoch := models.IssuanceEpoch{
		IssuanceEpochID:           uuid.NewString(),
		CoordinatorID:             i.opts.CoordinatorID,
		WindowStartMs:             start,
		WindowEndMs:               end,
		LoadIndex:                 loadIndex,
		DailyPoolTokens:           dailyPool,
		HourlyTokens:              hourlyTokens,
		TotalWeightedContribution: totalWeight,
		Finalized:                 true,
		CreatedAtMs:               end,
	}

	allocs := make([]models.IssuanceAllocation, 0, len(earned))
	payouts := make([]models.IssuancePayoutEvent, 0, len(earned)+2)
	if totalWeight > 0 {
		for account, weight := range earned {
			if weight <= 0 {
				continue
			}
			issued := contributorPool * weight / totalWeight
			allocs = append(allocs, models.IssuanceAllocation{
				EpochID:              epoch.IssuanceEpochID,
				AccountID:            account,
				WeightedContribution: weight,
				IssuedTokens:         issued,
			})
			payouts = append(payouts, models.IssuancePayoutEvent{
				EpochID:   epoch.IssuanceEpochID,
				Tranche:   models.TrancheContributor,
				AccountID: account,
				Tokens:    issued,
			})
		}
	}
	payouts = append(payouts,
		models.IssuancePayoutEvent{
			EpochID:   epoch.IssuanceEpochID,
			Tranche:   models.TrancheCoordinator,
			AccountID: i.opts.CoordinatorID,
			Tokens:    hourlyTokens * i.opts.CoordinatorShare,
		},
		models.IssuancePayoutEvent{
			EpochID: epoch.IssuanceEpochID,
			Tranche: models.TrancheReserve,
			Tokens:  hourlyTokens * i.opts.ReserveShare,
		})
	epoch.ContributionCount = len(allocs)

	i.epochs[epoch.IssuanceEpochID] = epochBundle{epoch: epoch, allocs: allocs, payouts: payouts}
	i.order = append(i.order, epoch.IssuanceEpochID)
	if len(i.order) > epochHistory {
		delete(i.epochs, i.order[0])
		i.order = i.order[1:]
	}
	hook := i.onEpoch
	i.mu.Unlock()

	if i.opts.Store != nil {
		if err := i.opts.Store.SaveIssuanceEpoch(ctx, epoch, allocs, payouts); err != nil {
			i.opts.Log.Warn("Issuance epoch persistence failed",
				zap.String("epochId", epoch.IssuanceEpochID), zap.Error(err))
		}
	}
	i.opts.Log.Info("Issuance epoch closed",
		zap.String("epochId", epoch.IssuanceEpochID),
		zap.Float64("loadIndex", loadIndex),
		zap.Float64("hourlyTokens", hourlyTokens),
		zap.Int("contributors", len(allocs)))

	if hook != nil {
		hook(epoch)
	}
	return epoch
}

// Run closes windows on the recalc cadence until ctx ends.
func (i *Issuance) Run(ctx context.Context, recalcEvery time.Duration) {
	ticker := time.NewTicker(recalcEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Tick(ctx)
		}
	}
}

// Epochs lists recent epochs, newest first, up to limit.
func (i *Issuance) Epochs(limit int) []models.IssuanceEpoch {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]models.IssuanceEpoch, 0, len(i.order))
	for n := len(i.order) - 1; n >= 0; n-- {
		out = append(out, i.epochs[i.order[n]].epoch)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Epoch returns one epoch with its allocations and payouts.
func (i *Issuance) Epoch(epochID string) (models.IssuanceEpoch, []models.IssuanceAllocation, []models.IssuancePayoutEvent, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	bundle, ok := i.epochs[epochID]
	if !ok {
		return models.IssuanceEpoch{}, nil, nil, false
	}
	return bundle.epoch, bundle.allocs, bundle.payouts, true
}
