package credits

import (
	"time"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Compute pricing in sats per compute unit.
const (
	priceBaseCPUSats int64 = 30
	priceBaseGPUSats int64 = 120

	priceFloorFactor = 0.35
	priceCeilFactor  = 4.0
)

// Quote prices one compute unit for the resource class under the given
// load: base × (0.65 + scarcity × 0.35), clamped to [0.35×base, 4×base].
// Scarcity is demand over capacity; an empty mesh prices at base.
func Quote(resourceClass string, load models.LoadSnapshot) models.PriceQuote {
	base := priceBaseCPUSats
	if resourceClass == models.ResourceGPU {
		base = priceBaseGPUSats
	}

	scarcity := 1.0
	if load.Capacity > 0 {
		scarcity = float64(load.QueuedTasks) / float64(load.Capacity)
	}

	price := float64(base) * (0.65 + scarcity*0.35)
	if floor := float64(base) * priceFloorFactor; price < floor {
		price = floor
	}
	if ceil := float64(base) * priceCeilFactor; price > ceil {
		price = ceil
	}

	return models.PriceQuote{
		ResourceClass:    resourceClass,
		BaseSats:         base,
		Scarcity:         scarcity,
		PricePerUnitSats: price,
		QuotedAtMs:       time.Now().UnixMilli(),
	}
}
