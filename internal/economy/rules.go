package economy

import (
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/tuning"
)

// Rules prices captures and fortifications.
type Rules struct {
	Clock           Clock
	BaseCaptureCost decimal.Decimal
	TakeoverCost    decimal.Decimal
}

func RulesFromTuning(e tuning.Economy) Rules {
	return Rules{
		Clock:           FromTuning(e),
		BaseCaptureCost: e.BaseCaptureCost,
		TakeoverCost:    e.TakeoverCost,
	}
}

// CaptureCost is the flat base cost for an unclaimed cell, otherwise the
// takeover cost plus everything the zone has accrued by now.
func (r Rules) CaptureCost(claimed bool, storage decimal.Decimal, lastIncomeAt *time.Time, now time.Time) decimal.Decimal {
	if !claimed {
		return r.BaseCaptureCost
	}
	return r.TakeoverCost.Add(r.Clock.LiveStorage(storage, lastIncomeAt, now))
}

// FortifyCharge is the part of amount that fits under the limit.
func (r Rules) FortifyCharge(live, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(amount, r.Clock.Room(live))
}
