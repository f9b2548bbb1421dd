// Package economy computes live zone storage from a stored baseline.
package economy

import (
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/tuning"
)

// Places is the precision live values are rounded to.
const Places = 2

var nanosPerHour = decimal.NewFromInt(int64(time.Hour))

type Clock struct {
	rate  decimal.Decimal
	limit decimal.Decimal
}

func NewClock(rate, limit decimal.Decimal) Clock {
	return Clock{rate: rate, limit: limit}
}

func FromTuning(e tuning.Economy) Clock {
	return NewClock(e.AccrualRate, e.StorageLimit)
}

func (c Clock) Rate() decimal.Decimal  { return c.rate }
func (c Clock) Limit() decimal.Decimal { return c.limit }

// LiveStorage returns min(limit, baseline + hours(now-lastIncomeAt) * rate),
// rounded to two places. A nil lastIncomeAt disables accrual. Time running
// backwards (clock skew) accrues nothing.
func (c Clock) LiveStorage(baseline decimal.Decimal, lastIncomeAt *time.Time, now time.Time) decimal.Decimal {
	if baseline.IsNegative() {
		baseline = decimal.Zero
	}
	total := baseline
	if lastIncomeAt != nil {
		elapsed := now.Sub(*lastIncomeAt)
		if elapsed > 0 {
			hours := decimal.NewFromInt(int64(elapsed)).Div(nanosPerHour)
			total = total.Add(hours.Mul(c.rate))
		}
	}
	return c.cap(total.Round(Places))
}

// ValidAmount reports whether v is a positive amount with at most Places
// decimal places. Finer amounts would round differently on the way back out.
func ValidAmount(v decimal.Decimal) bool {
	return v.IsPositive() && v.Equal(v.Truncate(Places))
}

// Room is how much storage can still be added before the limit.
func (c Clock) Room(live decimal.Decimal) decimal.Decimal {
	r := c.limit.Sub(live)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (c Clock) cap(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(c.limit) {
		return c.limit
	}
	return v
}
