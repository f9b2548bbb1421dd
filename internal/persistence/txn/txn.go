// Package txn holds the checks both persistent stores run inside their
// transactions, so capture, fortify, harvest and batch spawn refuse the same
// requests with the same codes whichever database backs them.
package txn

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

// Actor is the acting profile as read inside the transaction.
type Actor struct {
	Found   bool
	Balance decimal.Decimal
}

// Cell is the zone row as read inside the transaction. Exists is false when
// the cell has never been captured.
type Cell struct {
	Exists       bool
	OwnerID      string
	Storage      decimal.Decimal
	LastIncomeAt *time.Time
}

func refuse(code, format string, args ...any) *territory.TxResult {
	r := territory.Refused(code, fmt.Sprintf(format, args...))
	return &r
}

// CheckCapture returns the price to charge, or the refusal.
func CheckCapture(req territory.CaptureRequest, actor Actor, cell Cell, rules economy.Rules, now time.Time) (decimal.Decimal, *territory.TxResult) {
	if !territory.ValidCellID(req.CellID) {
		return decimal.Zero, refuse(protocol.ErrBadRequest, "invalid cell id %q", req.CellID)
	}
	if !actor.Found {
		return decimal.Zero, refuse(protocol.ErrUnauthenticated, "no profile for actor")
	}
	if cell.OwnerID == req.ActorID {
		return decimal.Zero, refuse(protocol.ErrAlreadyOwned, "zone already owned by you")
	}
	if req.ExpectedOwner != nil && *req.ExpectedOwner != cell.OwnerID {
		return decimal.Zero, refuse(protocol.ErrConflict, "zone changed hands")
	}
	cost := rules.CaptureCost(cell.OwnerID != "", cell.Storage, cell.LastIncomeAt, now)
	if actor.Balance.LessThan(cost) {
		return decimal.Zero, refuse(protocol.ErrInsufficientBalance, "capture costs %s, balance %s", cost.StringFixed(2), actor.Balance.StringFixed(2))
	}
	return cost, nil
}

// CheckFortify returns the live storage before fortifying and the charge.
func CheckFortify(req territory.FortifyRequest, actor Actor, cell Cell, rules economy.Rules, now time.Time) (live, charge decimal.Decimal, res *territory.TxResult) {
	if !territory.ValidCellID(req.CellID) {
		return decimal.Zero, decimal.Zero, refuse(protocol.ErrBadRequest, "invalid cell id %q", req.CellID)
	}
	if !economy.ValidAmount(req.Amount) {
		return decimal.Zero, decimal.Zero, refuse(protocol.ErrBadRequest, "amount must be positive with at most %d decimal places", economy.Places)
	}
	if !actor.Found {
		return decimal.Zero, decimal.Zero, refuse(protocol.ErrUnauthenticated, "no profile for actor")
	}
	if !cell.Exists || cell.OwnerID != req.ActorID {
		return decimal.Zero, decimal.Zero, refuse(protocol.ErrNotOwner, "zone not owned by you")
	}
	live = rules.Clock.LiveStorage(cell.Storage, cell.LastIncomeAt, now)
	charge = rules.FortifyCharge(live, req.Amount)
	if actor.Balance.LessThan(charge) {
		return decimal.Zero, decimal.Zero, refuse(protocol.ErrInsufficientBalance, "fortify costs %s, balance %s", charge.StringFixed(2), actor.Balance.StringFixed(2))
	}
	return live, charge, nil
}

// CheckHarvest returns the live storage to move into the balance.
func CheckHarvest(req territory.HarvestRequest, actor Actor, cell Cell, rules economy.Rules, now time.Time) (decimal.Decimal, *territory.TxResult) {
	if !territory.ValidCellID(req.CellID) {
		return decimal.Zero, refuse(protocol.ErrBadRequest, "invalid cell id %q", req.CellID)
	}
	if !actor.Found {
		return decimal.Zero, refuse(protocol.ErrUnauthenticated, "no profile for actor")
	}
	if !cell.Exists || cell.OwnerID != req.ActorID {
		return decimal.Zero, refuse(protocol.ErrNotOwner, "zone not owned by you")
	}
	return rules.Clock.LiveStorage(cell.Storage, cell.LastIncomeAt, now), nil
}

// CheckSpawnBatch runs the checks that need no database reads. The stores
// still reject cells or coordinates that already exist.
func CheckSpawnBatch(b territory.SpawnBatch, limit decimal.Decimal) error {
	if len(b.Profiles) == 0 && len(b.Zones) == 0 {
		return territory.Errorf(protocol.ErrBatchRejected, "empty batch")
	}
	owners := make(map[string]struct{}, len(b.Profiles))
	for _, p := range b.Profiles {
		if p.ID == "" {
			return territory.Errorf(protocol.ErrBatchRejected, "profile without id")
		}
		if _, dup := owners[p.ID]; dup {
			return territory.Errorf(protocol.ErrBatchRejected, "duplicate profile %s", p.ID)
		}
		if p.Balance.IsNegative() || !p.Balance.Equal(p.Balance.Truncate(economy.Places)) {
			return territory.Errorf(protocol.ErrBatchRejected, "invalid balance %s for %s", p.Balance, p.ID)
		}
		owners[p.ID] = struct{}{}
	}
	cells := make(map[string]struct{}, len(b.Zones))
	coords := make(map[[2]int]struct{}, len(b.Zones))
	for _, z := range b.Zones {
		if !territory.ValidCellID(z.ID) {
			return territory.Errorf(protocol.ErrBatchRejected, "invalid cell id %q", z.ID)
		}
		if _, dup := cells[z.ID]; dup {
			return territory.Errorf(protocol.ErrBatchRejected, "cell %s appears twice", z.ID)
		}
		cells[z.ID] = struct{}{}
		if _, ok := owners[z.OwnerID]; !ok {
			return territory.Errorf(protocol.ErrBatchRejected, "zone %s owner %q not in batch", z.ID, z.OwnerID)
		}
		if !territory.ValidStorage(z.Storage, limit) || !z.Storage.Equal(z.Storage.Truncate(economy.Places)) {
			return territory.Errorf(protocol.ErrBatchRejected, "zone %s storage %s out of range", z.ID, z.Storage)
		}
		if (z.CoordsQ == nil) != (z.CoordsR == nil) {
			return territory.Errorf(protocol.ErrBatchRejected, "zone %s has half a coordinate pair", z.ID)
		}
		if z.CoordsQ != nil {
			k := [2]int{*z.CoordsQ, *z.CoordsR}
			if _, dup := coords[k]; dup {
				return territory.Errorf(protocol.ErrBatchRejected, "coordinates %d,%d appear twice", k[0], k[1])
			}
			coords[k] = struct{}{}
		}
	}
	return nil
}
