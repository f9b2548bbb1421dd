// Package territory holds the zone and profile records shared by the engine,
// the stores and the transports, plus the contract the persistent store meets.
package territory

import (
	"time"

	"github.com/shopspring/decimal"
)

// OwnerRef is the slice of the owner's profile rendered with a zone.
type OwnerRef struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Zone is one captured cell. Unclaimed cells have no Zone at all.
type Zone struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	Storage      decimal.Decimal `json:"storage"`
	LastIncomeAt *time.Time      `json:"last_income_at"`
	CapturedAt   *time.Time      `json:"captured_at"`
	CoordsQ      *int            `json:"coords_q"`
	CoordsR      *int            `json:"coords_r"`
	Owner        *OwnerRef       `json:"owner,omitempty"`
}

func (z Zone) Claimed() bool { return z.OwnerID != "" }

// Patch returns a patch that sets every field of z.
func (z Zone) Patch() ZonePatch {
	owner := z.OwnerID
	storage := z.Storage
	p := ZonePatch{
		ID:           z.ID,
		OwnerID:      &owner,
		Storage:      &storage,
		LastIncomeAt: z.LastIncomeAt,
		CapturedAt:   z.CapturedAt,
		CoordsQ:      z.CoordsQ,
		CoordsR:      z.CoordsR,
		Owner:        z.Owner,
	}
	return p
}

// ZonePatch is a partial zone update; nil fields are left untouched.
type ZonePatch struct {
	ID           string
	OwnerID      *string
	Storage      *decimal.Decimal
	LastIncomeAt *time.Time
	CapturedAt   *time.Time
	CoordsQ      *int
	CoordsR      *int
	Owner        *OwnerRef
}

// Apply shallow-merges p into z.
func (p ZonePatch) Apply(z Zone) Zone {
	z.ID = p.ID
	if p.OwnerID != nil {
		z.OwnerID = *p.OwnerID
	}
	if p.Storage != nil {
		z.Storage = *p.Storage
	}
	if p.LastIncomeAt != nil {
		t := *p.LastIncomeAt
		z.LastIncomeAt = &t
	}
	if p.CapturedAt != nil {
		t := *p.CapturedAt
		z.CapturedAt = &t
	}
	if p.CoordsQ != nil {
		q := *p.CoordsQ
		z.CoordsQ = &q
	}
	if p.CoordsR != nil {
		r := *p.CoordsR
		z.CoordsR = &r
	}
	if p.Owner != nil {
		o := *p.Owner
		z.Owner = &o
	}
	return z
}

type Profile struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	Balance   decimal.Decimal `json:"balance"`
	IsBot     bool            `json:"is_bot,omitempty"`
	ZoneCount int             `json:"zone_count"`
}

// ProfileUpdate carries the cosmetic fields a player may change.
type ProfileUpdate struct {
	Username *string `json:"username,omitempty"`
	Color    *string `json:"color,omitempty"`
}

func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func IntPtr(v int) *int { return &v }
