package protocol

import (
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/territory"
)

// GET /v1/zones
type ZoneRow struct {
	ID           string          `json:"id"`
	OwnerID      *string         `json:"owner_id"`
	Storage      decimal.Decimal `json:"storage"`
	LastIncomeAt *time.Time      `json:"last_income_at"`
	CapturedAt   *time.Time      `json:"captured_at"`
	CoordsQ      *int            `json:"coords_q"`
	CoordsR      *int            `json:"coords_r"`
	Owner        *OwnerRow       `json:"owner"`
}

type OwnerRow struct {
	Color    string `json:"color"`
	Username string `json:"username"`
}

// POST /v1/rpc/capture
type CaptureReq struct {
	TargetCellID    string  `json:"target_cell_id"`
	ExpectedOwnerID *string `json:"expected_owner_id,omitempty"`
}

// POST /v1/rpc/fortify
type FortifyReq struct {
	TargetCellID string          `json:"target_cell_id"`
	Amount       decimal.Decimal `json:"amount"`
}

// POST /v1/rpc/harvest
type HarvestReq struct {
	TargetCellID string `json:"target_cell_id"`
}

// TxResp answers capture, fortify and harvest.
type TxResp struct {
	Success bool             `json:"success"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
	Zone    *ZoneRow         `json:"zone,omitempty"`
}

// POST /v1/rpc/spawn_batch
type SpawnBatchReq struct {
	Profiles []ProfileRow `json:"profiles"`
	Zones    []ZoneRow    `json:"zones"`
}

type SpawnBatchResp struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// GET/PATCH /v1/profile
type ProfileRow struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	Balance   decimal.Decimal `json:"balance"`
	IsBot     bool            `json:"is_bot,omitempty"`
	ZoneCount int             `json:"zone_count,omitempty"`
}

type ProfileUpdateReq struct {
	Username *string `json:"username,omitempty"`
	Color    *string `json:"color,omitempty"`
}

// GET /v1/grid/*
type GridCell struct {
	ID       string       `json:"id"`
	Boundary [][2]float64 `json:"boundary"`
}

type GridResp struct {
	Resolution int        `json:"resolution"`
	Cells      []GridCell `json:"cells"`
}

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ChangeFrame is one change-feed push.
type ChangeFrame struct {
	Table string `json:"table"`
	Event string `json:"event"`
}

func ZoneToRow(z territory.Zone) ZoneRow {
	r := ZoneRow{
		ID:           z.ID,
		Storage:      z.Storage,
		LastIncomeAt: z.LastIncomeAt,
		CapturedAt:   z.CapturedAt,
		CoordsQ:      z.CoordsQ,
		CoordsR:      z.CoordsR,
	}
	if z.OwnerID != "" {
		owner := z.OwnerID
		r.OwnerID = &owner
	}
	if z.Owner != nil {
		r.Owner = &OwnerRow{Color: z.Owner.Color, Username: z.Owner.Username}
	}
	return r
}

func ZoneFromRow(r ZoneRow) territory.Zone {
	z := territory.Zone{
		ID:           r.ID,
		Storage:      r.Storage,
		LastIncomeAt: r.LastIncomeAt,
		CapturedAt:   r.CapturedAt,
		CoordsQ:      r.CoordsQ,
		CoordsR:      r.CoordsR,
	}
	if r.OwnerID != nil {
		z.OwnerID = *r.OwnerID
	}
	if r.Owner != nil {
		z.Owner = &territory.OwnerRef{Username: r.Owner.Username, Color: r.Owner.Color}
	}
	return z
}

func ZonesToRows(zs []territory.Zone) []ZoneRow {
	out := make([]ZoneRow, 0, len(zs))
	for _, z := range zs {
		out = append(out, ZoneToRow(z))
	}
	return out
}

func ProfileToRow(p territory.Profile) ProfileRow {
	return ProfileRow{
		ID:        p.ID,
		Username:  p.Username,
		Color:     p.Color,
		Balance:   p.Balance,
		IsBot:     p.IsBot,
		ZoneCount: p.ZoneCount,
	}
}

func ProfileFromRow(r ProfileRow) territory.Profile {
	return territory.Profile{
		ID:        r.ID,
		Username:  r.Username,
		Color:     r.Color,
		Balance:   r.Balance,
		IsBot:     r.IsBot,
		ZoneCount: r.ZoneCount,
	}
}

func TxToResp(res territory.TxResult) TxResp {
	resp := TxResp{Success: res.OK, Code: res.Code, Message: res.Message}
	if res.OK {
		price, amount, balance := res.Price, res.Amount, res.Balance
		resp.Price = &price
		resp.Amount = &amount
		resp.Balance = &balance
	}
	if res.Zone != nil {
		row := ZoneToRow(*res.Zone)
		resp.Zone = &row
	}
	return resp
}

func TxFromResp(resp TxResp) territory.TxResult {
	res := territory.TxResult{OK: resp.Success, Code: resp.Code, Message: resp.Message}
	if resp.Price != nil {
		res.Price = *resp.Price
	}
	if resp.Amount != nil {
		res.Amount = *resp.Amount
	}
	if resp.Balance != nil {
		res.Balance = *resp.Balance
	}
	if resp.Zone != nil {
		z := ZoneFromRow(*resp.Zone)
		res.Zone = &z
	}
	return res
}
