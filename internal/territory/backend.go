package territory

import (
	"context"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/changefeed"
)

type CaptureRequest struct {
	ActorID string
	CellID  string
	// ExpectedOwner is the owner the caller saw ("" for unclaimed). When set and
	// the stored owner differs, the capture fails with a conflict.
	ExpectedOwner *string
}

type FortifyRequest struct {
	ActorID string
	CellID  string
	Amount  decimal.Decimal
}

type HarvestRequest struct {
	ActorID string
	CellID  string
}

// SpawnBatch is committed in a single transaction or not at all.
type SpawnBatch struct {
	Profiles []Profile
	Zones    []Zone
}

// TxResult is the outcome of a transactional call that reached the store.
// Refusals are results, not errors.
type TxResult struct {
	OK      bool
	Code    string
	Message string

	// Price is what the actor paid (capture cost or fortify charge).
	Price decimal.Decimal
	// Amount is what moved into storage (fortify) or out of it (harvest).
	Amount  decimal.Decimal
	Balance decimal.Decimal
	Zone    *Zone
}

func Refused(code, msg string) TxResult {
	return TxResult{Code: code, Message: msg}
}

// Backend is the persistent store collaborator. Capture, Fortify, Harvest and
// SpawnBatch are each one all-or-nothing server-side transaction. A non-nil
// error means the outcome is unknown.
type Backend interface {
	FetchZones(ctx context.Context) ([]Zone, error)
	Capture(ctx context.Context, req CaptureRequest) (TxResult, error)
	Fortify(ctx context.Context, req FortifyRequest) (TxResult, error)
	Harvest(ctx context.Context, req HarvestRequest) (TxResult, error)
	SpawnBatch(ctx context.Context, batch SpawnBatch) error
	Subscribe(ctx context.Context) (*changefeed.Subscription, error)
}

type ProfileStore interface {
	EnsureProfile(ctx context.Context, id, username string) (Profile, error)
	GetProfile(ctx context.Context, id string) (Profile, error)
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (Profile, error)
}
