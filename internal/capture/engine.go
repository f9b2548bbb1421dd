// Package capture drives capture, fortify and harvest for one session.
//
// The engine never decides an outcome itself: each call is one atomic store
// transaction. It validates input before any network call, sends the owner it
// last saw so a stale view loses cleanly, folds refusals into a Result, and
// treats transport failures as an unknown outcome that needs a resync.
package capture

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/zonestore"
)

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalid             Reason = "Invalid"
	ReasonUnauthenticated     Reason = "Unauthenticated"
	ReasonNotOwner            Reason = "NotOwner"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
	ReasonAlreadyOwnedBySelf  Reason = "AlreadyOwnedBySelf"
	ReasonConcurrentConflict  Reason = "ConcurrentConflict"
	ReasonUnknownOutcome      Reason = "UnknownOutcome"
)

var codeReason = map[string]Reason{
	protocol.ErrBadRequest:          ReasonInvalid,
	protocol.ErrNotFound:            ReasonInvalid,
	protocol.ErrUnauthenticated:     ReasonUnauthenticated,
	protocol.ErrNotOwner:            ReasonNotOwner,
	protocol.ErrInsufficientBalance: ReasonInsufficientBalance,
	protocol.ErrAlreadyOwned:        ReasonAlreadyOwnedBySelf,
	protocol.ErrConflict:            ReasonConcurrentConflict,
}

// Result is what a caller branches on. Failures are values.
type Result struct {
	OK      bool
	Reason  Reason
	Class   protocol.Class
	Code    string
	Message string

	Price   decimal.Decimal
	Amount  decimal.Decimal
	Balance decimal.Decimal
	Zone    *territory.Zone
}

func failure(code, msg string) Result {
	r, ok := codeReason[code]
	if !ok {
		r = ReasonUnknownOutcome
	}
	return Result{Reason: r, Class: protocol.ClassOf(code), Code: code, Message: msg}
}

// Resyncer is told when the local view can no longer be trusted.
type Resyncer interface {
	Trigger()
}

type Options struct {
	Rules economy.Rules
	// Timeout bounds each store call. Zero means the caller's context only.
	Timeout time.Duration
	Logger  *log.Logger
}

type Engine struct {
	backend territory.Backend
	zones   *zonestore.Store
	resync  Resyncer
	rules   economy.Rules
	timeout time.Duration
	log     *log.Logger
}

func New(backend territory.Backend, zones *zonestore.Store, resync Resyncer, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		backend: backend,
		zones:   zones,
		resync:  resync,
		rules:   opts.Rules,
		timeout: opts.Timeout,
		log:     logger,
	}
}

func (e *Engine) Capture(ctx context.Context, actorID, cellID string) Result {
	if r, bad := e.precheck(actorID, cellID); bad {
		return r
	}
	expected := e.zones.Owner(cellID)
	if expected == actorID {
		return failure(protocol.ErrAlreadyOwned, "zone already owned by you")
	}

	ctx, cancel := e.callContext(ctx)
	defer cancel()
	res, err := e.backend.Capture(ctx, territory.CaptureRequest{ActorID: actorID, CellID: cellID, ExpectedOwner: &expected})
	return e.settle("capture", cellID, res, err)
}

func (e *Engine) Fortify(ctx context.Context, actorID, cellID string, amount decimal.Decimal) Result {
	if r, bad := e.precheck(actorID, cellID); bad {
		return r
	}
	if !economy.ValidAmount(amount) {
		return failure(protocol.ErrBadRequest, "amount must be positive with at most two decimal places")
	}

	ctx, cancel := e.callContext(ctx)
	defer cancel()
	res, err := e.backend.Fortify(ctx, territory.FortifyRequest{ActorID: actorID, CellID: cellID, Amount: amount})
	return e.settle("fortify", cellID, res, err)
}

func (e *Engine) Harvest(ctx context.Context, actorID, cellID string) Result {
	if r, bad := e.precheck(actorID, cellID); bad {
		return r
	}

	ctx, cancel := e.callContext(ctx)
	defer cancel()
	res, err := e.backend.Harvest(ctx, territory.HarvestRequest{ActorID: actorID, CellID: cellID})
	return e.settle("harvest", cellID, res, err)
}

// Quote estimates what capturing cellID would cost at now from the local
// view. The store prices the real capture.
func (e *Engine) Quote(cellID string, now time.Time) decimal.Decimal {
	z, ok := e.zones.Get(cellID)
	if !ok || !z.Claimed() {
		return e.rules.CaptureCost(false, decimal.Zero, nil, now)
	}
	return e.rules.CaptureCost(true, z.Storage, z.LastIncomeAt, now)
}

// LiveStorage is the accrued storage of a cached zone at now.
func (e *Engine) LiveStorage(cellID string, now time.Time) decimal.Decimal {
	z, ok := e.zones.Get(cellID)
	if !ok {
		return decimal.Zero
	}
	return e.rules.Clock.LiveStorage(z.Storage, z.LastIncomeAt, now)
}

func (e *Engine) precheck(actorID, cellID string) (Result, bool) {
	if actorID == "" {
		return failure(protocol.ErrUnauthenticated, "not signed in"), true
	}
	if !territory.ValidCellID(cellID) {
		return failure(protocol.ErrBadRequest, "invalid cell id"), true
	}
	return Result{}, false
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) settle(op, cellID string, res territory.TxResult, err error) Result {
	if err != nil {
		e.log.Printf("%s %s: outcome unknown: %v", op, cellID, err)
		e.triggerResync()
		return Result{Reason: ReasonUnknownOutcome, Class: protocol.ClassTransport, Code: protocol.ErrTransport, Message: err.Error()}
	}
	if !res.OK {
		out := failure(res.Code, res.Message)
		switch out.Class {
		case protocol.ClassConflict, protocol.ClassTransport:
			e.triggerResync()
		}
		return out
	}
	if res.Zone != nil {
		e.zones.UpsertOptimistic(res.Zone.Patch())
	}
	return Result{
		OK:      true,
		Price:   res.Price,
		Amount:  res.Amount,
		Balance: res.Balance,
		Zone:    res.Zone,
	}
}

func (e *Engine) triggerResync() {
	if e.resync != nil {
		e.resync.Trigger()
	}
}
