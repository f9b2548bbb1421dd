// Package territorytest provides a scriptable territory.Backend for tests.
package territorytest

import (
	"context"
	"sync"

	"hexclaim.io/internal/changefeed"
	"hexclaim.io/internal/territory"
)

// Backend records calls and answers from its fields. Zero-valued hooks
// succeed with an empty result.
type Backend struct {
	mu sync.Mutex

	Zones     []territory.Zone
	FetchErr  error
	// FetchHook runs before FetchZones returns; it may block.
	FetchHook func(ctx context.Context, call int) error

	CaptureFn func(territory.CaptureRequest) (territory.TxResult, error)
	FortifyFn func(territory.FortifyRequest) (territory.TxResult, error)
	HarvestFn func(territory.HarvestRequest) (territory.TxResult, error)
	SpawnErr  error

	Captures  []territory.CaptureRequest
	Fortifies []territory.FortifyRequest
	Harvests  []territory.HarvestRequest
	Spawned   []territory.SpawnBatch
	Fetches   int

	Hub          *changefeed.Hub
	SubscribeErr error
}

func New() *Backend {
	return &Backend{Hub: changefeed.NewHub()}
}

func (b *Backend) SetZones(zs []territory.Zone) {
	b.mu.Lock()
	b.Zones = append([]territory.Zone(nil), zs...)
	b.mu.Unlock()
}

func (b *Backend) FetchZones(ctx context.Context) ([]territory.Zone, error) {
	b.mu.Lock()
	b.Fetches++
	call := b.Fetches
	hook := b.FetchHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FetchErr != nil {
		return nil, b.FetchErr
	}
	return append([]territory.Zone(nil), b.Zones...), nil
}

func (b *Backend) Capture(ctx context.Context, req territory.CaptureRequest) (territory.TxResult, error) {
	b.mu.Lock()
	b.Captures = append(b.Captures, req)
	fn := b.CaptureFn
	b.mu.Unlock()
	if fn == nil {
		return territory.TxResult{OK: true}, nil
	}
	return fn(req)
}

func (b *Backend) Fortify(ctx context.Context, req territory.FortifyRequest) (territory.TxResult, error) {
	b.mu.Lock()
	b.Fortifies = append(b.Fortifies, req)
	fn := b.FortifyFn
	b.mu.Unlock()
	if fn == nil {
		return territory.TxResult{OK: true}, nil
	}
	return fn(req)
}

func (b *Backend) Harvest(ctx context.Context, req territory.HarvestRequest) (territory.TxResult, error) {
	b.mu.Lock()
	b.Harvests = append(b.Harvests, req)
	fn := b.HarvestFn
	b.mu.Unlock()
	if fn == nil {
		return territory.TxResult{OK: true}, nil
	}
	return fn(req)
}

func (b *Backend) SpawnBatch(ctx context.Context, batch territory.SpawnBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Spawned = append(b.Spawned, batch)
	return b.SpawnErr
}

func (b *Backend) Subscribe(ctx context.Context) (*changefeed.Subscription, error) {
	b.mu.Lock()
	err := b.SubscribeErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sub := b.Hub.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

// Calls returns how many capture, fortify, harvest and spawn calls arrived.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Captures) + len(b.Fortifies) + len(b.Harvests) + len(b.Spawned)
}

func (b *Backend) FetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Fetches
}
