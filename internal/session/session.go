// Package session owns the per-player client state: one ZoneStore, the
// reconciler that feeds it, and the capture and bot components that read it.
// Nothing here is process-global; two sessions never share a store.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/bots"
	"hexclaim.io/internal/capture"
	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/reconcile"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
	"hexclaim.io/internal/zonestore"
)

type Config struct {
	Tuning tuning.Tuning
	// CallTimeout bounds each transactional call.
	CallTimeout time.Duration
	RetryDelay  time.Duration
	Rand        *rand.Rand
	Logger      *log.Logger
}

type Session struct {
	PlayerID string

	Zones      *zonestore.Store
	Reconciler *reconcile.Reconciler
	Engine     *capture.Engine
	Spawner    *bots.Spawner

	log *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(playerID string, backend territory.Backend, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	zones := zonestore.New()
	rec := reconcile.New(backend, zones, reconcile.Options{RetryDelay: cfg.RetryDelay, Logger: logger})
	return &Session{
		PlayerID:   playerID,
		Zones:      zones,
		Reconciler: rec,
		Engine: capture.New(backend, zones, rec, capture.Options{
			Rules:   economy.RulesFromTuning(cfg.Tuning.Economy),
			Timeout: cfg.CallTimeout,
			Logger:  logger,
		}),
		Spawner: bots.New(backend, zones, rec, bots.Options{
			Spawn:        cfg.Tuning.Spawn,
			Resolution:   cfg.Tuning.Grid.Resolution,
			StorageLimit: cfg.Tuning.Economy.StorageLimit,
			Rand:         cfg.Rand,
			Logger:       logger,
		}),
		log: logger,
	}
}

// Start loads the first snapshot and then follows the change feed until ctx
// ends or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("session already started")
	}
	if err := s.Reconciler.Resync(ctx); err != nil {
		return err
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.Reconciler.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Printf("reconciler stopped: %v", err)
		}
	}()
	return nil
}

func (s *Session) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) Capture(ctx context.Context, cellID string) capture.Result {
	return s.Engine.Capture(ctx, s.PlayerID, cellID)
}

func (s *Session) Fortify(ctx context.Context, cellID string, amount decimal.Decimal) capture.Result {
	return s.Engine.Fortify(ctx, s.PlayerID, cellID, amount)
}

func (s *Session) Harvest(ctx context.Context, cellID string) capture.Result {
	return s.Engine.Harvest(ctx, s.PlayerID, cellID)
}

func (s *Session) SpawnAt(ctx context.Context, lat, lng float64) bots.Result {
	return s.Spawner.Spawn(ctx, lat, lng)
}

// SpawnAroundMe anchors bots on one of this player's zones.
func (s *Session) SpawnAroundMe(ctx context.Context) bots.Result {
	return s.Spawner.SpawnAroundPlayer(ctx, s.PlayerID)
}

func (s *Session) MyZones() []territory.Zone {
	return s.Zones.ByOwner(s.PlayerID)
}
