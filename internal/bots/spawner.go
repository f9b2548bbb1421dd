// Package bots fills empty territory around a point with synthetic owners.
package bots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hexclaim.io/internal/geo/hexgrid"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
	"hexclaim.io/internal/zonestore"
)

type Outcome string

const (
	Spawned        Outcome = "Spawned"
	NoCandidates   Outcome = "NoCandidates"
	NoAnchor       Outcome = "NoAnchor"
	Invalid        Outcome = "Invalid"
	BatchRejected  Outcome = "BatchRejected"
	TransportError Outcome = "TransportError"
)

var (
	namePrefixes = []string{"Neon", "Cyber", "Hex", "Grid", "Zone", "Data", "Net", "Void", "King", "Pixel"}
	palette      = []string{"#FF3366", "#33FF66", "#3366FF", "#FFCC33", "#CC33FF", "#33CCFF", "#FF6633", "#66FF33"}
)

type Result struct {
	Outcome Outcome
	Center  hexgrid.CellID
	Batch   territory.SpawnBatch
	Message string
}

type Resyncer interface {
	Trigger()
}

// ErrCoordsExhausted means no free synthetic coordinate pair was found.
var ErrCoordsExhausted = errors.New("bots: synthetic coordinate range exhausted")

const coordAttempts = 64

type Options struct {
	Spawn        tuning.Spawn
	Resolution   int
	StorageLimit decimal.Decimal
	// Rand defaults to a time-seeded source.
	Rand   *rand.Rand
	NewID  func() string
	Now    func() time.Time
	Logger *log.Logger
}

type Spawner struct {
	backend territory.Backend
	zones   *zonestore.Store
	resync  Resyncer

	cfg   tuning.Spawn
	res   int
	limit decimal.Decimal
	newID func() string
	now   func() time.Time
	log   *log.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(backend territory.Backend, zones *zonestore.Store, resync Resyncer, opts Options) *Spawner {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Spawner{
		backend: backend,
		zones:   zones,
		resync:  resync,
		cfg:     opts.Spawn,
		res:     opts.Resolution,
		limit:   opts.StorageLimit,
		newID:   opts.NewID,
		now:     opts.Now,
		log:     opts.Logger,
		rng:     opts.Rand,
	}
}

// Spawn plans a batch around (lat, lng) and submits it as one atomic call.
// A rejected batch is logged and not retried; the local view is resynced since
// staleness is the usual cause.
func (s *Spawner) Spawn(ctx context.Context, lat, lng float64) Result {
	center, err := hexgrid.CellAt(lat, lng, s.res)
	if err != nil {
		return Result{Outcome: Invalid, Message: err.Error()}
	}
	batch, err := s.Plan(center)
	if err != nil {
		return Result{Outcome: Invalid, Center: center, Message: err.Error()}
	}
	if len(batch.Profiles) == 0 {
		return Result{Outcome: NoCandidates, Center: center}
	}

	if err := s.backend.SpawnBatch(ctx, batch); err != nil {
		code := territory.CodeOf(err)
		if protocol.ClassOf(code) == protocol.ClassConflict || code == protocol.ErrBadRequest {
			s.log.Printf("spawn batch rejected around %s: %v", center, err)
			s.triggerResync()
			return Result{Outcome: BatchRejected, Center: center, Batch: batch, Message: err.Error()}
		}
		s.log.Printf("spawn batch around %s: outcome unknown: %v", center, err)
		s.triggerResync()
		return Result{Outcome: TransportError, Center: center, Batch: batch, Message: err.Error()}
	}

	owners := make(map[string]territory.OwnerRef, len(batch.Profiles))
	for _, p := range batch.Profiles {
		owners[p.ID] = territory.OwnerRef{Username: p.Username, Color: p.Color}
	}
	for _, z := range batch.Zones {
		owner := owners[z.OwnerID]
		z.Owner = &owner
		s.zones.UpsertOptimistic(z.Patch())
	}
	s.triggerResync()
	return Result{Outcome: Spawned, Center: center, Batch: batch}
}

// SpawnAroundPlayer anchors a spawn on one of the player's zones.
func (s *Spawner) SpawnAroundPlayer(ctx context.Context, ownerID string) Result {
	for _, z := range s.zones.ByOwner(ownerID) {
		lat, lng, err := hexgrid.Center(hexgrid.CellID(z.ID))
		if err != nil {
			continue
		}
		return s.Spawn(ctx, lat, lng)
	}
	s.log.Printf("no zone to anchor bots for %s", ownerID)
	return Result{Outcome: NoAnchor}
}

// Plan builds a batch around center against the current ZoneStore view. An
// empty batch means there was nowhere to put a bot.
func (s *Spawner) Plan(center hexgrid.CellID) (territory.SpawnBatch, error) {
	disk, err := hexgrid.Disk(center, s.cfg.Radius)
	if err != nil {
		return territory.SpawnBatch{}, err
	}
	inner, err := hexgrid.Disk(center, s.cfg.ExclusionRadius)
	if err != nil {
		return territory.SpawnBatch{}, err
	}
	excluded := make(map[hexgrid.CellID]struct{}, len(inner))
	for _, id := range inner {
		excluded[id] = struct{}{}
	}
	occupied := s.zones.Occupied()
	usedCoords := s.zones.Coords()

	free := func(id hexgrid.CellID) bool {
		if _, ok := excluded[id]; ok {
			return false
		}
		_, taken := occupied[string(id)]
		return !taken
	}

	candidates := make([]hexgrid.CellID, 0, len(disk))
	for _, id := range disk {
		if free(id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return territory.SpawnBatch{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	now := s.now().UTC()
	claimed := map[hexgrid.CellID]struct{}{}
	var batch territory.SpawnBatch
	bots := s.between(s.cfg.BotsMin, s.cfg.BotsMax)
	next := 0
	for b := 0; b < bots; b++ {
		anchor, ok := popFree(candidates, &next, claimed)
		if !ok {
			break
		}
		p := s.profile()
		batch.Profiles = append(batch.Profiles, p)
		claimed[anchor] = struct{}{}
		z, err := s.zone(anchor, p.ID, now, usedCoords)
		if err != nil {
			return territory.SpawnBatch{}, err
		}
		batch.Zones = append(batch.Zones, z)

		neighbors, err := hexgrid.Neighbors(anchor)
		if err != nil {
			return territory.SpawnBatch{}, err
		}
		open := neighbors[:0]
		for _, n := range neighbors {
			if _, dup := claimed[n]; !dup && free(n) {
				open = append(open, n)
			}
		}
		s.rng.Shuffle(len(open), func(i, j int) { open[i], open[j] = open[j], open[i] })
		want := s.between(s.cfg.ExpansionMin, s.cfg.ExpansionMax)
		if want > len(open) {
			want = len(open)
		}
		for _, n := range open[:want] {
			claimed[n] = struct{}{}
			z, err := s.zone(n, p.ID, now, usedCoords)
			if err != nil {
				return territory.SpawnBatch{}, err
			}
			batch.Zones = append(batch.Zones, z)
		}
	}
	return batch, nil
}

func popFree(candidates []hexgrid.CellID, next *int, claimed map[hexgrid.CellID]struct{}) (hexgrid.CellID, bool) {
	for *next < len(candidates) {
		id := candidates[*next]
		*next++
		if _, ok := claimed[id]; !ok {
			return id, true
		}
	}
	return "", false
}

func (s *Spawner) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + s.rng.Intn(hi-lo+1)
}

func (s *Spawner) profile() territory.Profile {
	return territory.Profile{
		ID:       s.newID(),
		Username: fmt.Sprintf("%s_%d", namePrefixes[s.rng.Intn(len(namePrefixes))], s.rng.Intn(1000)),
		Color:    palette[s.rng.Intn(len(palette))],
		Balance:  s.cfg.BotStartingBalance,
		IsBot:    true,
	}
}

func (s *Spawner) zone(id hexgrid.CellID, owner string, now time.Time, used map[[2]int]struct{}) (territory.Zone, error) {
	q, r, err := s.coords(used)
	if err != nil {
		return territory.Zone{}, err
	}
	return territory.Zone{
		ID:           string(id),
		OwnerID:      owner,
		Storage:      s.storage(),
		LastIncomeAt: territory.TimePtr(now),
		CapturedAt:   territory.TimePtr(now),
		CoordsQ:      territory.IntPtr(q),
		CoordsR:      territory.IntPtr(r),
	}, nil
}

// storage is uniform in [0, limit] at cent precision.
func (s *Spawner) storage() decimal.Decimal {
	cents := s.limit.Shift(2).IntPart()
	if cents <= 0 {
		return decimal.Zero
	}
	return decimal.New(s.rng.Int63n(cents+1), -2)
}

// coords picks a synthetic pair not in used and records it there.
func (s *Spawner) coords(used map[[2]int]struct{}) (int, int, error) {
	span := s.cfg.CoordsSpan
	if span <= 0 {
		span = 1
	}
	for i := 0; i < coordAttempts; i++ {
		k := [2]int{s.cfg.CoordsOffset + s.rng.Intn(span), s.cfg.CoordsOffset + s.rng.Intn(span)}
		if _, taken := used[k]; taken {
			continue
		}
		used[k] = struct{}{}
		return k[0], k[1], nil
	}
	return 0, 0, ErrCoordsExhausted
}

func (s *Spawner) triggerResync() {
	if s.resync != nil {
		s.resync.Trigger()
	}
}
