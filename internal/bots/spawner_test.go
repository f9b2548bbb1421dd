package bots

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/geo/hexgrid"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/territory/territorytest"
	"hexclaim.io/internal/tuning"
	"hexclaim.io/internal/zonestore"
)

const (
	lat = 37.7749
	lng = -122.4194
)

type countingResync struct{ n atomic.Int32 }

func (c *countingResync) Trigger() { c.n.Add(1) }

func newSpawner(b territory.Backend, zones *zonestore.Store, rs Resyncer, seed int64) *Spawner {
	tun := tuning.Defaults()
	n := 0
	return New(b, zones, rs, Options{
		Spawn:        tun.Spawn,
		Resolution:   tun.Grid.Resolution,
		StorageLimit: tun.Economy.StorageLimit,
		Rand:         rand.New(rand.NewSource(seed)),
		NewID: func() string {
			n++
			return fmt.Sprintf("bot-%d", n)
		},
		Now: func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
}

func TestPlan_RespectsExclusionAndUniqueness(t *testing.T) {
	tun := tuning.Defaults()
	center, err := hexgrid.CellAt(lat, lng, tun.Grid.Resolution)
	if err != nil {
		t.Fatalf("CellAt: %v", err)
	}
	for seed := int64(1); seed <= 20; seed++ {
		s := newSpawner(territorytest.New(), zonestore.New(), nil, seed)
		batch, err := s.Plan(center)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if n := len(batch.Profiles); n < tun.Spawn.BotsMin || n > tun.Spawn.BotsMax {
			t.Fatalf("seed %d: %d bots", seed, n)
		}
		cells := map[string]struct{}{}
		coords := map[[2]int]struct{}{}
		owners := map[string]int{}
		for _, z := range batch.Zones {
			if _, dup := cells[z.ID]; dup {
				t.Fatalf("seed %d: cell %s twice", seed, z.ID)
			}
			cells[z.ID] = struct{}{}
			dist, err := hexgrid.GridDistance(center, hexgrid.CellID(z.ID))
			if err != nil {
				t.Fatalf("GridDistance: %v", err)
			}
			if dist <= tun.Spawn.ExclusionRadius {
				t.Fatalf("seed %d: zone %s inside exclusion disk (distance %d)", seed, z.ID, dist)
			}
			k := [2]int{*z.CoordsQ, *z.CoordsR}
			if _, dup := coords[k]; dup {
				t.Fatalf("seed %d: coordinates %v twice", seed, k)
			}
			coords[k] = struct{}{}
			if k[0] < tun.Spawn.CoordsOffset || k[1] < tun.Spawn.CoordsOffset {
				t.Fatalf("seed %d: coordinates %v outside synthetic range", seed, k)
			}
			if !territory.ValidStorage(z.Storage, tun.Economy.StorageLimit) || z.Storage.Exponent() < -2 {
				t.Fatalf("seed %d: storage %s", seed, z.Storage)
			}
			owners[z.OwnerID]++
		}
		for _, p := range batch.Profiles {
			if !p.IsBot || !p.Balance.Equal(decimal.NewFromInt(1000)) {
				t.Fatalf("seed %d: bad profile %+v", seed, p)
			}
			// Anchor plus at most ExpansionMax neighbours.
			if n := owners[p.ID]; n < 1 || n > 1+tun.Spawn.ExpansionMax {
				t.Fatalf("seed %d: bot %s has %d zones", seed, p.ID, n)
			}
		}
	}
}

func TestPlan_SkipsOccupiedCells(t *testing.T) {
	tun := tuning.Defaults()
	center, _ := hexgrid.CellAt(lat, lng, tun.Grid.Resolution)
	disk, _ := hexgrid.Disk(center, tun.Spawn.Radius+1)
	zones := zonestore.New()
	var occupied []territory.Zone
	for i, id := range disk {
		if i%2 == 0 {
			occupied = append(occupied, territory.Zone{ID: string(id), OwnerID: "p1"})
		}
	}
	zones.ReplaceAll(occupied)

	s := newSpawner(territorytest.New(), zones, nil, 7)
	batch, err := s.Plan(center)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, z := range batch.Zones {
		if zones.Owner(z.ID) != "" {
			t.Fatalf("zone %s already owned", z.ID)
		}
	}
}

func TestSpawn_NoCandidates(t *testing.T) {
	tun := tuning.Defaults()
	center, _ := hexgrid.CellAt(lat, lng, tun.Grid.Resolution)
	disk, _ := hexgrid.Disk(center, tun.Spawn.Radius)
	var all []territory.Zone
	for _, id := range disk {
		all = append(all, territory.Zone{ID: string(id), OwnerID: "p1"})
	}
	zones := zonestore.New()
	zones.ReplaceAll(all)
	b := territorytest.New()

	r := newSpawner(b, zones, nil, 1).Spawn(context.Background(), lat, lng)
	if r.Outcome != NoCandidates {
		t.Fatalf("expected NoCandidates, got %+v", r)
	}
	if b.Calls() != 0 {
		t.Fatalf("backend called")
	}
}

func TestSpawn_InvalidCoordinateNeverReachesBackend(t *testing.T) {
	b := territorytest.New()
	r := newSpawner(b, zonestore.New(), nil, 1).Spawn(context.Background(), 123, 0)
	if r.Outcome != Invalid {
		t.Fatalf("expected Invalid, got %+v", r)
	}
	if b.Calls() != 0 {
		t.Fatalf("backend called")
	}
}

func TestSpawn_SuccessUpsertsOptimisticallyAndResyncs(t *testing.T) {
	b := territorytest.New()
	zones := zonestore.New()
	rs := &countingResync{}
	r := newSpawner(b, zones, rs, 3).Spawn(context.Background(), lat, lng)
	if r.Outcome != Spawned {
		t.Fatalf("expected Spawned, got %+v", r)
	}
	if len(b.Spawned) != 1 || len(b.Spawned[0].Zones) != len(r.Batch.Zones) {
		t.Fatalf("batch not submitted once")
	}
	for _, z := range r.Batch.Zones {
		got, ok := zones.Get(z.ID)
		if !ok || got.OwnerID != z.OwnerID || got.Owner == nil || !zones.IsOptimistic(z.ID) {
			t.Fatalf("zone %s not upserted: %+v", z.ID, got)
		}
	}
	if rs.n.Load() != 1 {
		t.Fatalf("expected resync trigger")
	}

	// The authoritative resync replaces the optimistic rows.
	zones.ReplaceAll(nil)
	if zones.Len() != 0 {
		t.Fatalf("optimistic rows survived resync")
	}
}

func TestSpawn_RejectedBatchLeavesStoreAlone(t *testing.T) {
	b := territorytest.New()
	b.SpawnErr = territory.Errorf(protocol.ErrBatchRejected, "cell taken")
	zones := zonestore.New()
	rs := &countingResync{}
	r := newSpawner(b, zones, rs, 3).Spawn(context.Background(), lat, lng)
	if r.Outcome != BatchRejected {
		t.Fatalf("expected BatchRejected, got %+v", r)
	}
	if zones.Len() != 0 {
		t.Fatalf("rejected batch wrote the store")
	}
	if len(b.Spawned) != 1 {
		t.Fatalf("rejected batch retried: %d submissions", len(b.Spawned))
	}
	if rs.n.Load() != 1 {
		t.Fatalf("rejection should resync the stale view once, got %d", rs.n.Load())
	}
}

func TestSpawn_CoordinateRangeExhausted(t *testing.T) {
	tun := tuning.Defaults()
	tun.Spawn.CoordsSpan = 1
	b := territorytest.New()
	s := New(b, zonestore.New(), nil, Options{
		Spawn:        tun.Spawn,
		Resolution:   tun.Grid.Resolution,
		StorageLimit: tun.Economy.StorageLimit,
		Rand:         rand.New(rand.NewSource(7)),
	})
	done := make(chan Result, 1)
	go func() { done <- s.Spawn(context.Background(), lat, lng) }()
	select {
	case r := <-done:
		if r.Outcome != Invalid {
			t.Fatalf("expected Invalid, got %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("spawn hung on a one-pair coordinate range")
	}
	if len(b.Spawned) != 0 {
		t.Fatalf("exhausted plan reached the backend")
	}
}

func TestSpawn_TransportErrorResyncs(t *testing.T) {
	b := territorytest.New()
	b.SpawnErr = context.DeadlineExceeded
	rs := &countingResync{}
	r := newSpawner(b, zonestore.New(), rs, 3).Spawn(context.Background(), lat, lng)
	if r.Outcome != TransportError || rs.n.Load() != 1 {
		t.Fatalf("expected TransportError with resync, got %+v (%d)", r, rs.n.Load())
	}
}

func TestSpawnAroundPlayer(t *testing.T) {
	b := territorytest.New()
	zones := zonestore.New()
	s := newSpawner(b, zones, nil, 5)

	if r := s.SpawnAroundPlayer(context.Background(), "p1"); r.Outcome != NoAnchor {
		t.Fatalf("expected NoAnchor, got %+v", r)
	}

	home, _ := hexgrid.CellAt(lat, lng, tuning.Defaults().Grid.Resolution)
	zones.ReplaceAll([]territory.Zone{{ID: string(home), OwnerID: "p1"}})
	r := s.SpawnAroundPlayer(context.Background(), "p1")
	if r.Outcome != Spawned || r.Center != home {
		t.Fatalf("expected spawn around %s, got %+v", home, r)
	}
	for _, z := range r.Batch.Zones {
		if z.ID == string(home) {
			t.Fatalf("bot took the player's cell")
		}
	}
}
