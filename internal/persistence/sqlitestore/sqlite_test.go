package sqlitestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

const cell = "89283082813ffff"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTest(t *testing.T) (*Store, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "hexclaim.sqlite"), Options{
		Economy: tuning.Defaults().Economy,
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func player(t *testing.T, s *Store, id string, balance string) {
	t.Helper()
	if _, err := s.EnsureProfile(context.Background(), id, ""); err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE profiles SET balance = ? WHERE id = ?`, balance, id); err != nil {
		t.Fatalf("set balance: %v", err)
	}
}

func balanceOf(t *testing.T, s *Store, id string) decimal.Decimal {
	t.Helper()
	p, err := s.GetProfile(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	return p.Balance
}

func TestCapture_UnclaimedCell(t *testing.T) {
	s, clock := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "10")

	res, err := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell, ExpectedOwner: strPtr("")})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.OK || !res.Price.Equal(d("5")) || !res.Balance.Equal(d("5")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	z := res.Zone
	if z == nil || z.OwnerID != "p1" || !z.Storage.IsZero() || !z.CapturedAt.Equal(clock.Now()) || !z.LastIncomeAt.Equal(clock.Now()) {
		t.Fatalf("unexpected zone: %+v", z)
	}
	if z.Owner == nil || z.Owner.Color != "#3b82f6" {
		t.Fatalf("owner not joined: %+v", z.Owner)
	}
	if got := balanceOf(t, s, "p1"); !got.Equal(d("5")) {
		t.Fatalf("balance: %s", got)
	}
}

func TestCapture_TakeoverPaysLiveStorage(t *testing.T) {
	s, clock := openTest(t)
	ctx := context.Background()

	twoHoursAgo := clock.Now().Add(-2 * time.Hour)
	err := s.SpawnBatch(ctx, territory.SpawnBatch{
		Profiles: []territory.Profile{{ID: "owner", Username: "owner", Color: "#FF3366", Balance: d("0")}},
		Zones:    []territory.Zone{{ID: cell, OwnerID: "owner", Storage: d("3"), LastIncomeAt: &twoHoursAgo, CapturedAt: &twoHoursAgo}},
	})
	if err != nil {
		t.Fatalf("SpawnBatch: %v", err)
	}
	player(t, s, "attacker", "15")

	res, err := s.Capture(ctx, territory.CaptureRequest{ActorID: "attacker", CellID: cell, ExpectedOwner: strPtr("owner")})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.OK || !res.Price.Equal(d("13.2")) || !res.Balance.Equal(d("1.8")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Zone.OwnerID != "attacker" || !res.Zone.Storage.IsZero() {
		t.Fatalf("unexpected zone: %+v", res.Zone)
	}
	// The seized storage is burned, not refunded to the old owner.
	if got := balanceOf(t, s, "owner"); !got.IsZero() {
		t.Fatalf("old owner balance: %s", got)
	}
}

func TestCapture_Refusals(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "10")
	player(t, s, "p2", "4")

	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "ghost", CellID: cell}); res.Code != protocol.ErrUnauthenticated {
		t.Fatalf("expected unauthenticated, got %+v", res)
	}
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p2", CellID: cell}); res.Code != protocol.ErrInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %+v", res)
	}
	if got := balanceOf(t, s, "p2"); !got.Equal(d("4")) {
		t.Fatalf("refused capture changed balance: %s", got)
	}
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); res.Code != protocol.ErrAlreadyOwned {
		t.Fatalf("expected already owned, got %+v", res)
	}
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p2", CellID: cell, ExpectedOwner: strPtr("")}); res.Code != protocol.ErrConflict {
		t.Fatalf("expected conflict, got %+v", res)
	}
}

func TestCapture_ConcurrentSingleWinner(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	actors := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range actors {
		player(t, s, id, "20")
	}

	results := make([]territory.TxResult, len(actors))
	var wg sync.WaitGroup
	for i, id := range actors {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := s.Capture(ctx, territory.CaptureRequest{ActorID: id, CellID: cell, ExpectedOwner: strPtr("")})
			if err != nil {
				t.Errorf("Capture(%s): %v", id, err)
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for i, res := range results {
		if res.OK {
			winners++
			continue
		}
		if res.Code != protocol.ErrConflict {
			t.Fatalf("loser %s got %+v", actors[i], res)
		}
		if got := balanceOf(t, s, actors[i]); !got.Equal(d("20")) {
			t.Fatalf("loser %s balance changed: %s", actors[i], got)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestFortify_CapsAndChargesEffectiveAmount(t *testing.T) {
	s, clock := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "20")
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	clock.Advance(10 * time.Hour) // live storage 1.0

	res, err := s.Fortify(ctx, territory.FortifyRequest{ActorID: "p1", CellID: cell, Amount: d("12")})
	if err != nil {
		t.Fatalf("Fortify: %v", err)
	}
	if !res.OK || !res.Amount.Equal(d("9")) || !res.Balance.Equal(d("6")) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.Zone.Storage.Equal(d("10")) || !res.Zone.LastIncomeAt.Equal(clock.Now()) {
		t.Fatalf("unexpected zone: %+v", res.Zone)
	}

	player(t, s, "p2", "20")
	if res, _ := s.Fortify(ctx, territory.FortifyRequest{ActorID: "p2", CellID: cell, Amount: d("1")}); res.Code != protocol.ErrNotOwner {
		t.Fatalf("expected not owner, got %+v", res)
	}
}

func TestFortify_SubCentAmountMintsNothing(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "20")
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	start := balanceOf(t, s, "p1")

	res, err := s.Fortify(ctx, territory.FortifyRequest{ActorID: "p1", CellID: cell, Amount: d("0.005")})
	if err != nil {
		t.Fatalf("Fortify: %v", err)
	}
	if res.OK || res.Code != protocol.ErrBadRequest {
		t.Fatalf("expected bad request, got %+v", res)
	}
	for i := 0; i < 20; i++ {
		if res, err := s.Fortify(ctx, territory.FortifyRequest{ActorID: "p1", CellID: cell, Amount: d("0.01")}); err != nil || !res.OK {
			t.Fatalf("cycle %d fortify: %+v %v", i, res, err)
		}
		if res, err := s.Harvest(ctx, territory.HarvestRequest{ActorID: "p1", CellID: cell}); err != nil || !res.OK {
			t.Fatalf("cycle %d harvest: %+v %v", i, res, err)
		}
	}
	if end := balanceOf(t, s, "p1"); !end.Equal(start) {
		t.Fatalf("balance moved without time passing: start=%s end=%s", start, end)
	}
}

func TestHarvest_SecondHarvestYieldsZero(t *testing.T) {
	s, clock := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "5")
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	clock.Advance(25 * time.Hour)

	first, err := s.Harvest(ctx, territory.HarvestRequest{ActorID: "p1", CellID: cell})
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if !first.OK || !first.Amount.Equal(d("2.5")) || !first.Balance.Equal(d("2.5")) {
		t.Fatalf("unexpected first harvest: %+v", first)
	}
	second, err := s.Harvest(ctx, territory.HarvestRequest{ActorID: "p1", CellID: cell})
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if !second.OK || !second.Amount.IsZero() || !second.Balance.Equal(d("2.5")) {
		t.Fatalf("unexpected second harvest: %+v", second)
	}
}

func TestSpawnBatch_RejectionLeavesNothing(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "10")
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}

	err := s.SpawnBatch(ctx, territory.SpawnBatch{
		Profiles: []territory.Profile{
			{ID: "bot-1", Username: "Neon_1", Color: "#FF3366", Balance: d("1000"), IsBot: true},
			{ID: "bot-2", Username: "Void_2", Color: "#33FF66", Balance: d("1000"), IsBot: true},
		},
		Zones: []territory.Zone{
			{ID: "8928308281bffff", OwnerID: "bot-1", Storage: d("1"), CoordsQ: territory.IntPtr(1000001), CoordsR: territory.IntPtr(1000002)},
			{ID: cell, OwnerID: "bot-2", Storage: d("1"), CoordsQ: territory.IntPtr(1000003), CoordsR: territory.IntPtr(1000004)},
		},
	})
	if territory.CodeOf(err) != protocol.ErrBatchRejected {
		t.Fatalf("expected batch rejected, got %v", err)
	}
	for _, id := range []string{"bot-1", "bot-2"} {
		if _, err := s.GetProfile(ctx, id); territory.CodeOf(err) != protocol.ErrNotFound {
			t.Fatalf("profile %s persisted: %v", id, err)
		}
	}
	zones, err := s.FetchZones(ctx)
	if err != nil {
		t.Fatalf("FetchZones: %v", err)
	}
	if len(zones) != 1 || zones[0].OwnerID != "p1" {
		t.Fatalf("unexpected zones: %+v", zones)
	}
}

func TestSpawnBatch_CoordinateCollisionRejected(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	batch := func(profile, zone string) territory.SpawnBatch {
		return territory.SpawnBatch{
			Profiles: []territory.Profile{{ID: profile, Username: profile, Color: "#FF3366", Balance: d("1000"), IsBot: true}},
			Zones:    []territory.Zone{{ID: zone, OwnerID: profile, Storage: d("0"), CoordsQ: territory.IntPtr(1000001), CoordsR: territory.IntPtr(1000001)}},
		}
	}
	if err := s.SpawnBatch(ctx, batch("bot-1", "aaaaaaaa01")); err != nil {
		t.Fatalf("SpawnBatch: %v", err)
	}
	if err := s.SpawnBatch(ctx, batch("bot-2", "aaaaaaaa02")); territory.CodeOf(err) != protocol.ErrBatchRejected {
		t.Fatalf("expected batch rejected, got %v", err)
	}
}

func TestProfiles(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()

	p, err := s.EnsureProfile(ctx, "user-123456789", "")
	if err != nil {
		t.Fatalf("EnsureProfile: %v", err)
	}
	if !p.Balance.Equal(d("20")) || p.Color != "#3b82f6" || p.Username != "player_user-123" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	// Second call keeps the existing row.
	if _, err := s.db.Exec(`UPDATE profiles SET balance = '7' WHERE id = ?`, p.ID); err != nil {
		t.Fatalf("exec: %v", err)
	}
	p, _ = s.EnsureProfile(ctx, "user-123456789", "other")
	if !p.Balance.Equal(d("7")) {
		t.Fatalf("profile reset: %+v", p)
	}

	p, err = s.UpdateProfile(ctx, p.ID, territory.ProfileUpdate{Color: strPtr("#112233")})
	if err != nil || p.Color != "#112233" || p.Username != "player_user-123" {
		t.Fatalf("UpdateProfile: %+v %v", p, err)
	}
	if _, err := s.UpdateProfile(ctx, p.ID, territory.ProfileUpdate{Color: strPtr("blue")}); territory.CodeOf(err) != protocol.ErrBadRequest {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestSubscribe_DeliversCommittedChanges(t *testing.T) {
	s, _ := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	player(t, s, "p1", "10")

	sub, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	select {
	case ev := <-sub.Events():
		if !ev.Valid() {
			t.Fatalf("invalid event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no change event")
	}

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed on cancel")
	}
}

func TestDumpRestore(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	player(t, s, "p1", "10")
	if res, _ := s.Capture(ctx, territory.CaptureRequest{ActorID: "p1", CellID: cell}); !res.OK {
		t.Fatalf("capture: %+v", res)
	}
	profiles, zones, err := s.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	other, _ := openTest(t)
	if err := other.Restore(ctx, profiles, zones); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := other.FetchZones(ctx)
	if err != nil {
		t.Fatalf("FetchZones: %v", err)
	}
	if len(got) != 1 || got[0].OwnerID != "p1" || got[0].Owner == nil {
		t.Fatalf("unexpected zones after restore: %+v", got)
	}
	if b := balanceOf(t, other, "p1"); !b.Equal(d("5")) {
		t.Fatalf("balance after restore: %s", b)
	}
}
