package txn

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/economy"
	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
	"hexclaim.io/internal/tuning"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

var (
	rules = economy.RulesFromTuning(tuning.Defaults().Economy)
	now   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func TestCheckCapture_Order(t *testing.T) {
	cell := Cell{Exists: true, OwnerID: "p1", Storage: d("1")}
	cases := []struct {
		name  string
		req   territory.CaptureRequest
		actor Actor
		cell  Cell
		code  string
	}{
		{"bad id", territory.CaptureRequest{ActorID: "p2", CellID: "XYZ"}, Actor{Found: true, Balance: d("100")}, cell, protocol.ErrBadRequest},
		{"no profile", territory.CaptureRequest{ActorID: "p2", CellID: "89283082813ffff"}, Actor{}, cell, protocol.ErrUnauthenticated},
		{"own zone", territory.CaptureRequest{ActorID: "p1", CellID: "89283082813ffff", ExpectedOwner: strPtr("p9")}, Actor{Found: true, Balance: d("0")}, cell, protocol.ErrAlreadyOwned},
		{"stale owner", territory.CaptureRequest{ActorID: "p2", CellID: "89283082813ffff", ExpectedOwner: strPtr("")}, Actor{Found: true, Balance: d("0")}, cell, protocol.ErrConflict},
		{"poor", territory.CaptureRequest{ActorID: "p2", CellID: "89283082813ffff", ExpectedOwner: strPtr("p1")}, Actor{Found: true, Balance: d("10.99")}, cell, protocol.ErrInsufficientBalance},
	}
	for _, c := range cases {
		_, res := CheckCapture(c.req, c.actor, c.cell, rules, now)
		if res == nil || res.Code != c.code {
			t.Fatalf("%s: expected %s, got %+v", c.name, c.code, res)
		}
	}

	cost, res := CheckCapture(territory.CaptureRequest{ActorID: "p2", CellID: "89283082813ffff"}, Actor{Found: true, Balance: d("11")}, cell, rules, now)
	if res != nil || !cost.Equal(d("11")) {
		t.Fatalf("expected cost 11, got %s %+v", cost, res)
	}
}

func TestCheckFortify(t *testing.T) {
	cell := Cell{Exists: true, OwnerID: "p1", Storage: d("9")}
	req := territory.FortifyRequest{ActorID: "p1", CellID: "89283082813ffff", Amount: d("5")}
	live, charge, res := CheckFortify(req, Actor{Found: true, Balance: d("3")}, cell, rules, now)
	if res != nil || !live.Equal(d("9")) || !charge.Equal(d("1")) {
		t.Fatalf("unexpected: live=%s charge=%s res=%+v", live, charge, res)
	}

	req.ActorID = "p2"
	if _, _, res := CheckFortify(req, Actor{Found: true, Balance: d("3")}, cell, rules, now); res == nil || res.Code != protocol.ErrNotOwner {
		t.Fatalf("expected not owner, got %+v", res)
	}
	req.ActorID = "p1"
	req.Amount = d("0")
	if _, _, res := CheckFortify(req, Actor{Found: true, Balance: d("3")}, cell, rules, now); res == nil || res.Code != protocol.ErrBadRequest {
		t.Fatalf("expected bad request, got %+v", res)
	}
	req.Amount = d("0.005")
	if _, _, res := CheckFortify(req, Actor{Found: true, Balance: d("3")}, cell, rules, now); res == nil || res.Code != protocol.ErrBadRequest {
		t.Fatalf("expected sub-cent amount rejected, got %+v", res)
	}
	req.Amount = d("1")
	cell.Storage = d("0")
	if _, _, res := CheckFortify(req, Actor{Found: true, Balance: d("0.5")}, cell, rules, now); res == nil || res.Code != protocol.ErrInsufficientBalance {
		t.Fatalf("expected insufficient balance, got %+v", res)
	}
}

func TestCheckHarvest(t *testing.T) {
	hourAgo := now.Add(-time.Hour)
	cell := Cell{Exists: true, OwnerID: "p1", Storage: d("1"), LastIncomeAt: &hourAgo}
	live, res := CheckHarvest(territory.HarvestRequest{ActorID: "p1", CellID: "89283082813ffff"}, Actor{Found: true}, cell, rules, now)
	if res != nil || !live.Equal(d("1.1")) {
		t.Fatalf("unexpected: live=%s res=%+v", live, res)
	}
	if _, res := CheckHarvest(territory.HarvestRequest{ActorID: "p1", CellID: "89283082813ffff"}, Actor{Found: true}, Cell{}, rules, now); res == nil || res.Code != protocol.ErrNotOwner {
		t.Fatalf("expected not owner, got %+v", res)
	}
}

func TestCheckSpawnBatch(t *testing.T) {
	limit := d("10")
	good := territory.SpawnBatch{
		Profiles: []territory.Profile{{ID: "b1", Username: "Neon_1", Color: "#FF3366", Balance: d("1000")}},
		Zones: []territory.Zone{
			{ID: "aaaaaaaa01", OwnerID: "b1", Storage: d("3.5"), CoordsQ: territory.IntPtr(1), CoordsR: territory.IntPtr(2)},
			{ID: "aaaaaaaa02", OwnerID: "b1", Storage: d("10"), CoordsQ: territory.IntPtr(1), CoordsR: territory.IntPtr(3)},
		},
	}
	if err := CheckSpawnBatch(good, limit); err != nil {
		t.Fatalf("CheckSpawnBatch: %v", err)
	}

	mutations := map[string]func(b *territory.SpawnBatch){
		"foreign owner":  func(b *territory.SpawnBatch) { b.Zones[0].OwnerID = "p1" },
		"duplicate cell": func(b *territory.SpawnBatch) { b.Zones[1].ID = b.Zones[0].ID },
		"duplicate pair": func(b *territory.SpawnBatch) { b.Zones[1].CoordsR = territory.IntPtr(2) },
		"over limit":     func(b *territory.SpawnBatch) { b.Zones[0].Storage = d("10.01") },
		"half pair":      func(b *territory.SpawnBatch) { b.Zones[0].CoordsR = nil },
		"sub-cent store": func(b *territory.SpawnBatch) { b.Zones[0].Storage = d("3.505") },
		"sub-cent funds": func(b *territory.SpawnBatch) {
			b.Profiles = []territory.Profile{{ID: "b1", Username: "Neon_1", Color: "#FF3366", Balance: d("999.999")}}
		},
	}
	for name, mutate := range mutations {
		b := good
		b.Zones = append([]territory.Zone(nil), good.Zones...)
		mutate(&b)
		err := CheckSpawnBatch(b, limit)
		if territory.CodeOf(err) != protocol.ErrBatchRejected {
			t.Fatalf("%s: expected batch rejected, got %v", name, err)
		}
	}
}
