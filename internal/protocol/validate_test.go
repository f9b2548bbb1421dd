package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"hexclaim.io/internal/protocol"
	"hexclaim.io/internal/territory"
)

func TestDecodeZoneRows_AcceptsBulkFetchShape(t *testing.T) {
	raw := []byte(`[
	  {"id":"89283082813ffff","owner_id":"p1","storage":"3.2","last_income_at":"2024-05-01T10:00:00Z",
	   "captured_at":"2024-05-01T09:00:00Z","coords_q":null,"coords_r":null,
	   "owner":{"color":"#3b82f6","username":"alice"}},
	  {"id":"8900000008000000","owner_id":"bot-1","storage":7.5,"last_income_at":null,
	   "captured_at":null,"coords_q":1000001,"coords_r":1000002,"owner":null}
	]`)
	zones, err := protocol.DecodeZoneRows(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(zones) != 2 {
		t.Fatalf("expected 2 zones, got %d", len(zones))
	}
	if zones[0].OwnerID != "p1" || !zones[0].Storage.Equal(decimal.RequireFromString("3.2")) {
		t.Fatalf("zone 0: %+v", zones[0])
	}
	if zones[0].Owner == nil || zones[0].Owner.Username != "alice" {
		t.Fatalf("owner not joined: %+v", zones[0].Owner)
	}
	if zones[1].CoordsQ == nil || *zones[1].CoordsQ != 1000001 {
		t.Fatalf("coords lost: %+v", zones[1])
	}
}

func TestDecodeZoneRows_RejectsUnknownShapes(t *testing.T) {
	cases := []string{
		`{"id":"x"}`,
		`[{"id":"NOT-HEX","owner_id":null,"storage":"1"}]`,
		`[{"id":"89283082813ffff","owner_id":null,"storage":"-1"}]`,
		`[{"id":"89283082813ffff","storage":"1"}]`,
		`[{"id":"89283082813ffff","owner_id":null,"storage":"1","coords_q":"a"}]`,
		`not json`,
	}
	for _, c := range cases {
		_, err := protocol.DecodeZoneRows([]byte(c))
		if territory.CodeOf(err) != protocol.ErrBadRequest {
			t.Fatalf("%s: expected E_BAD_REQUEST, got %v", c, err)
		}
	}
}

func TestDecodeSpawnBatch(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	req := protocol.SpawnBatchReq{
		Profiles: []protocol.ProfileRow{{ID: "b1", Username: "Neon_42", Color: "#FF3366", Balance: decimal.NewFromInt(1000), IsBot: true}},
		Zones: []protocol.ZoneRow{protocol.ZoneToRow(territory.Zone{
			ID: "8900000008000000", OwnerID: "b1", Storage: decimal.RequireFromString("4.5"),
			LastIncomeAt: &at, CapturedAt: &at, CoordsQ: territory.IntPtr(1000001), CoordsR: territory.IntPtr(1500000),
		})},
	}
	raw, _ := json.Marshal(req)
	batch, err := protocol.DecodeSpawnBatch(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Profiles) != 1 || !batch.Profiles[0].IsBot || batch.Zones[0].OwnerID != "b1" {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	if _, err := protocol.DecodeSpawnBatch([]byte(`{"profiles":[],"zones":[]}`)); territory.CodeOf(err) != protocol.ErrBadRequest {
		t.Fatalf("empty batch should be rejected, got %v", err)
	}
}

func TestDecodeChangeFrame(t *testing.T) {
	f, err := protocol.DecodeChangeFrame([]byte(`{"table":"profiles","event":"update"}`))
	if err != nil || f.Table != "profiles" {
		t.Fatalf("frame=%+v err=%v", f, err)
	}
	if _, err := protocol.DecodeChangeFrame([]byte(`{"table":"chat","event":"insert"}`)); err == nil {
		t.Fatalf("expected unknown table rejected")
	}
}
