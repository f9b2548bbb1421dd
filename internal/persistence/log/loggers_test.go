package log

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLedger_WriteRotateRead(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(dir)
	clock := time.Date(2024, 5, 1, 12, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	price := decimal.RequireFromString("13.2")
	if err := l.Write(Entry{Op: "capture", Actor: "p1", Cell: "89283082813ffff", OK: true, Price: &price}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := l.Write(Entry{Op: "harvest", Actor: "p1", Cell: "89283082813ffff", Code: "E_NOT_OWNER"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := ReadLedger(dir)
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Op != "capture" || entries[0].Price == nil || !entries[0].Price.Equal(price) {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Op != "harvest" || entries[1].OK || entries[1].Time.Hour() != 13 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}
