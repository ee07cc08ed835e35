package migrations

import (
	"io"
	"strings"
	"testing"
)

func TestSource_HasPairedMigrations(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	version, err := src.First()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first version 1, got %d", version)
	}

	up, _, err := src.ReadUp(version)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	body, _ := io.ReadAll(up)
	_ = up.Close()
	for _, table := range []string{"products", "stock_movements", "baskets", "orders", "payments", "payment_outbox"} {
		if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Fatalf("up migration does not create %s", table)
		}
	}

	down, _, err := src.ReadDown(version)
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	_ = down.Close()
}

func TestSource_AddsDiscontinuedColumn(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })

	version, err := src.Next(1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	up, _, err := src.ReadUp(version)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	body, _ := io.ReadAll(up)
	_ = up.Close()
	if !strings.Contains(string(body), "ADD COLUMN IF NOT EXISTS discontinued_at") {
		t.Fatalf("migration %d does not add discontinued_at", version)
	}
}
