package refactorlog

import (
	"testing"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
)

func TestRecord_ThenIsProcessed(t *testing.T) {
	l, err := New(storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.IsProcessed("k1", "ibc/x", "tx1", 1) {
		t.Fatal("expected not processed before record")
	}
	if err := l.Record("k1", "ibc/x", "tx1", 1, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !l.IsProcessed("k1", "ibc/x", "tx1", 1) {
		t.Fatal("expected processed after record")
	}
}

func TestRecord_DuplicateRejected(t *testing.T) {
	l, err := New(storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Record("k1", "ibc/x", "tx1", 1, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	err = l.Record("k1", "ibc/x", "tx1", 1, 2000)
	if !bridgeerr.Is(err, bridgeerr.ReplayedOrigin) {
		t.Fatalf("expected ReplayedOrigin, got %v", err)
	}
}

func TestRecord_DistinctNonceNotReplay(t *testing.T) {
	l, err := New(storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Record("k1", "ibc/x", "tx1", 1, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record("k1", "ibc/x", "tx1", 2, 1000); err != nil {
		t.Fatalf("Record with distinct nonce should succeed: %v", err)
	}
}

func TestLog_PersistsAcrossReload(t *testing.T) {
	db := storage.NewMemory()
	l1, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l1.Record("k1", "ibc/x", "tx1", 1, 1000); err != nil {
		t.Fatalf("Record: %v", err)
	}

	l2, err := New(db)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if !l2.IsProcessed("k1", "ibc/x", "tx1", 1) {
		t.Fatal("expected processed state to survive reload")
	}
}
