package sqlstore

import (
	"context"
	"os"
	"testing"
)

// openTestStore connects to TEST_DATABASE_URL, skipping the test when the
// variable is unset. These tests exercise a real postgres instance; they
// are not run as part of a hermetic unit-test pass.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping sqlstore integration test")
	}
	s, err := Open(context.Background(), dsn, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestUpsertBlock_ThenCanonicalHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertBlock(ctx, Block{
		ChainID:     "origin-1",
		Height:      100,
		Hash:        "0xaaa",
		ParentHash:  "0xppp",
		IsCanonical: true,
	})
	if err != nil {
		t.Fatalf("UpsertBlock: %v", err)
	}

	hash, ok, err := s.CanonicalHashAt(ctx, "origin-1", 100)
	if err != nil {
		t.Fatalf("CanonicalHashAt: %v", err)
	}
	if !ok || hash != "0xaaa" {
		t.Fatalf("got (%q, %v), want (0xaaa, true)", hash, ok)
	}
}

func TestMarkOrphanFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for h := uint64(10); h <= 12; h++ {
		if err := s.UpsertBlock(ctx, Block{ChainID: "origin-2", Height: h, Hash: "h", ParentHash: "p", IsCanonical: true}); err != nil {
			t.Fatalf("UpsertBlock(%d): %v", h, err)
		}
	}

	if err := s.MarkOrphanFrom(ctx, "origin-2", 11); err != nil {
		t.Fatalf("MarkOrphanFrom: %v", err)
	}

	if _, ok, _ := s.CanonicalHashAt(ctx, "origin-2", 10); !ok {
		t.Fatalf("height 10 should still be canonical")
	}
	if _, ok, _ := s.CanonicalHashAt(ctx, "origin-2", 11); ok {
		t.Fatalf("height 11 should have been orphaned")
	}
}

func TestSetHead_ThenHead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetHead(ctx, "origin-3", 55, "0xhead"); err != nil {
		t.Fatalf("SetHead: %v", err)
	}
	height, hash, err := s.Head(ctx, "origin-3")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if height != 55 || hash != "0xhead" {
		t.Fatalf("got (%d, %q), want (55, 0xhead)", height, hash)
	}
}

func TestEnsureAccountAndDenom_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, err := s.EnsureAccount(ctx, "qlx1abc")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	id2, err := s.EnsureAccount(ctx, "qlx1abc")
	if err != nil {
		t.Fatalf("EnsureAccount second call: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("EnsureAccount not idempotent: %d != %d", id1, id2)
	}

	dID1, err := s.EnsureDenom(ctx, "uqlx")
	if err != nil {
		t.Fatalf("EnsureDenom: %v", err)
	}
	dID2, err := s.EnsureDenom(ctx, "uqlx")
	if err != nil {
		t.Fatalf("EnsureDenom second call: %v", err)
	}
	if dID1 != dID2 {
		t.Fatalf("EnsureDenom not idempotent: %d != %d", dID1, dID2)
	}
}

func TestRollupAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	accID, err := s.EnsureAccount(ctx, "qlx1rollup")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	denomID, err := s.EnsureDenom(ctx, "urollup")
	if err != nil {
		t.Fatalf("EnsureDenom: %v", err)
	}

	if err := s.InsertBalanceSnapshot(ctx, "origin-4", 10, accID, denomID, "100"); err != nil {
		t.Fatalf("InsertBalanceSnapshot: %v", err)
	}
	if err := s.InsertBalanceSnapshot(ctx, "origin-4", 20, accID, denomID, "50"); err != nil {
		t.Fatalf("InsertBalanceSnapshot: %v", err)
	}

	if err := s.RollupAndPrune(ctx, "origin-4", 2880, 2880); err != nil {
		t.Fatalf("RollupAndPrune: %v", err)
	}
}

func TestRecordMint_AccumulatesStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	classID, err := s.RegisterTokenClass(ctx, "origin-5", "utoxic", "profile-a", true)
	if err != nil {
		t.Fatalf("RegisterTokenClass: %v", err)
	}

	if err := s.RecordMint(ctx, classID, "0xtx1", "1000", false, 1); err != nil {
		t.Fatalf("RecordMint mint: %v", err)
	}
	if err := s.RecordMint(ctx, classID, "0xtx2", "200", true, 2); err != nil {
		t.Fatalf("RecordMint burn: %v", err)
	}
}
