package follower

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/quillon-labs/quillon-bridge/internal/originrpc"
	"github.com/quillon-labs/quillon-bridge/internal/sqlstore"
)

// fakeChain serves /status and /block against an in-memory list of blocks,
// standing in for a real origin-chain RPC endpoint.
type fakeChain struct {
	blocks map[uint64]struct{ hash, parent string }
	latest uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: map[uint64]struct{ hash, parent string }{}}
}

func (f *fakeChain) put(height uint64, hash, parent string) {
	f.blocks[height] = struct{ hash, parent string }{hash, parent}
	if height > f.latest {
		f.latest = height
	}
}

func (f *fakeChain) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"result":{"sync_info":{"latest_block_height":"%d"}}}`, f.latest)
	})
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		var h uint64
		fmt.Sscanf(r.URL.Query().Get("height"), "%d", &h)
		b, ok := f.blocks[h]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"result":{"block_id":{"hash":"%s"},"block":{"header":{"height":"%d","last_block_id":{"hash":"%s"}},"data":{"txs":[]}}}}`, b.hash, h, b.parent)
	})
	return httptest.NewServer(mux)
}

func openTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping follower integration test")
	}
	s, err := sqlstore.Open(context.Background(), dsn, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestFollower_ReorgAndReplay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	chainID := "reorg-test-chain"

	chain := newFakeChain()
	for h := uint64(1); h <= 20; h++ {
		parent := fmt.Sprintf("h%d", h-1)
		chain.put(h, fmt.Sprintf("h%d", h), parent)
	}

	srv := chain.server()
	defer srv.Close()

	rpc := originrpc.New(srv.URL)
	f := New(store, rpc, chainID, 0, 0)

	if err := f.Backfill(ctx, 1, 20); err != nil {
		t.Fatalf("initial backfill: %v", err)
	}

	if err := store.MarkOrphanFrom(ctx, chainID, 11); err != nil {
		t.Fatalf("mark orphan: %v", err)
	}

	branchB := newFakeChain()
	for h := uint64(1); h <= 10; h++ {
		branchB.put(h, fmt.Sprintf("h%d", h), fmt.Sprintf("h%d", h-1))
	}
	for h := uint64(11); h <= 25; h++ {
		parent := fmt.Sprintf("h%db", h-1)
		if h == 11 {
			parent = "h10"
		}
		branchB.put(h, fmt.Sprintf("h%db", h), parent)
	}
	srvB := branchB.server()
	defer srvB.Close()

	rpcB := originrpc.New(srvB.URL)
	fB := New(store, rpcB, chainID, 0, 0)
	if err := fB.replayFrom(ctx, 11, 25); err != nil {
		t.Fatalf("replay to branch b: %v", err)
	}

	for h := uint64(1); h <= 10; h++ {
		hash, ok, err := store.CanonicalHashAt(ctx, chainID, h)
		if err != nil || !ok {
			t.Fatalf("height %d should remain canonical: %v %v", h, ok, err)
		}
		if hash != fmt.Sprintf("h%d", h) {
			t.Fatalf("height %d hash changed: got %s", h, hash)
		}
	}
	for h := uint64(11); h <= 25; h++ {
		hash, ok, err := store.CanonicalHashAt(ctx, chainID, h)
		if err != nil || !ok {
			t.Fatalf("height %d should be canonical after replay: %v %v", h, ok, err)
		}
		if hash != fmt.Sprintf("h%db", h) {
			t.Fatalf("height %d wrong hash after replay: got %s", h, hash)
		}
	}

	if err := fB.replayFrom(ctx, 11, 25); err != nil {
		t.Fatalf("second replay against same branch: %v", err)
	}
	hash, ok, err := store.CanonicalHashAt(ctx, chainID, 25)
	if err != nil || !ok || hash != "h25b" {
		t.Fatalf("idempotent replay changed state: %v %v %v", hash, ok, err)
	}

	branchC := newFakeChain()
	for h := uint64(1); h <= 10; h++ {
		branchC.put(h, fmt.Sprintf("h%d", h), fmt.Sprintf("h%d", h-1))
	}
	for h := uint64(11); h <= 30; h++ {
		parent := fmt.Sprintf("h%dc", h-1)
		if h == 11 {
			parent = "h10"
		}
		branchC.put(h, fmt.Sprintf("h%dc", h), parent)
	}
	srvC := branchC.server()
	defer srvC.Close()
	rpcC := originrpc.New(srvC.URL)
	fC := New(store, rpcC, chainID, 0, 0)
	if err := fC.replayFrom(ctx, 11, 30); err != nil {
		t.Fatalf("replay to branch c: %v", err)
	}
	hash, ok, err = store.CanonicalHashAt(ctx, chainID, 30)
	if err != nil || !ok || hash != "h30c" {
		t.Fatalf("branch c replay failed: %v %v %v", hash, ok, err)
	}
}
