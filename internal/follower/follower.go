// Package follower ingests origin-chain blocks into the relational store,
// detects and repairs reorganizations, and parses transaction payloads for
// sanitization-registry side effects (SPEC_FULL.md §4.G).
package follower

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/originrpc"
	"github.com/quillon-labs/quillon-bridge/internal/sqlstore"
)

// sideEffect is the wire shape of a transaction payload recognized by the
// follower as a sanitization-registry event. Unrecognized payloads (any tx
// whose body doesn't parse as this shape, or whose Type is unknown) are
// persisted as plain tx rows with no side effect.
type sideEffect struct {
	Type             string `json:"type"`
	Denom            string `json:"denom"`
	ScalingProfileID string `json:"scaling_profile_id"`
	IsToxic          bool   `json:"is_toxic"`
	Amount           string `json:"amount"`
	IsBurn           bool   `json:"is_burn"`
}

const (
	sideEffectRegisterClass = "register_token_class"
	sideEffectMintBurn      = "mint_burn"
)

// Follower polls a single origin chain and keeps the relational store's
// view of it canonical. Exactly one instance per chain_id may run at a
// time; the caller is responsible for that exclusion.
type Follower struct {
	ChainID    string
	LagBlocks  uint64
	GitCommit  string
	PollPeriod time.Duration

	store *sqlstore.Store
	rpc   *originrpc.Client
}

// New constructs a Follower for chainID, backed by store and rpc.
func New(store *sqlstore.Store, rpc *originrpc.Client, chainID string, lagBlocks uint64, pollPeriod time.Duration) *Follower {
	if pollPeriod <= 0 {
		pollPeriod = 5 * time.Second
	}
	return &Follower{
		ChainID:    chainID,
		LagBlocks:  lagBlocks,
		PollPeriod: pollPeriod,
		store:      store,
		rpc:        rpc,
	}
}

// Run loops indefinitely, polling, ingesting, and reorg-checking, until ctx
// is cancelled. Each suspension point (RPC call, database statement) is a
// cooperative cancellation point.
func (f *Follower) Run(ctx context.Context) error {
	runID := uuid.NewString()
	if err := f.store.StartRun(ctx, runID, f.ChainID, f.GitCommit); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = f.store.FinishRun(context.Background(), runID, "stopped")
			return nil
		}
		if err := f.step(ctx); err != nil {
			log.Follower.Error().Err(err).Str("chain_id", f.ChainID).Msg("follower step failed, retrying")
		}
		select {
		case <-ctx.Done():
			_ = f.store.FinishRun(context.Background(), runID, "stopped")
			return nil
		case <-time.After(f.PollPeriod):
		}
	}
}

// step performs one poll-ingest-reorg-check cycle.
func (f *Follower) step(ctx context.Context) error {
	latest, err := f.rpc.LatestHeight(ctx)
	if err != nil {
		return fmt.Errorf("poll latest height: %w", err)
	}
	if latest < f.LagBlocks {
		return nil
	}
	target := latest - f.LagBlocks

	head, _, err := f.store.Head(ctx, f.ChainID)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	next := head + 1

	for h := next; h <= target; h++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := f.ingest(ctx, h); err != nil {
			return fmt.Errorf("ingest height %d: %w", h, err)
		}

		badHeight, found, err := f.store.FindFirstBadHeight(ctx, f.ChainID)
		if err != nil {
			return fmt.Errorf("reorg check: %w", err)
		}
		if found {
			if err := f.replayFrom(ctx, badHeight, target); err != nil {
				return fmt.Errorf("replay from %d: %w", badHeight, err)
			}
			return nil
		}
	}
	return nil
}

// ingest fetches the block at height h and upserts its block/tx rows,
// advancing the indexer head.
func (f *Follower) ingest(ctx context.Context, h uint64) error {
	blk, err := f.rpc.BlockAt(ctx, h)
	if err != nil {
		return fmt.Errorf("fetch block: %w", err)
	}
	if err := f.store.UpsertBlock(ctx, sqlstore.Block{
		ChainID:     f.ChainID,
		Height:      blk.Height,
		Hash:        blk.Hash,
		ParentHash:  blk.ParentHash,
		IsCanonical: true,
	}); err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}

	for idx, raw := range blk.Txs {
		digest := sha256.Sum256(raw)
		txHash := fmt.Sprintf("0x%x", digest)
		if err := f.store.InsertTx(ctx, sqlstore.Tx{
			ChainID:     f.ChainID,
			BlockHeight: blk.Height,
			BlockHash:   blk.Hash,
			TxHash:      txHash,
			IdxInBlock:  idx,
			RawJSON:     raw,
			IsCanonical: true,
		}); err != nil {
			return fmt.Errorf("insert tx %d: %w", idx, err)
		}
		if err := f.applySideEffect(ctx, blk.Height, txHash, raw); err != nil {
			log.Follower.Warn().Err(err).Str("tx_hash", txHash).Msg("ignoring malformed side-effect payload")
		}
	}

	if err := f.store.SetHead(ctx, f.ChainID, blk.Height, blk.Hash); err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	return nil
}

// applySideEffect parses raw as a sanitization-registry side effect and
// applies it to the token-class tables. A payload that isn't recognized
// JSON of this shape is silently ignored — not every transaction carries a
// registry event.
func (f *Follower) applySideEffect(ctx context.Context, height uint64, txHash string, raw []byte) error {
	var se sideEffect
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil
	}
	switch se.Type {
	case sideEffectRegisterClass:
		if se.Denom == "" {
			return fmt.Errorf("register_token_class payload missing denom")
		}
		_, err := f.store.RegisterTokenClass(ctx, f.ChainID, se.Denom, se.ScalingProfileID, se.IsToxic)
		return err
	case sideEffectMintBurn:
		if se.Denom == "" || se.Amount == "" {
			return fmt.Errorf("mint_burn payload missing denom or amount")
		}
		classID, err := f.store.RegisterTokenClass(ctx, f.ChainID, se.Denom, se.ScalingProfileID, se.IsToxic)
		if err != nil {
			return err
		}
		return f.store.RecordMint(ctx, classID, txHash, se.Amount, se.IsBurn, height)
	default:
		return nil
	}
}

// replayFrom implements the reorg repair: orphan everything at height >= b,
// reset the indexer head to b-1, and re-ingest b..through using the RPC's
// current (possibly different) branch. Re-running replay against an
// unchanged tip is idempotent: UpsertBlock/InsertTx key on content, so
// re-inserting identical rows is a no-op beyond the UPDATE it performs.
func (f *Follower) replayFrom(ctx context.Context, b, through uint64) error {
	if err := f.store.MarkOrphanFrom(ctx, f.ChainID, b); err != nil {
		return fmt.Errorf("mark orphan: %w", err)
	}

	var prevHash string
	if b > 0 {
		hash, _, err := f.store.CanonicalHashAt(ctx, f.ChainID, b-1)
		if err != nil {
			return fmt.Errorf("read hash at %d: %w", b-1, err)
		}
		prevHash = hash
	}
	if err := f.store.SetHead(ctx, f.ChainID, subOrZero(b, 1), prevHash); err != nil {
		return fmt.Errorf("reset head: %w", err)
	}

	for h := b; h <= through; h++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := f.ingest(ctx, h); err != nil {
			return fmt.Errorf("replay ingest height %d: %w", h, err)
		}
	}
	return nil
}

// Backfill ingests [start, stop] with no reorg handling, for a height range
// the caller already knows to be final.
func (f *Follower) Backfill(ctx context.Context, start, stop uint64) error {
	runID := uuid.NewString()
	if err := f.store.StartRun(ctx, runID, f.ChainID, f.GitCommit); err != nil {
		return err
	}
	for h := start; h <= stop; h++ {
		if err := ctx.Err(); err != nil {
			_ = f.store.FinishRun(context.Background(), runID, "stopped")
			return nil
		}
		if err := f.ingest(ctx, h); err != nil {
			_ = f.store.FinishRun(context.Background(), runID, "failed")
			return fmt.Errorf("backfill height %d: %w", h, err)
		}
	}
	return f.store.FinishRun(ctx, runID, "finished")
}

func subOrZero(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
