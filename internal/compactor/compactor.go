// Package compactor periodically rolls up and prunes aged balance
// snapshots (SPEC_FULL.md §4.H).
package compactor

import (
	"context"
	"time"

	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/sqlstore"
)

// BlocksPerDay is the protocol constant used to convert a window expressed
// in days into a block-height span. It is not tunable per call.
const BlocksPerDay = 2880

// Compactor periodically rolls up and prunes a single chain's balance
// snapshots. It may run concurrently with a Follower for the same chain;
// the UNIQUE-on-period constraint plus upsert-accumulate semantics make
// concurrent rollup inserts commutative.
type Compactor struct {
	ChainID      string
	WindowDays   uint64
	SafeLag      uint64
	Interval     time.Duration
	store        *sqlstore.Store
}

// New constructs a Compactor for chainID.
func New(store *sqlstore.Store, chainID string, windowDays, safeLag uint64, interval time.Duration) *Compactor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Compactor{
		ChainID:    chainID,
		WindowDays: windowDays,
		SafeLag:    safeLag,
		Interval:   interval,
		store:      store,
	}
}

// Run loops on Interval until ctx is cancelled, calling Tick each time.
func (c *Compactor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.Tick(ctx); err != nil {
			log.Compactor.Error().Err(err).Str("chain_id", c.ChainID).Msg("compaction tick failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.Interval):
		}
	}
}

// Tick performs one rollup-and-prune pass. If the window reaches or exceeds
// the chain's current height minus SafeLag (cutoff <= 0), it is a no-op.
func (c *Compactor) Tick(ctx context.Context) error {
	maxHeight, err := c.store.MaxHeight(ctx, c.ChainID)
	if err != nil {
		return err
	}

	safeMax := maxHeight
	if c.SafeLag > 0 {
		if c.SafeLag > maxHeight {
			safeMax = 0
		} else {
			safeMax = maxHeight - c.SafeLag
		}
	}

	window := c.WindowDays * BlocksPerDay
	if window > safeMax {
		return nil
	}
	cutoff := safeMax - window
	if cutoff == 0 {
		return nil
	}

	return c.store.RollupAndPrune(ctx, c.ChainID, cutoff, BlocksPerDay)
}
