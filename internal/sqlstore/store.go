// Package sqlstore is the relational persistence layer backing the chain
// follower and retention compactor (SPEC_FULL.md §4.I): blocks, txs,
// balance snapshots/rollups, indexer run bookkeeping, and token-class
// mint/burn history.
package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool with the query set the follower and
// compactor need.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies any pending goose migrations (unless
// skipMigrations is set, used by tests that provision schema separately).
func Open(ctx context.Context, dsn string, maxOpenConns int, skipMigrations bool) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "parsing postgres dsn", err)
	}
	if maxOpenConns > 0 {
		cfg.MaxConns = int32(maxOpenConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "opening postgres pool", err)
	}

	s := &Store{pool: pool}
	if !skipMigrations {
		if err := s.migrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "setting goose dialect", err)
	}
	db, err := goose.OpenDBWithDriver("pgx", s.pool.Config().ConnString())
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "opening migration connection", err)
	}
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "applying migrations", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Block is the persisted shape of one (chain_id, height, hash) row.
type Block struct {
	ChainID     string
	Height      uint64
	Hash        string
	ParentHash  string
	IsCanonical bool
}

// Tx is one transaction belonging to a block.
type Tx struct {
	ChainID     string
	BlockHeight uint64
	BlockHash   string
	TxHash      string
	IdxInBlock  int
	RawJSON     []byte
	IsCanonical bool
}

// UpsertBlock inserts a block row, or marks it canonical if it already
// exists with identical identity (idempotent replay).
func (s *Store) UpsertBlock(ctx context.Context, b Block) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (chain_id, height, hash, parent_hash, is_canonical)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, height, hash) DO UPDATE SET is_canonical = EXCLUDED.is_canonical
	`, b.ChainID, b.Height, b.Hash, b.ParentHash, b.IsCanonical)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "upserting block", err)
	}
	return nil
}

// InsertTx inserts a transaction row, overwriting any prior row at the same
// (chain_id, block_height, tx_hash) key.
func (s *Store) InsertTx(ctx context.Context, t Tx) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tx (chain_id, block_height, block_hash, tx_hash, idx_in_block, raw_json, is_canonical)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, block_height, tx_hash) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			raw_json = EXCLUDED.raw_json,
			is_canonical = EXCLUDED.is_canonical
	`, t.ChainID, t.BlockHeight, t.BlockHash, t.TxHash, t.IdxInBlock, t.RawJSON, t.IsCanonical)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "inserting tx", err)
	}
	return nil
}

// CanonicalHashAt returns the canonical block hash at height, if any.
func (s *Store) CanonicalHashAt(ctx context.Context, chainID string, height uint64) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT hash FROM blocks WHERE chain_id=$1 AND height=$2 AND is_canonical LIMIT 1
	`, chainID, height).Scan(&hash)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return "", false, nil
		}
		return "", false, bridgeerr.Wrap(bridgeerr.StorageError, "reading canonical hash", err)
	}
	return hash, true, nil
}

// ParentHashAt returns the canonical parent_hash recorded at height.
func (s *Store) ParentHashAt(ctx context.Context, chainID string, height uint64) (string, bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT parent_hash FROM blocks WHERE chain_id=$1 AND height=$2 AND is_canonical LIMIT 1
	`, chainID, height).Scan(&hash)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return "", false, nil
		}
		return "", false, bridgeerr.Wrap(bridgeerr.StorageError, "reading parent hash", err)
	}
	return hash, true, nil
}

// MarkOrphanFrom marks every canonical block, tx, and balance snapshot at
// height >= from as non-canonical/orphan.
func (s *Store) MarkOrphanFrom(ctx context.Context, chainID string, from uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "beginning orphan transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE blocks SET is_canonical=false WHERE chain_id=$1 AND height>=$2`, chainID, from); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "orphaning blocks", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tx SET is_canonical=false WHERE chain_id=$1 AND block_height>=$2`, chainID, from); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "orphaning txs", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE balance_snapshot SET is_orphan=true WHERE chain_id=$1 AND block_height>=$2`, chainID, from); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "orphaning balance snapshots", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "committing orphan transaction", err)
	}
	return nil
}

// SetHead updates the indexer_state row for chainID.
func (s *Store) SetHead(ctx context.Context, chainID string, height uint64, hash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_state (chain_id, last_canonical_height, last_canonical_hash, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id) DO UPDATE SET
			last_canonical_height = EXCLUDED.last_canonical_height,
			last_canonical_hash = EXCLUDED.last_canonical_hash,
			updated_at = now()
	`, chainID, height, hash)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "setting indexer head", err)
	}
	return nil
}

// Head returns the last recorded canonical (height, hash) for chainID.
func (s *Store) Head(ctx context.Context, chainID string) (uint64, string, error) {
	var height uint64
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT last_canonical_height, last_canonical_hash FROM indexer_state WHERE chain_id=$1
	`, chainID).Scan(&height, &hash)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return 0, "", nil
		}
		return 0, "", bridgeerr.Wrap(bridgeerr.StorageError, "reading indexer head", err)
	}
	return height, hash, nil
}

// EnsureAccount returns the account id for address, inserting it if absent.
func (s *Store) EnsureAccount(ctx context.Context, address string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO account (address) VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id
	`, address).Scan(&id)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.StorageError, "ensuring account", err)
	}
	return id, nil
}

// EnsureDenom returns the denom id for rawDenom, inserting it if absent.
func (s *Store) EnsureDenom(ctx context.Context, rawDenom string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO denom (raw_denom) VALUES ($1)
		ON CONFLICT (raw_denom) DO UPDATE SET raw_denom = EXCLUDED.raw_denom
		RETURNING id
	`, rawDenom).Scan(&id)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.StorageError, "ensuring denom", err)
	}
	return id, nil
}

// InsertBalanceSnapshot records one account/denom balance at a height.
func (s *Store) InsertBalanceSnapshot(ctx context.Context, chainID string, height uint64, accountID, denomID int64, amountText string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balance_snapshot (chain_id, block_height, account_id, denom_id, amount_text)
		VALUES ($1, $2, $3, $4, $5)
	`, chainID, height, accountID, denomID, amountText)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "inserting balance snapshot", err)
	}
	return nil
}

// MaxHeight returns the highest block height present for chainID.
func (s *Store) MaxHeight(ctx context.Context, chainID string) (uint64, error) {
	var height *uint64
	err := s.pool.QueryRow(ctx, `SELECT MAX(height) FROM blocks WHERE chain_id=$1`, chainID).Scan(&height)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.StorageError, "reading max height", err)
	}
	if height == nil {
		return 0, nil
	}
	return *height, nil
}

// RollupAndPrune performs the retention compactor's core transaction
// (SPEC_FULL.md §4.H): insert-or-accumulate rollups for every snapshot at
// block_height <= cutoff, keyed by (period_start, account, denom), then
// delete those snapshots.
func (s *Store) RollupAndPrune(ctx context.Context, chainID string, cutoff uint64, blocksPerDay uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "beginning rollup transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO balance_rollup (chain_id, period_start, account_id, denom_id, amount_text)
		SELECT chain_id, (block_height / $3) * $3 AS period_start, account_id, denom_id, SUM(amount_text)
		FROM balance_snapshot
		WHERE chain_id = $1 AND block_height <= $2
		GROUP BY chain_id, period_start, account_id, denom_id
		ON CONFLICT (chain_id, period_start, account_id, denom_id)
		DO UPDATE SET amount_text = balance_rollup.amount_text + EXCLUDED.amount_text
	`, chainID, cutoff, blocksPerDay)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "accumulating rollup", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM balance_snapshot WHERE chain_id=$1 AND block_height<=$2`, chainID, cutoff)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "pruning snapshots", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "committing rollup transaction", err)
	}
	return nil
}

// FindFirstBadHeight implements the reorg check (SPEC_FULL.md §4.G): it
// walks canonical blocks in ascending height order and returns the first
// height whose parent_hash does not match the previous canonical block's
// hash. The genesis row (lowest height present) has nothing to compare
// against and is always consistent.
func (s *Store) FindFirstBadHeight(ctx context.Context, chainID string) (uint64, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT height, hash, parent_hash FROM blocks
		WHERE chain_id=$1 AND is_canonical
		ORDER BY height ASC
	`, chainID)
	if err != nil {
		return 0, false, bridgeerr.Wrap(bridgeerr.StorageError, "scanning canonical blocks", err)
	}
	defer rows.Close()

	var prevHash string
	var havePrev bool
	for rows.Next() {
		var height uint64
		var hash, parentHash string
		if err := rows.Scan(&height, &hash, &parentHash); err != nil {
			return 0, false, bridgeerr.Wrap(bridgeerr.StorageError, "scanning canonical block row", err)
		}
		if havePrev && parentHash != prevHash {
			return height, true, nil
		}
		prevHash = hash
		havePrev = true
	}
	if err := rows.Err(); err != nil {
		return 0, false, bridgeerr.Wrap(bridgeerr.StorageError, "iterating canonical blocks", err)
	}
	return 0, false, nil
}

// StartRun inserts an indexer_runs row in "running" status.
func (s *Store) StartRun(ctx context.Context, runID, chainID, gitCommit string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_runs (run_id, chain_id, status, git_commit) VALUES ($1, $2, 'running', $3)
	`, runID, chainID, gitCommit)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "starting indexer run", err)
	}
	return nil
}

// FinishRun marks an indexer_runs row complete.
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE indexer_runs SET finished_at=$2, status=$3 WHERE run_id=$1
	`, runID, time.Now().UTC(), status)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "finishing indexer run", err)
	}
	return nil
}

// RegisterTokenClass upserts a token_class row observed by the follower
// during transaction parsing.
func (s *Store) RegisterTokenClass(ctx context.Context, chainID, denom, scalingProfileID string, isToxic bool) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO token_class (chain_id, denom, scaling_profile_id, is_toxic)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id, denom) DO UPDATE SET scaling_profile_id=EXCLUDED.scaling_profile_id, is_toxic=EXCLUDED.is_toxic
		RETURNING id
	`, chainID, denom, scalingProfileID, isToxic).Scan(&id)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.StorageError, "registering token class", err)
	}
	return id, nil
}

// RecordMint appends a class_mint row and rolls its delta into class_stats.
func (s *Store) RecordMint(ctx context.Context, tokenClassID int64, txHash, deltaText string, isBurn bool, blockHeight uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "beginning mint transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO class_mint (token_class_id, tx_hash, delta_text, is_burn, block_height)
		VALUES ($1, $2, $3, $4, $5)
	`, tokenClassID, txHash, deltaText, isBurn, blockHeight); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "inserting class mint", err)
	}

	col := "total_minted_text"
	if isBurn {
		col = "total_burned_text"
	}
	stmt := fmt.Sprintf(`
		INSERT INTO class_stats (token_class_id, %s, last_activity_at)
		VALUES ($1, $2, now())
		ON CONFLICT (token_class_id) DO UPDATE SET %s = class_stats.%s + EXCLUDED.%s, last_activity_at = now()
	`, col, col, col, col)
	if _, err := tx.Exec(ctx, stmt, tokenClassID, deltaText); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "updating class stats", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "committing mint transaction", err)
	}
	return nil
}
