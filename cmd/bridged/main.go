// Quillon Bridge daemon.
//
// Usage:
//
//	bridged [options]   Run the claim RPC server plus follower/compactor
//	bridged --help      Show help
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillon-labs/quillon-bridge/config"
	"github.com/quillon-labs/quillon-bridge/internal/auditlog"
	"github.com/quillon-labs/quillon-bridge/internal/claim"
	"github.com/quillon-labs/quillon-bridge/internal/compactor"
	"github.com/quillon-labs/quillon-bridge/internal/follower"
	klog "github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/ledger"
	"github.com/quillon-labs/quillon-bridge/internal/oracle"
	"github.com/quillon-labs/quillon-bridge/internal/originrpc"
	"github.com/quillon-labs/quillon-bridge/internal/refactorlog"
	"github.com/quillon-labs/quillon-bridge/internal/registry"
	"github.com/quillon-labs/quillon-bridge/internal/rpc"
	"github.com/quillon-labs/quillon-bridge/internal/sqlstore"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

// gitCommit is recorded on every indexer_runs row; set it at build time with
// -ldflags "-X main.gitCommit=<sha>".
var gitCommit = "unknown"

func main() {
	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 2. Init logger ──────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = cfg.LogsDir() + "/bridged.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := klog.WithComponent("daemon")
	logger.Info().Str("network", string(cfg.Network)).Msg("Starting Quillon Bridge daemon")

	// ── 3. Open claim-side KV store ──────────────────────────────────────
	db, err := storage.NewBadger(cfg.LedgerDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LedgerDir()).Msg("failed to open ledger store")
	}
	defer db.Close()

	committee, err := parseCommittee(cfg.Bridge.CommitteeAddrs, cfg.Bridge.CommitteePubkeysHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse committee configuration")
	}

	reg, err := registry.New(db, cfg.Bridge.GovernanceAddr, cfg.Bridge.AllowMissingUBS)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct registry")
	}
	orc, err := oracle.New(db, committee, cfg.Bridge.OracleThreshold)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct oracle")
	}
	ldg, err := ledger.New(db, cfg.Bridge.GovernanceAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct ledger")
	}
	refactor, err := refactorlog.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct refactor log")
	}
	audit, err := auditlog.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct audit log")
	}

	var anomalyThreshold *types.Amount
	if cfg.Bridge.AnomalyThreshold != "" {
		amt, err := types.AmountFromDecimal(cfg.Bridge.AnomalyThreshold)
		if err != nil {
			logger.Fatal().Err(err).Str("value", cfg.Bridge.AnomalyThreshold).Msg("invalid bridge.anomaly_threshold_amount")
		}
		anomalyThreshold = &amt
	}

	eng, err := claim.New(db, reg, orc, ldg, refactor, audit,
		cfg.Bridge.ToxicCapPercent, anomalyThreshold, cfg.Bridge.ToxicSink)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct claim engine")
	}

	// ── 4. Open relational store backing follower/compactor ─────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store *sqlstore.Store
	if cfg.Origin.Endpoint != "" {
		store, err = sqlstore.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.SkipMigrations)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open relational store")
		}
		defer store.Close()
	}

	// ── 5. Start RPC server ───────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, reg, orc, ldg, refactor, audit, eng, rpc.Config{
			AllowedIPs:  cfg.RPC.AllowedIPs,
			CORSOrigins: cfg.RPC.CORSOrigins,
		})
		if err := rpcServer.Start(); err != nil {
			logger.Fatal().Err(err).Str("addr", rpcAddr).Msg("failed to start RPC server")
		}
		defer rpcServer.Stop()
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	}

	// ── 6. Start chain follower and retention compactor ──────────────────
	if store != nil && cfg.Origin.Endpoint != "" {
		timeout := time.Duration(cfg.Origin.RequestTimeout) * time.Second
		rpcClient := originrpc.NewWithTimeout(cfg.Origin.Endpoint, timeout)

		f := follower.New(store, rpcClient, cfg.Origin.ChainID, cfg.Origin.LagBlocks,
			time.Duration(cfg.Origin.PollInterval)*time.Second)
		f.GitCommit = gitCommit
		go func() {
			if err := f.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("follower stopped with error")
			}
		}()
		logger.Info().
			Str("chain_id", cfg.Origin.ChainID).
			Str("endpoint", cfg.Origin.Endpoint).
			Uint64("lag_blocks", cfg.Origin.LagBlocks).
			Msg("chain follower started")

		c := compactor.New(store, cfg.Origin.ChainID,
			uint64(cfg.Bridge.RetentionWindowDays), uint64(cfg.Bridge.CompactSafeLagBlocks),
			time.Duration(cfg.Bridge.CompactIntervalSecs)*time.Second)
		go func() {
			if err := c.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("compactor stopped with error")
			}
		}()
		logger.Info().
			Int("window_days", cfg.Bridge.RetentionWindowDays).
			Msg("retention compactor started")
	} else {
		logger.Warn().Msg("origin.endpoint not configured: follower and compactor are disabled")
	}

	logger.Info().Msg("Quillon Bridge daemon started successfully")

	// ── 7. Wait for shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	cancel()
	logger.Info().Msg("Goodbye!")
}

// parseCommittee zips the configured committee addresses with their
// hex-encoded compressed secp256k1 public keys.
func parseCommittee(addrs, pubkeysHex []string) (map[string][]byte, error) {
	if len(addrs) != len(pubkeysHex) {
		return nil, fmt.Errorf("bridge.committee_addrs and bridge.committee_pubkeys_hex must have the same length (%d != %d)", len(addrs), len(pubkeysHex))
	}
	committee := make(map[string][]byte, len(addrs))
	for i, addr := range addrs {
		key, err := hex.DecodeString(pubkeysHex[i])
		if err != nil {
			return nil, fmt.Errorf("committee pubkey %d: %w", i, err)
		}
		committee[addr] = key
	}
	return committee, nil
}
