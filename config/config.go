// Package config handles application configuration.
//
// Configuration is split the way the reference node splits it:
//   - Protocol/bridge parameters: governance-set, must match across RPC
//     server and follower for a given deployment (see BridgeConfig).
//   - Node settings: runtime configuration, can vary per process.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies the deployment environment.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds process-wide runtime configuration.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	RPC      RPCConfig
	Postgres PostgresConfig
	Origin   OriginConfig
	Bridge   BridgeConfig
	Log      LogConfig
}

// RPCConfig holds the JSON-RPC server settings (§6 governance/claim/query/oracle surface).
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"`
}

// PostgresConfig holds the relational persistence settings backing the
// chain follower and retention compactor (§4.I).
type PostgresConfig struct {
	DSN            string `conf:"postgres.dsn"`
	MaxOpenConns   int    `conf:"postgres.max_open_conns"`
	MigrationsDir  string `conf:"postgres.migrations_dir"`
	SkipMigrations bool   `conf:"postgres.skip_migrations"`
}

// OriginConfig holds the origin-chain RPC poller settings (§4.G, §6).
type OriginConfig struct {
	ChainID        string `conf:"origin.chain_id"`
	Endpoint       string `conf:"origin.endpoint"`
	LagBlocks      uint64 `conf:"origin.lag_blocks"`
	PollInterval   int    `conf:"origin.poll_interval_seconds"`
	RequestTimeout int    `conf:"origin.request_timeout_seconds"`
}

// BridgeConfig holds the claim engine's governance-set parameters (§4.F, §4.C).
type BridgeConfig struct {
	GovernanceAddr       string   `conf:"bridge.governance_addr"`
	ToxicSink            string   `conf:"bridge.toxic_sink"`
	ToxicCapPercent      *uint8   `conf:"bridge.toxic_cap_percent"`
	AnomalyThreshold     string   `conf:"bridge.anomaly_threshold_amount"`
	AllowMissingUBS      bool     `conf:"bridge.allow_missing_ubs"`
	CommitteeAddrs       []string `conf:"bridge.committee_addrs"`
	CommitteePubkeysHex  []string `conf:"bridge.committee_pubkeys_hex"`
	OracleThreshold      int      `conf:"bridge.oracle_threshold"`
	RetentionWindowDays  int      `conf:"bridge.retention_window_days"`
	CompactSafeLagBlocks int      `conf:"bridge.compact_safe_lag_blocks"`
	CompactIntervalSecs  int      `conf:"bridge.compact_interval_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.quillon-bridge
//	macOS:   ~/Library/Application Support/QuillonBridge
//	Windows: %APPDATA%\QuillonBridge
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quillon-bridge"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "QuillonBridge")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "QuillonBridge")
		}
		return filepath.Join(home, "AppData", "Roaming", "QuillonBridge")
	default:
		return filepath.Join(home, ".quillon-bridge")
	}
}

// ChainDataDir returns the deployment-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// LedgerDir returns the badger directory backing the claim-side KV store
// (registry, oracle, ledger, refactor log, claim markers).
func (c *Config) LedgerDir() string {
	return filepath.Join(c.ChainDataDir(), "ledger")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "quillon-bridge.conf")
}
