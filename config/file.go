package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	case "postgres.dsn":
		cfg.Postgres.DSN = value
	case "postgres.max_open_conns":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Postgres.MaxOpenConns = n
	case "postgres.migrations_dir":
		cfg.Postgres.MigrationsDir = value
	case "postgres.skip_migrations":
		cfg.Postgres.SkipMigrations = parseBool(value)

	case "origin.chain_id":
		cfg.Origin.ChainID = value
	case "origin.endpoint":
		cfg.Origin.Endpoint = value
	case "origin.lag_blocks":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Origin.LagBlocks = n
	case "origin.poll_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Origin.PollInterval = n
	case "origin.request_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Origin.RequestTimeout = n

	case "bridge.governance_addr":
		cfg.Bridge.GovernanceAddr = value
	case "bridge.toxic_sink":
		cfg.Bridge.ToxicSink = value
	case "bridge.toxic_cap_percent":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		pct := uint8(n)
		cfg.Bridge.ToxicCapPercent = &pct
	case "bridge.anomaly_threshold_amount":
		cfg.Bridge.AnomalyThreshold = value
	case "bridge.allow_missing_ubs":
		cfg.Bridge.AllowMissingUBS = parseBool(value)
	case "bridge.committee_addrs":
		cfg.Bridge.CommitteeAddrs = parseStringList(value)
	case "bridge.committee_pubkeys_hex":
		cfg.Bridge.CommitteePubkeysHex = parseStringList(value)
	case "bridge.oracle_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Bridge.OracleThreshold = n
	case "bridge.retention_window_days":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Bridge.RetentionWindowDays = n
	case "bridge.compact_safe_lag_blocks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Bridge.CompactSafeLagBlocks = n
	case "bridge.compact_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Bridge.CompactIntervalSecs = n

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored.
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Quillon Bridge Node Configuration
#
# Bridge governance parameters below must match across every RPC server
# and follower instance sharing this deployment's database.

network = ` + string(network) + `

# Data directory (default: ~/.quillon-bridge)
# datadir = ~/.quillon-bridge

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
rpc.allowed = 127.0.0.1
# rpc.cors = http://localhost:3000

# ============================================================================
# Persistence
# ============================================================================

postgres.dsn = postgres://localhost:5432/quillon_bridge?sslmode=disable
postgres.max_open_conns = 10

# ============================================================================
# Origin Chain
# ============================================================================

# origin.chain_id = kujira-1
# origin.endpoint = http://localhost:26657
origin.lag_blocks = 6
origin.poll_interval_seconds = 5
origin.request_timeout_seconds = 10

# ============================================================================
# Bridge Parameters
# ============================================================================

# bridge.governance_addr =
# bridge.toxic_sink =
# bridge.toxic_cap_percent = 10
# bridge.anomaly_threshold_amount =
bridge.allow_missing_ubs = false
# bridge.committee_addrs =
# bridge.committee_pubkeys_hex =
bridge.oracle_threshold = 1
bridge.retention_window_days = 30
bridge.compact_safe_lag_blocks = 100
bridge.compact_interval_seconds = 60

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8745"
	}
	return "8645"
}
