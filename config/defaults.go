package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8645,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Postgres: PostgresConfig{
			DSN:           "postgres://localhost:5432/quillon_bridge?sslmode=disable",
			MaxOpenConns:  10,
			MigrationsDir: "internal/sqlstore/migrations",
		},
		Origin: OriginConfig{
			LagBlocks:      6,
			PollInterval:   5,
			RequestTimeout: 10,
		},
		Bridge: BridgeConfig{
			OracleThreshold:      1,
			RetentionWindowDays:  30,
			CompactSafeLagBlocks: 100,
			CompactIntervalSecs:  60,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8745
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
