package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Bridge.ToxicCapPercent != nil && *cfg.Bridge.ToxicCapPercent > 100 {
		return fmt.Errorf("bridge.toxic_cap_percent must be in range [0, 100]")
	}
	if cfg.Bridge.OracleThreshold < 0 {
		return fmt.Errorf("bridge.oracle_threshold must be non-negative")
	}
	if cfg.Origin.RequestTimeout < 0 {
		return fmt.Errorf("origin.request_timeout_seconds must be non-negative")
	}
	return nil
}
