// Package config loads and validates settlement-core node configuration,
// following the teacher's flat Config struct + DefaultConfig/Validate idiom.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rubin.dev/node/internal/chainparams"
)

// Config is the settlement core's effective configuration.
type Config struct {
	Network  string `json:"network"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	// RPC bind address for the read-only surfaces (§6). Framing is out of
	// scope for this core; only the listen address is configuration it owns.
	RPCBindAddr string `json:"rpc_bind_addr"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultDataDir mirrors the teacher's home-relative default.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".bathron"
	}
	return filepath.Join(home, ".bathron")
}

// Default returns a ready-to-use signet configuration.
func Default() Config {
	return Config{
		Network:     "signet",
		DataDir:     DefaultDataDir(),
		LogLevel:    "info",
		RPCBindAddr: "127.0.0.1:19211",
	}
}

// Validate checks cfg for internal consistency before the pipeline opens
// any stores.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if _, ok := chainparams.ByName(cfg.Network); !ok {
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	return nil
}

// SPVDir, BurnClaimDir, SettlementDir implement §6's on-disk layout:
// <datadir>/btcspv/, <datadir>/burnclaim/, <datadir>/settlement/.
func SPVDir(dataDir string) string        { return filepath.Join(dataDir, "btcspv") }
func BurnClaimDir(dataDir string) string  { return filepath.Join(dataDir, "burnclaim") }
func SettlementDir(dataDir string) string { return filepath.Join(dataDir, "settlement") }
