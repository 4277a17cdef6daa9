package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"rainchain/native/liquidation"
)

type Config struct {
	RPCAddress             string `toml:"RPCAddress"`
	DataDir                string `toml:"DataDir"`
	LogEnvironment         string `toml:"LogEnvironment"`
	OracleMaxAgeSecs       uint64 `toml:"OracleMaxAgeSecs"`
	FillRequestExpirySecs  uint64 `toml:"FillRequestExpirySecs"`
	LiquidatorBonusBps     uint64 `toml:"LiquidatorBonusBps"`
	LiquidationShortfall   string `toml:"LiquidationShortfall"`
	PauseVault             bool   `toml:"PauseVault"`
	PauseMarket            bool   `toml:"PauseMarket"`
	PauseEscrow            bool   `toml:"PauseEscrow"`
	PauseLiquidation       bool   `toml:"PauseLiquidation"`
	RPCReadHeaderTimeoutMs uint64 `toml:"RPCReadHeaderTimeoutMs"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations outside the supported ranges.
func (c *Config) Validate() error {
	if c.OracleMaxAgeSecs == 0 {
		return fmt.Errorf("config: OracleMaxAgeSecs must be positive")
	}
	if c.FillRequestExpirySecs == 0 {
		return fmt.Errorf("config: FillRequestExpirySecs must be positive")
	}
	if c.LiquidatorBonusBps > 10_000 {
		return fmt.Errorf("config: LiquidatorBonusBps %d exceeds 10000", c.LiquidatorBonusBps)
	}
	if !liquidation.ShortfallPolicy(c.LiquidationShortfall).Valid() {
		return fmt.Errorf("config: LiquidationShortfall must be %q or %q, got %q",
			liquidation.ShortfallCarry, liquidation.ShortfallAbsorb, c.LiquidationShortfall)
	}
	return nil
}

// ShortfallPolicy returns the parsed liquidation shortfall mode.
func (c *Config) ShortfallPolicy() liquidation.ShortfallPolicy {
	return liquidation.ShortfallPolicy(c.LiquidationShortfall)
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./rain-data"
	}
	if strings.TrimSpace(cfg.LogEnvironment) == "" {
		cfg.LogEnvironment = "development"
	}
	if cfg.OracleMaxAgeSecs == 0 {
		cfg.OracleMaxAgeSecs = 60
	}
	if cfg.FillRequestExpirySecs == 0 {
		cfg.FillRequestExpirySecs = 300
	}
	if cfg.LiquidatorBonusBps == 0 {
		cfg.LiquidatorBonusBps = 500
	}
	if strings.TrimSpace(cfg.LiquidationShortfall) == "" {
		cfg.LiquidationShortfall = string(liquidation.ShortfallCarry)
	}
	if cfg.RPCReadHeaderTimeoutMs == 0 {
		cfg.RPCReadHeaderTimeoutMs = 5_000
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
