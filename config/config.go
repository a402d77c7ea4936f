package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	Env            string `toml:"Env"`
	OwnerAddress   string `toml:"OwnerAddress"`
	PoolAddress    string `toml:"PoolAddress"`
	RevenueAddress string `toml:"RevenueAddress"`
	RPCToken       string `toml:"RPCToken"`
	LogFile        string `toml:"LogFile"`
	LogMaxSizeMB   int    `toml:"LogMaxSizeMB"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./microlend-data"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "local"
	}
	if strings.TrimSpace(cfg.PoolAddress) == "" {
		return nil, fmt.Errorf("config file %s: PoolAddress is required", path)
	}
	if strings.TrimSpace(cfg.OwnerAddress) == "" {
		return nil, fmt.Errorf("config file %s: OwnerAddress is required", path)
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}

	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":8545",
		MetricsAddress: ":9464",
		DataDir:        "./microlend-data",
		Env:            "local",
		OwnerAddress:   "0x0000000000000000000000000000000000000001",
		PoolAddress:    "0x0000000000000000000000000000000000000002",
		RevenueAddress: "",
		RPCToken:       "",
		LogFile:        "",
		LogMaxSizeMB:   100,
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
