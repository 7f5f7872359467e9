package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"

	IndexerSQLite   = "sqlite"
	IndexerPostgres = "postgres"

	EnvJWTSecret  = "SUBLEDGER_RPC_JWT_SECRET"
	EnvIndexerDSN = "SUBLEDGER_INDEXER_DSN"
)

type Config struct {
	ListenAddress string    `toml:"ListenAddress"`
	DataDir       string    `toml:"DataDir"`
	DBBackend     string    `toml:"DBBackend"`
	ChainID       string    `toml:"ChainID"`
	GenesisFile   string    `toml:"GenesisFile"`
	BlockInterval string    `toml:"BlockInterval"`
	Environment   string    `toml:"Environment,omitempty"`
	Log           Log       `toml:"Log"`
	RPC           RPC       `toml:"RPC"`
	Telemetry     Telemetry `toml:"Telemetry"`
	Indexer       Indexer   `toml:"Indexer"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		DataDir:       "./subledger-data",
		DBBackend:     BackendLevelDB,
		ChainID:       "subledger-local",
		GenesisFile:   "genesis.yaml",
		BlockInterval: "5s",
		Environment:   "local",
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		RPC: RPC{
			RateLimitPerSec:   20,
			RateLimitBurst:    40,
			ReadHeaderTimeout: 5,
			WriteTimeout:      15,
		},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
		applyEnv(cfg)
		return cfg, nil
	} else if err != nil {
		return nil, err
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.DBBackend = strings.ToLower(strings.TrimSpace(cfg.DBBackend))
	cfg.Indexer.Driver = strings.ToLower(strings.TrimSpace(cfg.Indexer.Driver))
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.RPC.JWTSecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvIndexerDSN)); dsn != "" {
		cfg.Indexer.DSN = dsn
	}
}

// BlockIntervalDuration parses BlockInterval.
func (c *Config) BlockIntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.BlockInterval))
	if err != nil {
		return 0, fmt.Errorf("config: invalid BlockInterval %q: %w", c.BlockInterval, err)
	}
	return d, nil
}

// ResolvePath anchors a relative path at the directory of the config file.
func ResolvePath(configPath, target string) string {
	if target == "" || filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(configPath), target)
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
