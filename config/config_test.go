package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendLevelDB, cfg.DBBackend)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ChainID, again.ChainID)
	require.Equal(t, cfg.RPC, again.RPC)
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
DBBackend = "Bolt"
ChainID = "subledger-test"
GenesisFile = "genesis.yaml"
BlockInterval = "250ms"

[Log]
Level = "debug"
File = "./logs/node.log"
MaxSizeMB = 10

[RPC]
JWTIssuer = "ops"
RateLimitPerSec = 5
RateLimitBurst = 10

[Telemetry]
Endpoint = "collector:4318"
Traces = true

[Indexer]
Driver = "SQLite"
DSN = "file:events.db"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendBolt, cfg.DBBackend)
	require.Equal(t, IndexerSQLite, cfg.Indexer.Driver)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 10, cfg.Log.MaxSizeMB)
	require.Equal(t, 3, cfg.Log.MaxBackups)
	require.True(t, cfg.Telemetry.Traces)
	interval, err := cfg.BlockIntervalDuration()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, interval)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ChainID = \"x\"\nValidatorKey = \"abc\"\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ValidatorKey")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvJWTSecret, strings.Repeat("s", 32))
	t.Setenv(EnvIndexerDSN, "postgres://indexer")
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("s", 32), cfg.RPC.JWTSecret)
	require.Equal(t, "postgres://indexer", cfg.Indexer.DSN)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing chain id":      func(c *Config) { c.ChainID = " " },
		"unknown backend":       func(c *Config) { c.DBBackend = "rocksdb" },
		"leveldb without dir":   func(c *Config) { c.DataDir = "" },
		"bad interval":          func(c *Config) { c.BlockInterval = "soon" },
		"interval too small":    func(c *Config) { c.BlockInterval = "1ms" },
		"zero burst":            func(c *Config) { c.RPC.RateLimitBurst = 0 },
		"short jwt secret":      func(c *Config) { c.RPC.JWTSecret = "short" },
		"unknown indexer":       func(c *Config) { c.Indexer.Driver = "mysql" },
		"indexer without dsn":   func(c *Config) { c.Indexer.Driver = IndexerPostgres },
		"negative log rotation": func(c *Config) { c.Log.MaxBackups = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	memory := Default()
	memory.DBBackend = BackendMemory
	memory.DataDir = ""
	require.NoError(t, memory.Validate())
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("etc", "sub", "genesis.yaml"), ResolvePath(filepath.Join("etc", "sub", "config.toml"), "genesis.yaml"))
	require.Equal(t, "/abs/genesis.yaml", ResolvePath("etc/config.toml", "/abs/genesis.yaml"))
	require.Equal(t, "", ResolvePath("etc/config.toml", ""))
}
