package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	MinBlockInterval = 100 * time.Millisecond
	MaxBlockInterval = time.Hour
)

// Validate enforces the ranges the node relies on at startup.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(c.ChainID) == "" {
		return fmt.Errorf("config: ChainID must be set")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must be set")
	}
	switch c.DBBackend {
	case BackendMemory:
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("config: DataDir must be set for the %s backend", c.DBBackend)
		}
	default:
		return fmt.Errorf("config: unsupported DBBackend %q", c.DBBackend)
	}
	interval, err := c.BlockIntervalDuration()
	if err != nil {
		return err
	}
	if interval < MinBlockInterval || interval > MaxBlockInterval {
		return fmt.Errorf("config: BlockInterval %s outside [%s, %s]", interval, MinBlockInterval, MaxBlockInterval)
	}
	if c.RPC.RateLimitPerSec < 0 {
		return fmt.Errorf("rpc: RateLimitPerSec must not be negative")
	}
	if c.RPC.RateLimitPerSec > 0 && c.RPC.RateLimitBurst <= 0 {
		return fmt.Errorf("rpc: RateLimitBurst must be positive when rate limiting is enabled")
	}
	if c.RPC.JWTSecret != "" && len(c.RPC.JWTSecret) < 32 {
		return fmt.Errorf("rpc: JWTSecret must be at least 32 bytes")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		return fmt.Errorf("log: rotation limits must not be negative")
	}
	switch c.Indexer.Driver {
	case "":
	case IndexerSQLite, IndexerPostgres:
		if strings.TrimSpace(c.Indexer.DSN) == "" {
			return fmt.Errorf("indexer: DSN must be set for driver %q", c.Indexer.Driver)
		}
	default:
		return fmt.Errorf("indexer: unsupported driver %q", c.Indexer.Driver)
	}
	return nil
}
