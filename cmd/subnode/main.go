package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"subledger/config"
	"subledger/core"
	"subledger/core/genesis"
	"subledger/indexer"
	"subledger/observability/logging"
	telemetry "subledger/observability/otel"
	"subledger/rpc"
	"subledger/storage"
)

const (
	envName        = "SUBLEDGER_ENV"
	envGenesisPath = "SUBLEDGER_GENESIS"
	serviceName    = "subnode"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides SUBLEDGER_GENESIS and config GenesisFile)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile, *genesisFlag); err != nil {
		slog.Error("subnode exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, genesisFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	env := strings.TrimSpace(os.Getenv(envName))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup(serviceName, env, logging.Options{
		Level:      cfg.Log.Level,
		File:       config.ResolvePath(configPath, cfg.Log.File),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	db, err := openDatabase(cfg.DBBackend, config.ResolvePath(configPath, cfg.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()

	node, err := core.NewNode(db)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	node.SetLogger(logger)

	genesisPath := resolveGenesisPath(genesisFlag, config.ResolvePath(configPath, cfg.GenesisFile), os.LookupEnv)
	if err := bootstrap(node, cfg.ChainID, genesisPath); err != nil {
		return err
	}
	logger.Info("ledger ready",
		slog.String("chainId", node.ChainID()),
		slog.Uint64("height", uint64(node.Height())),
		slog.String("backend", cfg.DBBackend))

	interval, err := cfg.BlockIntervalDuration()
	if err != nil {
		return err
	}

	server := rpc.NewServer(node, rpc.Config{
		JWTSecret:         cfg.RPC.JWTSecret,
		JWTIssuer:         cfg.RPC.JWTIssuer,
		JWTAudience:       cfg.RPC.JWTAudience,
		RateLimitPerSec:   cfg.RPC.RateLimitPerSec,
		RateLimitBurst:    cfg.RPC.RateLimitBurst,
		ReadHeaderTimeout: time.Duration(cfg.RPC.ReadHeaderTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPC.WriteTimeout) * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	launch := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if cfg.Indexer.Driver != "" {
		store, err := indexer.Open(cfg.Indexer.Driver, cfg.Indexer.DSN, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		server.SetIndex(store)
		launch("indexer", func() error { return store.Follow(ctx, node) })
	}
	launch("block producer", func() error { return node.Run(ctx, interval) })
	launch("rpc", func() error { return server.Serve(ctx, cfg.ListenAddress) })

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openDatabase(backend, dataDir string) (storage.Database, error) {
	switch backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB, "":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data directory: %w", err)
		}
		db, err := storage.NewLevelDB(filepath.Join(dataDir, "ledger"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	case config.BackendBolt:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare data directory: %w", err)
		}
		db, err := storage.NewBoltDB(filepath.Join(dataDir, "ledger.bolt"))
		if err != nil {
			return nil, fmt.Errorf("open bolt: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database backend %q", backend)
	}
}

func resolveGenesisPath(flagValue, configValue string, lookupEnv func(string) (string, bool)) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if lookupEnv != nil {
		if value, ok := lookupEnv(envGenesisPath); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return strings.TrimSpace(configValue)
}

// bootstrap applies the genesis document on first boot and checks it against
// the stored chain afterwards. A node restarted without a genesis file keeps
// its stored chain.
func bootstrap(node *core.Node, chainID, genesisPath string) error {
	if genesisPath == "" {
		if node.Bootstrapped() {
			return nil
		}
		return errors.New("no stored chain and no genesis file configured")
	}
	if _, err := os.Stat(genesisPath); errors.Is(err, os.ErrNotExist) && node.Bootstrapped() {
		return nil
	}
	spec, err := genesis.LoadGenesisSpec(genesisPath)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	if chainID != "" && spec.ChainID != chainID {
		return fmt.Errorf("genesis chain id %q does not match configured %q", spec.ChainID, chainID)
	}
	return node.ApplyGenesis(spec)
}
