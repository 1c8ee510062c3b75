package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"htlcd/audit"
	"htlcd/config"
	"htlcd/ledger"
	"htlcd/native/escrow"
	"htlcd/observability/logging"
	"htlcd/rpc"
	"htlcd/state"
	"htlcd/storage"
)

const rpcAuthTokenEnv = "HTLCD_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memoryLedgerFlag := flag.Bool("memory-ledger", false, "DEV ONLY: use an in-process ledger instead of the configured transfer service")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("htlcd", logging.Options{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSize,
		Backups:   cfg.LogBackups,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("Failed to create data directory", slog.Any("error", err))
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "escrow"))
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	manager.SetEventLogCapacity(cfg.EventLogCapacity)
	if err := seedParams(manager, cfg); err != nil {
		logger.Error("Failed to seed protocol parameters", slog.Any("error", err))
		os.Exit(1)
	}

	ledgerClient, err := buildLedger(cfg, *memoryLedgerFlag, logger)
	if err != nil {
		logger.Error("Failed to configure ledger client", slog.Any("error", err))
		os.Exit(1)
	}

	engine, err := escrow.NewEngine(manager, ledgerClient, cfg.CustodyAccount)
	if err != nil {
		logger.Error("Failed to construct escrow engine", slog.Any("error", err))
		os.Exit(1)
	}
	hub := rpc.NewEventHub()
	engine.SetEmitter(hub)

	archive, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		logger.Error("Failed to open audit archive", slog.Any("error", err))
		os.Exit(1)
	}
	defer archive.Close()

	authToken := os.Getenv(rpcAuthTokenEnv)
	if authToken == "" {
		authToken = cfg.RPCAuthToken
	}
	server := rpc.NewServer(engine, archive, hub, authToken, logger)
	server.SetStatsFunc(manager.StorageStats)

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("RPC server listening", slog.String("address", cfg.RPCAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.Any("error", err))
	}
}

// seedParams stamps the configured treasury into the stored protocol
// parameters on first start. Parameters already persisted win; later changes
// go through escrow_setParams.
func seedParams(manager *state.Manager, cfg *config.Config) error {
	params, err := manager.Params()
	if err != nil {
		return err
	}
	treasury := strings.TrimSpace(cfg.TreasuryAccount)
	if params.Treasury != "" || treasury == "" {
		return nil
	}
	params.Treasury = treasury
	return manager.SetParams(params)
}

func buildLedger(cfg *config.Config, useMemory bool, logger *slog.Logger) (escrow.LedgerClient, error) {
	if useMemory {
		logger.Warn("Using in-process memory ledger; balances are not durable")
		return ledger.NewMemoryLedger(cfg.CustodyAccount), nil
	}
	timeout, err := cfg.LedgerTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return ledger.NewClient(ledger.Config{
		URL:       cfg.LedgerURL,
		AuthToken: cfg.LedgerAuthToken,
		Timeout:   timeout,
	}), nil
}
