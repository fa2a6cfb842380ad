// Command loadgen drives virtual users against an EVM node, either behind the
// control API or once in headless mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/evmloadtest/internal/config"
	"github.com/gateway-fm/evmloadtest/internal/exchange"
	"github.com/gateway-fm/evmloadtest/internal/ledger"
	"github.com/gateway-fm/evmloadtest/internal/logging"
	"github.com/gateway-fm/evmloadtest/internal/metrics"
	"github.com/gateway-fm/evmloadtest/internal/orchestrator"
	"github.com/gateway-fm/evmloadtest/internal/rpc"
	"github.com/gateway-fm/evmloadtest/internal/storage"
	"github.com/gateway-fm/evmloadtest/internal/transport"
	"github.com/gateway-fm/evmloadtest/internal/vuser"
	"github.com/gateway-fm/evmloadtest/internal/wallet"
	"github.com/gateway-fm/evmloadtest/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Error("loadgen failed", "error", err)
		code = 1
	}
	_ = closer.Close()
	os.Exit(code)
}

func run(cfg *config.Config, logger *slog.Logger) error {
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return err
	}
	wallets, err := wallet.LoadFile(cfg.WalletsFile)
	if err != nil {
		return err
	}
	logger.Info("loaded configuration",
		"config", cfg.ConfigFile,
		"wallets", len(wallets),
		"rpc", file.Network.RPCURL,
		"chain_id", file.Network.ChainID,
		"pairs", len(file.PairsToSwap))

	prom := metrics.NewPrometheusMetrics(nil)

	rpcCfg := rpc.DefaultClientConfig(file.Network.RPCURL)
	rpcCfg.Observe = prom.ObserveRPC
	rpcCfg.Logger = logger
	client := rpc.NewHTTPClient(rpcCfg)

	led, err := ledger.New(ledger.Config{RPC: client, ChainID: file.ChainID(), Logger: logger})
	if err != nil {
		return err
	}
	checkChainID(client, file.Network.ChainID, logger)

	weights := vuser.Weights{Transfer: vuser.DefaultTransferWeight}
	var dir exchange.Directory
	if len(file.PairsToSwap) > 0 {
		weights.Swap = vuser.DefaultSwapWeight
		ex, err := exchange.New(exchange.Config{
			Caller:  client,
			Factory: file.Contract(config.ContractFactory),
			Router:  file.Contract(config.ContractRouter),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		dir = ex
		if file.SwapsUnprotected() {
			logger.Warn("swaps accept any output amount; set transactions.swap_min_out outside test networks")
		}
	}

	pool, err := wallet.NewPool(wallet.PoolConfig{Wallets: wallets, Balances: led, Logger: logger})
	if err != nil {
		return err
	}

	runnerCfg := orchestrator.Config{
		User:       file.UserConfig(weights, cfg.ConfirmTimeout),
		Ledger:     led,
		Exchange:   dir,
		Wallets:    pool,
		Prometheus: prom,
		Logger:     logger,
		Defaults:   cfg.StartRequest(),
		ChainID:    file.Network.ChainID,
		Target:     file.Network.RPCURL,
		Probe: func(ctx context.Context) error {
			_, err := client.ChainID(ctx)
			return err
		},
	}
	if cfg.DatabasePath != "" {
		store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()
		runnerCfg.Storage = store
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	runner, err := orchestrator.New(runnerCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Headless {
		return runHeadless(ctx, runner, cfg.StartRequest(), logger)
	}
	return serve(ctx, cfg, runner, logger)
}

// checkChainID warns when the node reports a different chain than the config
// file; every signed transaction would be rejected.
func checkChainID(client *rpc.HTTPClient, want int64, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := client.ChainID(ctx)
	switch {
	case err != nil:
		logger.Warn("node unreachable at startup", "error", err)
	case int64(got) != want:
		logger.Warn("chain id mismatch; transactions will be rejected", "config", want, "node", got)
	}
}

func runHeadless(ctx context.Context, runner *orchestrator.Runner, req types.StartRunRequest, logger *slog.Logger) error {
	id, err := runner.Start(req)
	if err != nil {
		return err
	}
	logger.Info("headless run started", "run_id", id, "pattern", req.Pattern, "users", req.Users, "duration_sec", req.DurationSec)

	go func() {
		<-ctx.Done()
		if err := runner.Stop(); err != nil && !errors.Is(err, orchestrator.ErrNoActiveRun) {
			logger.Warn("stop failed", "error", err)
		}
	}()

	result, err := runner.Wait(context.Background())
	if err != nil {
		return err
	}
	printSummary(os.Stdout, result)
	if result.Status == types.StatusError {
		return fmt.Errorf("run %s failed: %s", result.ID, result.Error)
	}
	return nil
}

func serve(ctx context.Context, cfg *config.Config, runner *orchestrator.Runner, logger *slog.Logger) error {
	api := transport.NewServer(runner, logger, cfg.CORSAllowedOrigins)
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := runner.Stop(); err != nil && !errors.Is(err, orchestrator.ErrNoActiveRun) {
		logger.Warn("stop failed", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
