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
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ckbpop/config"
	"ckbpop/lifecycle"
	"ckbpop/observability/logging"
	"ckbpop/recon"
	"ckbpop/rpc"
	"ckbpop/server"
	"ckbpop/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "popd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.Setup("popd", cfg.Environment, cfg.LogLevel)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	client := rpc.NewClient(cfg.NodeRPCURL, cfg.RPCTimeout.Duration())
	svc := lifecycle.NewService(store, client, logger)

	reconciler := recon.New(recon.Config{
		Store:           store,
		Ledger:          client,
		BadgeCodeHash:   cfg.BadgeCodeHash,
		AddressPrefix:   cfg.AddressPrefix(),
		SweepInterval:   cfg.SweepInterval.Duration(),
		ReplayRetention: cfg.ReplayRetention.Duration(),
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Rebuild badge history from the chain in the background; the API can
	// serve while the scan runs.
	go func() {
		if _, err := reconciler.Rehydrate(ctx); err != nil {
			logger.Warn("chain rehydration failed", slog.Any("error", err))
		}
	}()
	go reconciler.Run(ctx)

	api := server.New(server.Config{
		Service:         svc,
		Store:           store,
		Ledger:          client,
		Logger:          logger,
		QRRatePerSecond: cfg.QRRatePerSecond,
		QRRateBurst:     cfg.QRRateBurst,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(api.Handler(), "popd"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()
	logger.Info("popd listening",
		slog.String("addr", cfg.ListenAddress),
		slog.String("network", cfg.Network),
		slog.String("node", cfg.NodeRPCURL))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", slog.Any("error", err))
	}
	return nil
}
