package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursemarket/config"
	"coursemarket/core/events"
	"coursemarket/core/state"
	"coursemarket/integrations/sink"
	"coursemarket/native/certify"
	nativecommon "coursemarket/native/common"
	"coursemarket/native/market"
	"coursemarket/observability/logging"
	"coursemarket/observability/metrics"
	"coursemarket/rpc"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup("coursemarketd", cfg.Environment, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	store := state.NewMemory()

	recorder, err := sink.Open(cfg.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	emitter := events.Multi(recorder, metrics.Market())

	registry := certify.NewRegistry(store)
	registry.SetEmitter(emitter)

	engine := market.NewEngine()
	engine.SetState(store)
	engine.SetTokens(store)
	engine.SetAuthority(registry)
	engine.SetPauses(nativecommon.NewPauses())
	engine.SetEmitter(emitter)

	if err := engine.SetFeeConfig(cfg.FeeConfig()); err != nil {
		return err
	}
	params, err := cfg.MarketParams()
	if err != nil {
		return err
	}
	if err := engine.SetParams(params); err != nil {
		return err
	}
	for _, wire := range []struct {
		value string
		set   func([20]byte)
	}{
		{cfg.AdminAddress, func(a [20]byte) { engine.SetAdmin(a); registry.SetAdmin(a) }},
		{cfg.EscrowAddress, engine.SetEscrowAccount},
		{cfg.PlatformAddress, engine.SetPlatformAccount},
	} {
		if wire.value == "" {
			continue
		}
		addr, err := config.ParseAddress(wire.value)
		if err != nil {
			return err
		}
		wire.set(addr)
	}

	server := rpc.NewServer(engine, registry, logger,
		rpc.WithJWTSecret(cfg.JWTSecret),
		rpc.WithRateLimit(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
	)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
