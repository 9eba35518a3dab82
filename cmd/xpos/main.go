// Command xpos runs the checkout line of one store: the desks and their
// devices on an event bus, the express coordinator, inventory accounting on
// a SQL database and the cashier console over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trickstertwo/xpos"
	_ "github.com/trickstertwo/xpos/adapter/memory"
	_ "github.com/trickstertwo/xpos/adapter/redisstream"
	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/config"
	"github.com/trickstertwo/xpos/coordinator"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/httpapi"
	"github.com/trickstertwo/xpos/inventory"
	"github.com/trickstertwo/xpos/lane"
	"github.com/trickstertwo/xpos/metrics"
	"github.com/trickstertwo/xpos/persist"
)

func main() {
	path := flag.String("config", os.Getenv("XPOS_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		xlog.Default().Error().Err(err).Msg("load configuration")
		os.Exit(2)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error().Err(err).Msg("xpos stopped")
		os.Exit(1)
	}
	logger.Info().Msg("xpos stopped")
}

func newLogger(c config.Log) *xlog.Logger {
	zc := zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339,
		Caller:            true,
		CallerSkip:        5,
	}
	switch strings.ToLower(c.Level) {
	case "debug":
		zc.MinLevel = xlog.LevelDebug
	case "warn":
		zc.MinLevel = xlog.LevelWarn
	case "error":
		zc.MinLevel = xlog.LevelError
	}
	return zerolog.Use(zc).With(xlog.Str("app", "xpos"))
}

// run blocks until ctx is done or a component fails. ready, when not nil,
// receives the bound HTTP address once the line is serving.
func run(ctx context.Context, cfg config.Config, logger *xlog.Logger, ready chan<- string) error {
	clock := xclock.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus, err := xpos.NewBusBuilder().
		WithTransport(cfg.Transport.Name, cfg.Transport.Options).
		WithLogger(logger).
		WithClock(clock).
		WithAckTimeout(cfg.Bus.AckTimeout).
		WithObserverPool(cfg.Bus.ObserverWorkers, cfg.Bus.ObserverBuffer).
		WithObserver(m, xpos.LoggingObserver{Logger: logger}).
		WithMiddleware(
			xpos.LoggingMiddleware(logger),
			xpos.RetryMiddleware(xpos.RetryConfig{
				MaxAttempts: cfg.Bus.RetryAttempts,
				Backoff:     func(attempt int) time.Duration { return cfg.Bus.RetryBackoff << (attempt - 1) },
				RetryIf:     inventory.Retryable,
				Jitter:      cfg.Bus.RetryBackoff / 2,
			}),
			xpos.TimeoutMiddleware(cfg.Bus.HandlerTimeout),
		).
		Build()
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("close bus")
		}
	}()

	dbCfg := cfg.Database
	dbCfg.Logger = logger
	db, err := persist.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	inv := inventory.NewStore(db, cfg.Store.ID, inventory.WithClock(clock))
	if err := inv.Migrate(ctx); err != nil {
		return err
	}
	if err := inv.Seed(ctx, cfg.Products); err != nil {
		return err
	}

	accounts := make([]bank.Account, 0, len(cfg.Bank.Accounts))
	for _, a := range cfg.Bank.Accounts {
		accounts = append(accounts, bank.Account{CardInfo: a.Card, PIN: a.PIN, Balance: a.Balance})
	}
	policy, err := dispatch.ParsePolicy(cfg.Dispatch.FailurePolicy)
	if err != nil {
		return err
	}

	line, err := lane.NewLine(lane.Config{
		StoreID:     cfg.Store.ID,
		Desks:       cfg.Store.Desks,
		ItemLimit:   cfg.Store.ItemLimit,
		Coordinator: coordinator.Config{Window: cfg.Coordinator.Window, Ratio: cfg.Coordinator.Ratio},
		Bus:         bus,
		Bank:        bank.NewStub(accounts...),
		Inventory:   inv,
		Policy:      policy,
		Logger:      logger,
		OnReject:    m.Rejected,
	})
	if err != nil {
		return err
	}
	if err := line.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = line.Close() }()

	h := httpapi.NewHandler(httpapi.Deps{
		Line:      line,
		Health:    bus,
		DB:        db,
		Inventory: inv,
		Gatherer:  reg,
		Logger:    logger,
	})
	srv := &http.Server{
		Handler:      httpapi.NewRouter(h),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Str("transport", cfg.Transport.Name).Msg("xpos serving")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if ready != nil {
		ready <- ln.Addr().String()
	}
	return g.Wait()
}
