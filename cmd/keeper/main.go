package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/perpkeeper/config"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/notify"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/storage"
	"github.com/alejandrodnm/perpkeeper/internal/application/scheduler"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print the periodic status as a full table (default: compact 1-line)")
	dryRun := flag.Bool("dry-run", false, "index every market once, print the status and exit without sending transactions")
	report := flag.Bool("report", false, "print recent journaled actions and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *report {
		runReport(ctx, cfg.Storage.DSN)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	slog.Info("perpkeeper starting",
		"config", *configPath,
		"markets", len(cfg.Markets),
		"signers", len(cfg.Signers.PrivateKeys),
		"dry_run", *dryRun,
	)

	client, err := onchain.Dial(ctx, onchain.ClientConfig{
		RPCURL:            cfg.Network.RPCURL,
		WSURL:             cfg.Network.WSURL,
		ChainID:           cfg.Network.ChainID,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		ReceiptTimeout:    cfg.ReceiptTimeout(),
		PollInterval:      cfg.PollInterval(),
	}, slog.Default())
	if err != nil {
		slog.Error("failed to connect to chain", "err", err, "rpc", cfg.Network.RPCURL)
		os.Exit(1)
	}
	defer client.Close()

	notifier := notify.NewConsole(*table || *dryRun)

	if *dryRun {
		runDryRun(ctx, cfg, client, notifier)
		return
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open journal", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer journal.Close()

	pool, err := buildPool(ctx, cfg, client, m)
	if err != nil {
		slog.Error("failed to build signer pool", "err", err)
		os.Exit(1)
	}

	units, err := buildKeepers(cfg, client, wiring{pool: pool, journal: journal, metrics: m})
	if err != nil {
		slog.Error("failed to build keepers", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(registry), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, u := range units {
		sched := scheduler.New(u.keeper, client, u.fetcher, u.market, scheduler.Config{
			RunEveryXBlocks: cfg.Scheduler.RunEveryXBlocks,
			FromBlock:       u.fromBlock,
			RestartBackoff:  cfg.RestartBackoff(),
		}, m, slog.Default())
		g.Go(func() error { return sched.Run(gctx) })
	}

	g.Go(func() error {
		reportStatus(gctx, units, notifier, cfg.StatusInterval())
		return nil
	})

	slog.Info("keepers running, press Ctrl+C to exit", "keepers", len(units))

	if err := g.Wait(); err != nil {
		slog.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("perpkeeper stopped cleanly")
}

func metricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// reportStatus prints every keeper's status on each tick until ctx ends.
func reportStatus(ctx context.Context, units []unit, notifier *notify.Console, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := notifier.NotifyStatus(ctx, statuses(units)); err != nil {
				slog.Warn("notifier error", "err", err)
			}
		}
	}
}

// runDryRun indexes every keeper once without a signer pool and prints the result.
func runDryRun(ctx context.Context, cfg *config.Config, client *onchain.Client, notifier *notify.Console) {
	slog.Info("=== DRY RUN: index only, no transactions ===")

	units, err := buildKeepers(cfg, client, wiring{})
	if err != nil {
		slog.Error("failed to build keepers", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			tip, err := u.keeper.Index(gctx, u.fromBlock)
			if err != nil {
				slog.Error("dry run: index failed", "market", u.keeper.MarketName(), "keeper", u.keeper.Kind(), "err", err)
				return nil
			}
			slog.Info("dry run: indexed", "market", u.keeper.MarketName(), "keeper", u.keeper.Kind(), "tip", tip)
			return nil
		})
	}
	_ = g.Wait()

	if err := notifier.NotifyStatus(ctx, statuses(units)); err != nil {
		slog.Warn("notifier error", "err", err)
	}
}

func statuses(units []unit) []domain.KeeperStatus {
	out := make([]domain.KeeperStatus, len(units))
	for i, u := range units {
		out[i] = u.keeper.Status()
	}
	return out
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
