package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"autopress/internal/api"
	"autopress/internal/config"
	"autopress/internal/guard"
	"autopress/internal/ledger"
	"autopress/internal/lock"
	"autopress/internal/notify"
	"autopress/internal/provider"
	"autopress/internal/publish"
	"autopress/internal/store"
	"autopress/internal/strategy"
	"autopress/internal/systask"
	"autopress/internal/trigger"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "concurrent job executions (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *debug {
		cfg.Debug = true
	}

	pollInterval, err := config.Duration("poll_interval", cfg.PollInterval, trigger.DefaultInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	staleThreshold, err := config.Duration("stale_threshold", cfg.StaleThreshold, guard.DefaultStaleThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	lockTTL, err := config.Duration("lock_ttl", cfg.LockTTL, guard.DefaultLockTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	providerTimeout, err := config.Duration("provider.timeout", cfg.Provider.Timeout, 120*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	publishTimeout, err := config.Duration("publish.timeout", cfg.Publish.Timeout, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	notifyTimeout, err := config.Duration("notify.timeout", cfg.Notify.Timeout, 10*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLite(db)

	gen := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           providerTimeout,
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
	})
	publisher := publish.NewClient(publish.Config{
		BaseURL: cfg.Publish.BaseURL,
		APIKey:  cfg.Publish.APIKey,
		Timeout: publishTimeout,
	})
	var notifier notify.Notifier = notify.LogNotifier{Log: log.Logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(notify.WebhookConfig{URL: cfg.Notify.WebhookURL, Timeout: notifyTimeout}, log.Logger)
	}

	tasks := systask.NewRegistry(log.Logger)
	tasks.Register("prune_runs", systask.PruneRuns(repo))
	tasks.Register("usage_report", systask.UsageReport(gen, notifier))
	tasks.Register("requeue_overdue", systask.RequeueOverdue(repo))

	dispatcher := strategy.NewDispatcher(gen, publisher, tasks, log.Logger)
	ldg := ledger.New(repo, log.Logger)
	lk := lock.New(repo, log.Logger)
	g := guard.New(repo, ldg, lk, dispatcher, guard.Config{
		StaleThreshold: staleThreshold,
		LockTTL:        lockTTL,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	svc := trigger.New(repo, g, notifier, pollInterval, cfg.Workers, log.Logger)
	go svc.Run(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(repo, svc, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	svc.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
