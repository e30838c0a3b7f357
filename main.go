package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/api"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/optimizer"
	"futures-trading-engine/internal/scanner"
	"futures-trading-engine/internal/scoring"
	"futures-trading-engine/internal/vault"
)

// Exit codes: 0 clean shutdown, 1 scanner fatal, 2 supervisor crash.
const (
	exitOK         = 0
	exitScanFailed = 1
	exitSupervisor = 2
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitScanFailed
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	}))
	log := logging.WithComponent("main")
	if cfg.DryRun {
		log.Warn("Dry-run mode enabled, orders are simulated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: cfg.DatabaseConfig.MaxConns,
	})
	if err != nil {
		log.Error("Database connection failed", "error", err.Error())
		return exitScanFailed
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		log.Error("Migrations failed", "error", err.Error())
		return exitScanFailed
	}
	repo := database.NewRepository(db)
	if err := repo.SeedScoringWeights(ctx, scoring.Catalog(), scoring.DefaultWeight); err != nil {
		log.Error("Seeding scoring weights failed", "error", err.Error())
		return exitScanFailed
	}

	// Redis cache, optional
	var redisCache *cache.Cache
	if cfg.RedisConfig.Enabled {
		redisCache, err = cache.New(cfg.RedisConfig)
		if err != nil {
			log.Warn("Redis unavailable, running without cache", "error", err.Error())
			redisCache = nil
		}
	}

	// Vault credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Error("Vault client failed", "error", err.Error())
		return exitScanFailed
	}

	// Notifications
	notifier := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
		}))
	}

	bus := events.NewBus()

	// Config snapshot store
	configs := configstore.New(repo)
	for _, acct := range cfg.Accounts {
		configs.Track(acct.ID, string(acct.TradingType))
	}
	if !cfg.TradingEnabled {
		log.Warn("Trading disabled by configuration, flipping the database kill switch")
		for _, acct := range cfg.Accounts {
			if err := repo.SetTradingControl(ctx, acct.ID, string(acct.TradingType), false); err != nil {
				log.Error("Failed to disable trading control", "account", acct.ID, "error", err.Error())
				return exitScanFailed
			}
		}
	}
	if err := configs.Reload(ctx); err != nil {
		log.Error("Initial config snapshot failed", "error", err.Error())
		return exitScanFailed
	}
	go configs.Run(ctx, time.Minute)

	// Market regime, computed off public endpoints
	timeout := time.Duration(cfg.ExchangeConfig.TimeoutSecond) * time.Second
	regimeClient := exchange.NewHTTPClient(cfg.ExchangeConfig.BaseURL, "", "", exchange.MarketLinear, timeout)
	regimes := market.NewClassifier(regimeClient, repo, redisCache, bus)
	go regimes.Run(ctx)

	// Daily optimizer
	diffDir := os.Getenv("OPTIMIZER_DIFF_DIR")
	if diffDir == "" {
		diffDir = "."
	}
	opt := optimizer.New(repo, configs, notifier, bus, nil,
		cfg.OptimizerConfig, cfg.AdaptiveConfig, diffDir)
	go func() {
		if err := opt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Optimizer stopped", "error", err.Error())
		}
	}()

	// One engine instance per account
	deps := engine.Deps{
		Config:   cfg,
		Repo:     repo,
		Cache:    redisCache,
		Vault:    vaultClient,
		Configs:  configs,
		Regimes:  regimes,
		Notifier: notifier,
		Bus:      bus,
		OrderLog: zerolog.New(os.Stdout).With().Timestamp().Logger(),
	}

	instances := make([]*engine.Instance, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		in, err := engine.NewInstance(ctx, deps, acct)
		if err != nil {
			log.Error("Engine instance setup failed", "account", acct.ID, "error", err.Error())
			return exitScanFailed
		}
		instances = append(instances, in)
	}

	// Status server
	if cfg.StatusServerConfig.Enabled {
		server := api.NewServer(cfg.StatusServerConfig, repo, instances, regimes)
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error("Status server stopped", "error", err.Error())
			}
		}()
	}

	// Run instances; the first fatal error brings the process down.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(instances))
	var wg sync.WaitGroup
	for _, in := range instances {
		wg.Add(1)
		go func(in *engine.Instance) {
			defer wg.Done()
			if err := in.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Engine instance failed", "account", in.AccountID(), "error", err.Error())
				errCh <- err
			}
		}(in)
	}

	log.Info("All engine instances running", "instances", len(instances))

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		switch {
		case errors.Is(err, scanner.ErrScanFailed):
			code = exitScanFailed
		case errors.Is(err, engine.ErrSupervisorCrashed):
			code = exitSupervisor
		default:
			code = exitSupervisor
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warn("Shutdown grace period elapsed")
	}

	log.Info("Engine stopped", "exit_code", code)
	return code
}
