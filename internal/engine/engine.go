// Package engine assembles one trading instance per account: exchange
// client, entry executor, exit monitors, supervisor, and scanner wired
// around the shared database, cache, and config snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/admission"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/circuit"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/configstore"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/entry"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/exchange"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/market"
	"futures-trading-engine/internal/monitor"
	"futures-trading-engine/internal/notification"
	"futures-trading-engine/internal/position"
	"futures-trading-engine/internal/scanner"
	"futures-trading-engine/internal/scoring"
	"futures-trading-engine/internal/tracker"
	"futures-trading-engine/internal/vault"
)

// ErrSupervisorCrashed reports a supervisor loop that ended with an error.
var ErrSupervisorCrashed = errors.New("engine: supervisor crashed")

// Deps are the process-wide components every instance shares.
type Deps struct {
	Config   *config.Config
	Repo     *database.Repository
	Cache    *cache.Cache
	Vault    *vault.Client
	Configs  *configstore.Store
	Regimes  *market.Classifier
	Notifier *notification.Manager
	Bus      *events.Bus
	Clock    clock.Clock
	OrderLog zerolog.Logger
}

// Instance is one running engine: a linear or inverse account with its own
// exchange client, monitors, and scan loop.
type Instance struct {
	account    config.AccountConfig
	client     exchange.Client
	stream     *exchange.MarkPriceStream
	store      *position.Store
	breaker    *circuit.Breaker
	manager    *monitor.Manager
	supervisor *monitor.Supervisor
	scanner    *scanner.Scanner
	log        *logging.Logger
}

// NewInstance wires one account. Credentials come from Vault when enabled,
// otherwise from the exchange config.
func NewInstance(ctx context.Context, deps Deps, account config.AccountConfig) (*Instance, error) {
	cfg := deps.Config
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	apiKey, secretKey := cfg.ExchangeConfig.APIKey, cfg.ExchangeConfig.SecretKey
	if cfg.ExchangeConfig.UseVault {
		creds, err := deps.Vault.GetCredentials(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("engine: credentials for %s: %w", account.ID, err)
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
	}

	baseURL := cfg.ExchangeConfig.BaseURL
	if account.TradingType == config.TradingInverse && cfg.ExchangeConfig.InverseURL != "" {
		baseURL = cfg.ExchangeConfig.InverseURL
	}
	timeout := time.Duration(cfg.ExchangeConfig.TimeoutSecond) * time.Second
	var client exchange.Client = exchange.NewHTTPClient(baseURL, apiKey, secretKey, string(account.TradingType), timeout)
	if cfg.DryRun {
		client = exchange.NewDryRunClient(client)
	}
	stream := exchange.NewMarkPriceStream(cfg.ExchangeConfig.WSBaseURL, account.Symbols)

	if err := deps.Repo.EnsureAccount(ctx, account.ID, decimal.Zero); err != nil {
		return nil, fmt.Errorf("engine: ensure account %s: %w", account.ID, err)
	}

	pricer := position.PricerFor(string(account.TradingType))
	store := position.NewStore(deps.Repo, pricer, clk, deps.Bus)
	trk := tracker.NewOrderTracker(deps.Repo, deps.OrderLog, account.ID)

	breaker := circuit.New(account.ID, cfg.CircuitConfig, clk, deps.Bus, deps.Notifier)
	breaker.Bind(deps.Bus)

	filter := admission.NewFilter(deps.Repo, clk).WithHalter(breaker)
	executor := entry.NewExecutor(client, stream, store, trk, clk, deps.Bus, deps.Notifier,
		cfg.BatchEntryConfig, cfg.AdaptiveConfig)
	manager := monitor.NewManager(account.ID, store, client, stream, trk, deps.Notifier, clk,
		cfg.SmartExitConfig, cfg.AdaptiveConfig)

	entryWindow := time.Duration(cfg.BatchEntryConfig.TimeWindowMinutes) * time.Minute
	extension := time.Duration(cfg.SmartExitConfig.ExtensionMinutes) * time.Minute
	supervisor := monitor.NewSupervisor(account.ID, deps.Repo, manager, store,
		deps.Notifier, deps.Bus, clk, entryWindow, extension)

	reader := market.NewReader(client, deps.Cache)
	scan := scanner.New(account, cfg.ScannerConfig, cfg.AdaptiveConfig,
		reader, scoring.NewScorer(), filter, executor, deps.Configs, deps.Regimes, clk, deps.Bus)

	return &Instance{
		account:    account,
		client:     client,
		stream:     stream,
		store:      store,
		breaker:    breaker,
		manager:    manager,
		supervisor: supervisor,
		scanner:    scan,
		log:        logging.WithComponent("engine").WithField("account", account.ID),
	}, nil
}

// Run blocks until the context ends or a fatal component error. A scanner
// failure surfaces as scanner.ErrScanFailed; a supervisor crash wraps
// ErrSupervisorCrashed.
func (in *Instance) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := in.stream.Start(ctx); err != nil {
		in.log.Warn("Mark price stream did not start; monitors fall back to REST",
			"error", err.Error())
	}
	defer in.stream.Stop()

	in.applyLeverage(ctx)

	in.log.Info("Engine instance started",
		"trading_type", string(in.account.TradingType), "symbols", len(in.account.Symbols))

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := in.supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%w: %v", ErrSupervisorCrashed, err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := in.scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	wg.Wait()
	in.manager.StopAll()

	in.log.Info("Engine instance stopped")
	return runErr
}

// AccountID returns the instance's account id.
func (in *Instance) AccountID() string {
	return in.account.ID
}

// Status reports the instance internals for the status API.
func (in *Instance) Status() map[string]interface{} {
	lastScan, opportunities, inFlight := in.scanner.Status()
	return map[string]interface{}{
		"account":       in.account.ID,
		"trading_type":  string(in.account.TradingType),
		"symbols":       len(in.account.Symbols),
		"last_scan":     lastScan,
		"opportunities": opportunities,
		"entries_open":  inFlight,
		"monitors":      in.manager.Active(),
		"restarts":      in.supervisor.Restarts(),
		"circuit":       in.breaker.Stats(),
	}
}

// applyLeverage sets the configured leverage on every symbol, best effort.
func (in *Instance) applyLeverage(ctx context.Context) {
	if in.account.Leverage <= 0 {
		return
	}
	for _, symbol := range in.account.Symbols {
		if err := in.client.SetLeverage(ctx, symbol, in.account.Leverage); err != nil {
			in.log.Warn("Failed to set leverage", "symbol", symbol, "error", err.Error())
		}
	}
}
