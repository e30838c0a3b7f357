package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/clock"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/notification"
)

// Repository is the persistence slice the optimizer reads and mutates.
// Mutations run inside the advisory-locked transaction.
type Repository interface {
	GetClosedSince(ctx context.Context, cutoff time.Time) ([]*database.Position, error)
	GetActiveScoringWeights(ctx context.Context) ([]*database.ScoringWeight, error)
	GetActiveSymbolRiskParams(ctx context.Context) ([]*database.SymbolRiskParams, error)
	GetSymbolRatings(ctx context.Context) ([]*database.SymbolRating, error)
	GetTradingBlacklist(ctx context.Context) ([]*database.TradingBlacklistEntry, error)
	GetSignalBlacklist(ctx context.Context) ([]*database.SignalBlacklistEntry, error)
	WithOptimizationLock(ctx context.Context, fn func(tx pgx.Tx) error) error
	UpdateWeightTx(ctx context.Context, tx pgx.Tx, w *database.ScoringWeight) error
	UpsertRiskParamsTx(ctx context.Context, tx pgx.Tx, p *database.SymbolRiskParams) error
	UpsertRatingTx(ctx context.Context, tx pgx.Tx, rt *database.SymbolRating) error
	AddTradingBlacklistTx(ctx context.Context, tx pgx.Tx, symbol, reason string) error
	AddSignalBlacklistTx(ctx context.Context, tx pgx.Tx, pattern, side, reason string) error
	AppendHistoryTx(ctx context.Context, tx pgx.Tx, rec *database.OptimizationRecord) error
}

// Reloader refreshes the in-memory config snapshot after a committed run.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Optimizer runs the daily adjustment cycle.
type Optimizer struct {
	repo     Repository
	reloader Reloader
	notifier *notification.Manager
	bus      *events.Bus
	clock    clock.Clock
	cfg      config.OptimizerConfig
	defaults config.AdaptiveConfig
	diffDir  string
	log      *logging.Logger
}

// New builds the optimizer. reloader, notifier, and bus may be nil.
func New(repo Repository, reloader Reloader, notifier *notification.Manager, bus *events.Bus,
	clk clock.Clock, cfg config.OptimizerConfig, defaults config.AdaptiveConfig, diffDir string) *Optimizer {

	if clk == nil {
		clk = clock.Real{}
	}
	return &Optimizer{
		repo:     repo,
		reloader: reloader,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		defaults: defaults,
		diffDir:  diffDir,
		log:      logging.WithComponent("optimizer"),
	}
}

// Run schedules RunOnce at the configured wall-clock time until the context
// ends.
func (o *Optimizer) Run(ctx context.Context) error {
	if !o.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		next := nextRunTime(o.clock.Now(), o.cfg.RunAt)
		o.log.Info("Next optimization scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(o.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := o.RunOnce(ctx); err != nil {
			o.log.Error("Optimization run failed", "error", err.Error())
		}
	}
}

// nextRunTime returns the next occurrence of the "HH:MM" UTC wall time
// strictly after now. A malformed schedule falls back to 04:00.
func nextRunTime(now time.Time, runAt string) time.Time {
	var hour, minute int
	if _, err := fmt.Sscanf(runAt, "%d:%d", &hour, &minute); err != nil || hour > 23 || minute > 59 {
		hour, minute = 4, 0
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunOnce executes one full optimization cycle and returns the applied plan.
func (o *Optimizer) RunOnce(ctx context.Context) (*Plan, error) {
	now := o.clock.Now()
	lookback := o.cfg.LookbackDays
	if lookback <= 0 {
		lookback = 7
	}
	cutoff := now.Add(-time.Duration(lookback) * 24 * time.Hour)

	in, err := o.loadInputs(ctx, cutoff, now)
	if err != nil {
		return nil, err
	}
	plan := BuildPlan(*in)
	if plan.Empty() {
		o.log.Info("Optimization proposed no changes", "closed_trades", len(in.Closed))
		return plan, nil
	}

	if o.cfg.DryRun {
		path, err := o.writeDiff(plan, now)
		if err != nil {
			return nil, err
		}
		o.log.Info("Dry run wrote diff without applying",
			"changes", len(plan.History), "diff", path)
		return plan, nil
	}

	if err := o.apply(ctx, plan); err != nil {
		return nil, err
	}

	if o.reloader != nil {
		if err := o.reloader.Reload(ctx); err != nil {
			o.log.Error("Config snapshot reload failed after optimization", "error", err.Error())
		}
	}

	summary := fmt.Sprintf("%d weights, %d risk params, %d ratings, %d symbol blocks, %d signal blocks",
		len(plan.Weights), len(plan.Risk), len(plan.Ratings),
		len(plan.TradingBlacklist), len(plan.SignalBlacklist))
	o.log.Info("Optimization applied",
		"closed_trades", len(in.Closed), "changes", len(plan.History), "summary", summary)
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type: events.EventOptimizerCompleted, Timestamp: now,
			Data: map[string]interface{}{"changes": len(plan.History), "summary": summary},
		})
	}
	if o.notifier != nil {
		o.notifier.SendOptimizerSummary("optimizer", summary)
	}
	return plan, nil
}

func (o *Optimizer) loadInputs(ctx context.Context, cutoff, now time.Time) (*Inputs, error) {
	closed, err := o.repo.GetClosedSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load closed positions: %w", err)
	}
	weights, err := o.repo.GetActiveScoringWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	risk, err := o.repo.GetActiveSymbolRiskParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load risk params: %w", err)
	}
	ratings, err := o.repo.GetSymbolRatings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ratings: %w", err)
	}
	trading, err := o.repo.GetTradingBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trading blacklist: %w", err)
	}
	signals, err := o.repo.GetSignalBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("load signal blacklist: %w", err)
	}

	tradingBlocked := make(map[string]bool, len(trading))
	for _, e := range trading {
		tradingBlocked[e.Symbol] = true
	}
	signalBlocked := make(map[string]bool, len(signals))
	for _, e := range signals {
		signalBlocked[e.Pattern+"|"+e.Side] = true
	}

	return &Inputs{
		Closed:         closed,
		Weights:        weights,
		Risk:           risk,
		Ratings:        ratings,
		TradingBlocked: tradingBlocked,
		SignalBlocked:  signalBlocked,
		Defaults:       o.defaults,
		Now:            now,
	}, nil
}

// apply commits the whole plan in one advisory-locked transaction, with a
// history row per mutation in the same commit.
func (o *Optimizer) apply(ctx context.Context, plan *Plan) error {
	return o.repo.WithOptimizationLock(ctx, func(tx pgx.Tx) error {
		for _, w := range plan.Weights {
			if err := o.repo.UpdateWeightTx(ctx, tx, w); err != nil {
				return fmt.Errorf("update weight %s: %w", w.ComponentName, err)
			}
		}
		for _, r := range plan.Risk {
			if err := o.repo.UpsertRiskParamsTx(ctx, tx, r); err != nil {
				return fmt.Errorf("upsert risk %s: %w", r.Symbol, err)
			}
		}
		for _, rt := range plan.Ratings {
			if err := o.repo.UpsertRatingTx(ctx, tx, rt); err != nil {
				return fmt.Errorf("upsert rating %s: %w", rt.Symbol, err)
			}
		}
		for _, e := range plan.TradingBlacklist {
			if err := o.repo.AddTradingBlacklistTx(ctx, tx, e.Symbol, e.Reason); err != nil {
				return fmt.Errorf("blacklist %s: %w", e.Symbol, err)
			}
		}
		for _, e := range plan.SignalBlacklist {
			if err := o.repo.AddSignalBlacklistTx(ctx, tx, e.Pattern, e.Side, e.Reason); err != nil {
				return fmt.Errorf("signal blacklist %s: %w", e.Pattern, err)
			}
		}
		for _, rec := range plan.History {
			if err := o.repo.AppendHistoryTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
		}
		return nil
	})
}

// writeDiff renders the proposed history rows as JSON next to the process,
// for review before a real run.
func (o *Optimizer) writeDiff(plan *Plan, now time.Time) (string, error) {
	data, err := json.MarshalIndent(plan.History, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("optimizer-diff-%s.json", now.UTC().Format("2006-01-02"))
	path := filepath.Join(o.diffDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write diff: %w", err)
	}
	return path, nil
}
