// optimize-preview prints per-symbol trade statistics over a lookback window
// and the mutations the next optimizer run would propose, without touching
// the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/optimizer"
)

type symbolStats struct {
	symbol string
	trades int
	wins   int
	pnl    float64
}

func main() {
	days := flag.Int("days", 7, "lookback window in days")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fatal("load configuration: %v", err)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: 2,
	})
	if err != nil {
		fatal("connect: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -*days)
	closed, err := repo.GetClosedSince(ctx, cutoff)
	if err != nil {
		fatal("load closed positions: %v", err)
	}

	printStats(closed, *days)

	plan, err := buildPlan(ctx, repo, closed, cfg.AdaptiveConfig, now)
	if err != nil {
		fatal("build plan: %v", err)
	}
	printPlan(plan)
}

func buildPlan(ctx context.Context, repo *database.Repository, closed []*database.Position,
	defaults config.AdaptiveConfig, now time.Time) (*optimizer.Plan, error) {

	weights, err := repo.GetActiveScoringWeights(ctx)
	if err != nil {
		return nil, err
	}
	risk, err := repo.GetActiveSymbolRiskParams(ctx)
	if err != nil {
		return nil, err
	}
	ratings, err := repo.GetSymbolRatings(ctx)
	if err != nil {
		return nil, err
	}
	trading, err := repo.GetTradingBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	signals, err := repo.GetSignalBlacklist(ctx)
	if err != nil {
		return nil, err
	}

	tradingBlocked := make(map[string]bool, len(trading))
	for _, e := range trading {
		tradingBlocked[e.Symbol] = true
	}
	signalBlocked := make(map[string]bool, len(signals))
	for _, e := range signals {
		signalBlocked[e.Pattern+"|"+e.Side] = true
	}

	return optimizer.BuildPlan(optimizer.Inputs{
		Closed:         closed,
		Weights:        weights,
		Risk:           risk,
		Ratings:        ratings,
		TradingBlocked: tradingBlocked,
		SignalBlocked:  signalBlocked,
		Defaults:       defaults,
		Now:            now,
	}), nil
}

func printStats(closed []*database.Position, days int) {
	bySymbol := make(map[string]*symbolStats)
	for _, p := range closed {
		if p.RealizedPnL == nil {
			continue
		}
		if p.CloseReason != nil && *p.CloseReason == database.CloseReasonEntryFailed {
			continue
		}
		ss := bySymbol[p.Symbol]
		if ss == nil {
			ss = &symbolStats{symbol: p.Symbol}
			bySymbol[p.Symbol] = ss
		}
		pnl, _ := p.RealizedPnL.Float64()
		ss.trades++
		ss.pnl += pnl
		if pnl > 0 {
			ss.wins++
		}
	}

	stats := make([]*symbolStats, 0, len(bySymbol))
	for _, ss := range bySymbol {
		stats = append(stats, ss)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].pnl > stats[j].pnl })

	fmt.Printf("Closed trades, last %d days: %d symbols\n\n", days, len(stats))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTRADES\tWINS\tWIN%\tPNL")
	for _, ss := range stats {
		winRate := 0.0
		if ss.trades > 0 {
			winRate = float64(ss.wins) / float64(ss.trades) * 100
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f\t%.4f\n", ss.symbol, ss.trades, ss.wins, winRate, ss.pnl)
	}
	w.Flush()
}

func printPlan(plan *optimizer.Plan) {
	fmt.Println()
	if plan.Empty() {
		fmt.Println("No mutations proposed.")
		return
	}

	fmt.Printf("Proposed mutations: %d\n\n", len(plan.History))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tTARGET\tPARAM\tOLD\tNEW\tREASON")
	for _, rec := range plan.History {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Type, rec.Target, rec.Param, rec.OldValue, rec.NewValue, rec.Reason)
	}
	w.Flush()
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
