package monitor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/database"
)

func exitConfig() config.SmartExitConfig {
	return config.SmartExitConfig{
		Enabled:                 true,
		HighProfitTriggerPct:    3.0,
		HighProfitRetracePct:    0.5,
		MidProfitTriggerPct:     1.0,
		MidProfitRetracePct:     0.4,
		QuickCloseProfitPct:     1.0,
		QuickCloseAgeFraction:   0.6,
		BreakEvenPeakPct:        0.3,
		BreakEvenBandLowPct:     -0.5,
		BreakEvenBandHighPct:    0.2,
		ExtensionMinutes:        30,
		WatchdogIntervalSeconds: 10,
		UnrealizedFlushSeconds:  15,
	}
}

// longPosition opens a LONG at 100 with SL 98 / TP 103 and a 240 minute
// planned life.
func longPosition(openedAt time.Time) *database.Position {
	planned := openedAt.Add(240 * time.Minute)
	return &database.Position{
		ID:               "pos-1",
		Symbol:           "BTCUSDT",
		Side:             database.SideLong,
		Status:           database.PositionOpen,
		AvgEntryPrice:    decimal.NewFromInt(100),
		Quantity:         decimal.NewFromInt(1),
		StopLossPrice:    decimal.NewFromInt(98),
		TakeProfitPrice:  decimal.NewFromInt(103),
		EntrySignalTime:  openedAt,
		OpenTime:         &openedAt,
		PlannedCloseTime: &planned,
	}
}

const minHold = 30 * time.Minute

func TestExitTakeProfit(t *testing.T) {
	open := time.Now()
	p := longPosition(open)

	d := evaluateExit(p, decimal.NewFromFloat(103.5), 3.5, 3.5, open.Add(5*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, database.CloseReasonTakeProfit, d.Reason)

	// exact touch counts as a cross
	d = evaluateExit(p, decimal.NewFromInt(103), 3.0, 3.0, open.Add(5*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonTakeProfit, d.Reason)
}

func TestExitTakeProfitBeatsStopLoss(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	// degenerate bands where one tick satisfies both rules
	p.StopLossPrice = decimal.NewFromInt(106)

	d := evaluateExit(p, decimal.NewFromInt(105), 5.0, 5.0, open.Add(time.Hour), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonTakeProfit, d.Reason)
}

func TestExitStopLossRespectsMinHolding(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	price := decimal.NewFromFloat(97.5)

	d := evaluateExit(p, price, -2.5, 0, open.Add(10*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, ActionHold, d.Action, "stop loss must wait out the minimum holding period")

	d = evaluateExit(p, price, -2.5, 0, open.Add(31*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonStopLoss, d.Reason)
}

func TestExitHighProfitTrailing(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	at := open.Add(time.Hour)

	d := evaluateExit(p, decimal.NewFromFloat(102.6), 2.6, 3.2, at, false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonHighProfitTrailing, d.Reason)

	// retrace below the trigger holds
	d = evaluateExit(p, decimal.NewFromFloat(102.9), 2.9, 3.2, at, false, minHold, exitConfig())
	assert.Equal(t, ActionHold, d.Action)
}

func TestExitMidProfitTrailing(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	at := open.Add(time.Hour)

	d := evaluateExit(p, decimal.NewFromFloat(101.05), 1.05, 1.5, at, false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonMidProfitTrailing, d.Reason)

	d = evaluateExit(p, decimal.NewFromFloat(101.2), 1.2, 1.5, at, false, minHold, exitConfig())
	assert.Equal(t, ActionHold, d.Action)

	// a peak in the high band routes to the high rule, not the mid rule
	d = evaluateExit(p, decimal.NewFromFloat(101.05), 1.05, 3.0, at, false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonHighProfitTrailing, d.Reason)
}

func TestExitQuickClose(t *testing.T) {
	open := time.Now()
	p := longPosition(open)

	// 62.5% of the planned life with >=1% profit
	d := evaluateExit(p, decimal.NewFromFloat(101.2), 1.2, 1.2, open.Add(150*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonQuickClose, d.Reason)

	// same profit at 50% of the planned life holds
	d = evaluateExit(p, decimal.NewFromFloat(101.2), 1.2, 1.2, open.Add(120*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, ActionHold, d.Action)
}

func TestExitStagedTimeouts(t *testing.T) {
	open := time.Now()

	cases := []struct {
		name   string
		pct    float64
		age    time.Duration
		reason string
		hold   bool
	}{
		{"loss deep enough at 1.5h", -2.6, 90 * time.Minute, database.CloseReasonStagedTimeout1h, false},
		{"loss too shallow at 1.5h", -2.3, 90 * time.Minute, "", true},
		{"2h stage", -2.1, 150 * time.Minute, database.CloseReasonStagedTimeout2h, false},
		{"3h stage", -1.6, 200 * time.Minute, database.CloseReasonStagedTimeout3h, false},
		{"old position matches its own stage", -1.2, 270 * time.Minute, database.CloseReasonStagedTimeout4h, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := longPosition(open)
			// widen the stop so the staged rule is what fires
			p.StopLossPrice = decimal.NewFromInt(90)
			price := decimal.NewFromFloat(100 * (1 + tc.pct/100))

			d := evaluateExit(p, price, tc.pct, 0, open.Add(tc.age), true, minHold, exitConfig())
			if tc.hold {
				assert.Equal(t, ActionHold, d.Action)
			} else {
				assert.Equal(t, tc.reason, d.Reason)
			}
		})
	}
}

func TestExitBreakEvenAtPlannedClose(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	at := open.Add(240 * time.Minute)

	// saw profit, now flat: take the scratch
	d := evaluateExit(p, decimal.NewFromFloat(100.1), 0.1, 0.5, at, false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonBreakEven, d.Reason)

	// outside the band: extend instead
	d = evaluateExit(p, decimal.NewFromFloat(100.3), 0.3, 0.5, at, false, minHold, exitConfig())
	assert.Equal(t, ActionExtend, d.Action)

	// never saw profit: extend instead
	d = evaluateExit(p, decimal.NewFromFloat(100.0), 0.0, 0.2, at, false, minHold, exitConfig())
	assert.Equal(t, ActionExtend, d.Action)
}

func TestExitExtendOnceThenTimeout(t *testing.T) {
	open := time.Now()
	p := longPosition(open)
	at := open.Add(240 * time.Minute)
	price := decimal.NewFromFloat(99.7)

	d := evaluateExit(p, price, -0.3, 0, at, false, minHold, exitConfig())
	assert.Equal(t, ActionExtend, d.Action)

	d = evaluateExit(p, price, -0.3, 0, at, true, minHold, exitConfig())
	assert.Equal(t, ActionClose, d.Action)
	assert.Equal(t, database.CloseReasonPlannedTimeout, d.Reason)
}

func TestExitHoldsInsideBands(t *testing.T) {
	open := time.Now()
	p := longPosition(open)

	d := evaluateExit(p, decimal.NewFromInt(101), 1.0, 1.0, open.Add(10*time.Minute), false, minHold, exitConfig())
	assert.Equal(t, ActionHold, d.Action)
}

func TestExitShortSideBands(t *testing.T) {
	open := time.Now()
	planned := open.Add(180 * time.Minute)
	p := &database.Position{
		ID:               "pos-2",
		Symbol:           "BTCUSD_PERP",
		Side:             database.SideShort,
		Status:           database.PositionOpen,
		AvgEntryPrice:    decimal.NewFromInt(100),
		Quantity:         decimal.NewFromInt(10),
		StopLossPrice:    decimal.NewFromInt(102),
		TakeProfitPrice:  decimal.NewFromInt(97),
		EntrySignalTime:  open,
		OpenTime:         &open,
		PlannedCloseTime: &planned,
	}

	d := evaluateExit(p, decimal.NewFromFloat(96.8), 3.2, 3.2, open.Add(time.Hour), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonTakeProfit, d.Reason)

	d = evaluateExit(p, decimal.NewFromFloat(102.5), -2.5, 0, open.Add(time.Hour), false, minHold, exitConfig())
	assert.Equal(t, database.CloseReasonStopLoss, d.Reason)
}
