// Package position owns position lifecycle persistence: create, fill,
// mark, and close, with per-position locking and account aggregation.
package position

import (
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/database"
)

// TakerFeeRate applies to every fill; entries and closes execute as taker.
var TakerFeeRate = decimal.RequireFromString("0.0004")

// Pricer isolates linear vs inverse contract arithmetic so entry and exit
// logic stays branch-free on the contract type.
type Pricer interface {
	// Quantity converts a target notional at a price into order quantity.
	Quantity(notional, price decimal.Decimal) decimal.Decimal
	// Notional is the position value for fee and margin computation.
	Notional(qty, price decimal.Decimal) decimal.Decimal
	// PnL computes realized profit between entry and close.
	PnL(qty, avgEntry, closePrice decimal.Decimal, side string) decimal.Decimal
	// ProfitPct is the unleveraged move in favor of the position, percent.
	ProfitPct(avgEntry, price decimal.Decimal, side string) float64
	// Fee is the taker fee for one fill.
	Fee(qty, price decimal.Decimal) decimal.Decimal
}

func sideSign(side string) decimal.Decimal {
	if side == database.SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// LinearPricer prices USDT-margined contracts: quantity in base coin,
// pnl = (close - entry) x qty x sign.
type LinearPricer struct{}

func (LinearPricer) Quantity(notional, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return notional.DivRound(price, 8)
}

func (LinearPricer) Notional(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}

func (LinearPricer) PnL(qty, avgEntry, closePrice decimal.Decimal, side string) decimal.Decimal {
	return closePrice.Sub(avgEntry).Mul(qty).Mul(sideSign(side))
}

func (LinearPricer) ProfitPct(avgEntry, price decimal.Decimal, side string) float64 {
	if avgEntry.IsZero() {
		return 0
	}
	pct, _ := price.Sub(avgEntry).Div(avgEntry).Mul(decimal.NewFromInt(100)).Mul(sideSign(side)).Float64()
	return pct
}

func (LinearPricer) Fee(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(TakerFeeRate)
}

// InversePricer prices coin-margined contracts: quantity in contracts, pnl
// in base coin: qty x (1/entry - 1/close) x sign.
type InversePricer struct {
	// ContractSize is the quote value of one contract (e.g. 100 USD).
	ContractSize decimal.Decimal
}

func (p InversePricer) contractSize() decimal.Decimal {
	if p.ContractSize.IsZero() {
		return decimal.NewFromInt(100)
	}
	return p.ContractSize
}

func (p InversePricer) Quantity(notional, price decimal.Decimal) decimal.Decimal {
	// notional is in quote currency; contracts are fixed quote-size
	return notional.DivRound(p.contractSize(), 0)
}

func (p InversePricer) Notional(qty, price decimal.Decimal) decimal.Decimal {
	// base-coin value of the contracts
	if price.IsZero() {
		return decimal.Zero
	}
	return qty.Mul(p.contractSize()).DivRound(price, 8)
}

func (p InversePricer) PnL(qty, avgEntry, closePrice decimal.Decimal, side string) decimal.Decimal {
	if avgEntry.IsZero() || closePrice.IsZero() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	perContract := one.DivRound(avgEntry, 12).Sub(one.DivRound(closePrice, 12))
	return qty.Mul(p.contractSize()).Mul(perContract).Mul(sideSign(side))
}

func (p InversePricer) ProfitPct(avgEntry, price decimal.Decimal, side string) float64 {
	if avgEntry.IsZero() {
		return 0
	}
	pct, _ := price.Sub(avgEntry).Div(avgEntry).Mul(decimal.NewFromInt(100)).Mul(sideSign(side)).Float64()
	return pct
}

func (p InversePricer) Fee(qty, price decimal.Decimal) decimal.Decimal {
	return p.Notional(qty, price).Mul(TakerFeeRate)
}

// PricerFor returns the pricing strategy for a trading type.
func PricerFor(tradingType string) Pricer {
	if tradingType == "inverse" {
		return InversePricer{}
	}
	return LinearPricer{}
}
