package position

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"futures-trading-engine/internal/database"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLinearPnL(t *testing.T) {
	p := LinearPricer{}

	// long 2 units, 100 -> 105
	pnl := p.PnL(d("2"), d("100"), d("105"), database.SideLong)
	assert.True(t, pnl.Equal(d("10")), "got %s", pnl)

	// short 2 units, 100 -> 105 loses
	pnl = p.PnL(d("2"), d("100"), d("105"), database.SideShort)
	assert.True(t, pnl.Equal(d("-10")), "got %s", pnl)
}

func TestLinearQuantityRoundTrip(t *testing.T) {
	p := LinearPricer{}
	qty := p.Quantity(d("500"), d("125"))
	assert.True(t, qty.Equal(d("4")), "got %s", qty)
	assert.True(t, p.Notional(qty, d("125")).Equal(d("500")))
}

func TestLinearProfitPct(t *testing.T) {
	p := LinearPricer{}
	assert.InDelta(t, 5.0, p.ProfitPct(d("100"), d("105"), database.SideLong), 1e-9)
	assert.InDelta(t, -5.0, p.ProfitPct(d("100"), d("105"), database.SideShort), 1e-9)
	assert.InDelta(t, 2.6, p.ProfitPct(d("100"), d("97.4"), database.SideShort), 1e-9)
}

func TestInversePnL(t *testing.T) {
	p := InversePricer{ContractSize: d("100")}

	// long 10 contracts of $100, entry 100 -> close 125:
	// pnl = 1000 x (1/100 - 1/125) = 1000 x 0.002 = 2 coins
	pnl := p.PnL(d("10"), d("100"), d("125"), database.SideLong)
	assert.True(t, pnl.Equal(d("2")), "got %s", pnl)

	// short side mirrors
	pnl = p.PnL(d("10"), d("100"), d("125"), database.SideShort)
	assert.True(t, pnl.Equal(d("-2")), "got %s", pnl)
}

func TestInverseQuantityIsContracts(t *testing.T) {
	p := InversePricer{ContractSize: d("100")}
	qty := p.Quantity(d("1050"), d("30000"))
	// contracts round to whole numbers
	assert.True(t, qty.Equal(d("11")) || qty.Equal(d("10")), "got %s", qty)
}

func TestFeeIsTakerRate(t *testing.T) {
	lin := LinearPricer{}
	fee := lin.Fee(d("2"), d("100"))
	assert.True(t, fee.Equal(d("0.08")), "got %s", fee)
}

func TestBalanceIdentitySingleRoundTrip(t *testing.T) {
	// entry + exit of one linear position preserves
	// balance_after = balance_before + realized_pnl
	p := LinearPricer{}
	balance := d("1000")
	qty := p.Quantity(d("500"), d("100"))

	entryFee := p.Fee(qty, d("100"))
	closeFee := p.Fee(qty, d("103"))
	gross := p.PnL(qty, d("100"), d("103"), database.SideLong)
	realized := gross.Sub(entryFee).Sub(closeFee)

	after := balance.Add(realized)
	want := balance.Add(gross).Sub(entryFee).Sub(closeFee)
	assert.True(t, after.Equal(want))
	assert.True(t, realized.IsPositive())
}

func TestPricerFor(t *testing.T) {
	_, ok := PricerFor("inverse").(InversePricer)
	assert.True(t, ok)
	_, ok = PricerFor("linear").(LinearPricer)
	assert.True(t, ok)
}
