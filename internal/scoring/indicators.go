package scoring

import (
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/exchange"
)

// positionPercentile locates price in the high-low range of the last n
// hourly candles: 0 at the low, 1 at the high.
func positionPercentile(candles []exchange.Kline, price float64, n int) (float64, bool) {
	window := tail(candles, n)
	if window == nil {
		return 0, false
	}
	low, high := window[0].Low, window[0].High
	for _, k := range window[1:] {
		if k.Low < low {
			low = k.Low
		}
		if k.High > high {
			high = k.High
		}
	}
	if high <= low {
		return 0, false
	}
	return (price - low) / (high - low), true
}

// pctChange computes the percent change across the last n hourly candles.
func pctChange(candles []exchange.Kline, n int) (float64, bool) {
	window := tail(candles, n)
	if window == nil {
		return 0, false
	}
	base := window[0].Open
	if base <= 0 {
		return 0, false
	}
	return (window[len(window)-1].Close - base) / base * 100, true
}

// bullishRatio returns the fraction of bullish candles over the last n.
func bullishRatio(candles []exchange.Kline, n int) (float64, bool) {
	window := tail(candles, n)
	if window == nil {
		return 0, false
	}
	bulls := 0
	for _, k := range window {
		if k.Close > k.Open {
			bulls++
		}
	}
	return float64(bulls) / float64(n), true
}

// directionCounts counts bullish and bearish candles over the last n.
func directionCounts(candles []exchange.Kline, n int) (bull, bear int, ok bool) {
	window := tail(candles, n)
	if window == nil {
		return 0, 0, false
	}
	for _, k := range window {
		switch {
		case k.Close > k.Open:
			bull++
		case k.Close < k.Open:
			bear++
		}
	}
	return bull, bear, true
}

// consecutiveTrend fires when at least 7 of the 10 most recent hourly
// candles share a direction and the cumulative move stays moderate (< 8%),
// filtering out exhausted runs.
func consecutiveTrend(candles []exchange.Kline) (string, bool) {
	window := tail(candles, 10)
	if window == nil {
		return "", false
	}
	bull, bear := 0, 0
	for _, k := range window {
		switch {
		case k.Close > k.Open:
			bull++
		case k.Close < k.Open:
			bear++
		}
	}

	base := window[0].Open
	if base <= 0 {
		return "", false
	}
	move := (window[len(window)-1].Close - base) / base * 100
	if move < 0 {
		move = -move
	}
	if move >= 8.0 {
		return "", false
	}

	if bull >= 7 {
		return database.SideLong, true
	}
	if bear >= 7 {
		return database.SideShort, true
	}
	return "", false
}

// quoteVolume approximates quote-currency volume for one candle.
func quoteVolume(k exchange.Kline) float64 {
	return k.Volume * k.Close
}

// volumePower compares directional quote volume over the last n candles.
// Returns the winning side when it carries at least 1.3x the opposing volume
// and the net move agrees, or "" when neither dominates.
func volumePower(candles []exchange.Kline, n int) string {
	window := tail(candles, n)
	if window == nil {
		return ""
	}
	var bullVol, bearVol float64
	for _, k := range window {
		if k.Close > k.Open {
			bullVol += quoteVolume(k)
		} else if k.Close < k.Open {
			bearVol += quoteVolume(k)
		}
	}
	net := window[len(window)-1].Close - window[0].Open
	if bullVol > bearVol*1.3 && net > 0 {
		return database.SideLong
	}
	if bearVol > bullVol*1.3 && net < 0 {
		return database.SideShort
	}
	return ""
}

// netDirectionalVolume is bullish minus bearish quote volume over n candles.
func netDirectionalVolume(candles []exchange.Kline, n int) float64 {
	window := tail(candles, n)
	if window == nil {
		return 0
	}
	var net float64
	for _, k := range window {
		if k.Close > k.Open {
			net += quoteVolume(k)
		} else if k.Close < k.Open {
			net -= quoteVolume(k)
		}
	}
	return net
}

// rangeVolatility is the 24h high-low range over the mean close, percent.
func rangeVolatility(candles []exchange.Kline, n int) (float64, bool) {
	window := tail(candles, n)
	if window == nil {
		return 0, false
	}
	low, high, sum := window[0].Low, window[0].High, 0.0
	for _, k := range window {
		if k.Low < low {
			low = k.Low
		}
		if k.High > high {
			high = k.High
		}
		sum += k.Close
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return 0, false
	}
	return (high - low) / mean * 100, true
}

// closesAboveSwingHigh reports whether the latest 15m close exceeds the
// highest high of the preceding candles.
func closesAboveSwingHigh(candles []exchange.Kline) bool {
	window := tail(candles, 21)
	if window == nil {
		return false
	}
	last := window[len(window)-1]
	swingHigh := 0.0
	for _, k := range window[:len(window)-1] {
		if k.High > swingHigh {
			swingHigh = k.High
		}
	}
	return last.Close > swingHigh
}

func closesBelowSwingLow(candles []exchange.Kline) bool {
	window := tail(candles, 21)
	if window == nil {
		return false
	}
	last := window[len(window)-1]
	swingLow := window[0].Low
	for _, k := range window[:len(window)-1] {
		if k.Low < swingLow {
			swingLow = k.Low
		}
	}
	return last.Close < swingLow
}

// maxUpperShadow is the largest upper wick, as percent of candle body top,
// over the last n candles.
func maxUpperShadow(candles []exchange.Kline, n int) float64 {
	window := tail(candles, n)
	if window == nil {
		return 0
	}
	maxShadow := 0.0
	for _, k := range window {
		top := k.Open
		if k.Close > top {
			top = k.Close
		}
		if top <= 0 {
			continue
		}
		shadow := (k.High - top) / top * 100
		if shadow > maxShadow {
			maxShadow = shadow
		}
	}
	return maxShadow
}

func maxLowerShadow(candles []exchange.Kline, n int) float64 {
	window := tail(candles, n)
	if window == nil {
		return 0
	}
	maxShadow := 0.0
	for _, k := range window {
		bottom := k.Open
		if k.Close < bottom {
			bottom = k.Close
		}
		if bottom <= 0 {
			continue
		}
		shadow := (bottom - k.Low) / bottom * 100
		if shadow > maxShadow {
			maxShadow = shadow
		}
	}
	return maxShadow
}
