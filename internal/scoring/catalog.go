// Package scoring evaluates symbols into directional opportunities by
// combining a fixed catalog of weighted technical components.
package scoring

import (
	"sort"
	"strings"

	"futures-trading-engine/internal/database"
)

// Bias groups components by the direction they support.
type Bias int

const (
	Bullish Bias = iota
	Bearish
	Neutral
)

// Component names. The catalog is closed; the optimizer adjusts weights but
// never adds components.
const (
	CompPositionLow       = "position_low"
	CompPositionHigh      = "position_high"
	CompPositionMid       = "position_mid"
	CompBreakoutLong      = "breakout_long"
	CompBreakdownShort    = "breakdown_short"
	CompVolumePowerBull   = "volume_power_bull"
	CompVolumePowerBear   = "volume_power_bear"
	CompVolumePower1hBull = "volume_power_1h_bull"
	CompVolumePower1hBear = "volume_power_1h_bear"
	CompTrend1hBull       = "trend_1h_bull"
	CompTrend1hBear       = "trend_1h_bear"
	CompTrend1dBull       = "trend_1d_bull"
	CompTrend1dBear       = "trend_1d_bear"
	CompMomentumDown3pct  = "momentum_down_3pct"
	CompMomentumUp3pct    = "momentum_up_3pct"
	CompConsecutiveBull   = "consecutive_bull"
	CompConsecutiveBear   = "consecutive_bear"
	CompVolatilityHigh    = "volatility_high"
)

// DefaultWeight seeds new scoring_weights rows.
const DefaultWeight = 10

// Weight bounds enforced everywhere a weight is written.
const (
	MinWeight = 5
	MaxWeight = 30
)

var componentBias = map[string]Bias{
	CompPositionLow:       Bullish,
	CompBreakoutLong:      Bullish,
	CompVolumePowerBull:   Bullish,
	CompVolumePower1hBull: Bullish,
	CompTrend1hBull:       Bullish,
	CompTrend1dBull:       Bullish,
	CompMomentumDown3pct:  Bullish,
	CompConsecutiveBull:   Bullish,

	CompPositionHigh:      Bearish,
	CompBreakdownShort:    Bearish,
	CompVolumePowerBear:   Bearish,
	CompVolumePower1hBear: Bearish,
	CompTrend1hBear:       Bearish,
	CompTrend1dBear:       Bearish,
	CompMomentumUp3pct:    Bearish,
	CompConsecutiveBear:   Bearish,

	CompPositionMid:    Neutral,
	CompVolatilityHigh: Neutral,
}

// BiasOf returns a component's direction bias.
func BiasOf(name string) Bias {
	return componentBias[name]
}

// Catalog returns every component name, sorted.
func Catalog() []string {
	names := make([]string, 0, len(componentBias))
	for name := range componentBias {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pattern builds the canonical signal-blacklist key: sorted component names
// joined by "+".
func Pattern(components map[string]int) string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}

// ClampWeight bounds a weight to the allowed range.
func ClampWeight(w int) int {
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

// CleanComponents filters a raw component map to the chosen side: components
// whose bias matches the side survive, neutrals survive, the rest drop. The
// returned map is fresh; the input is not mutated.
func CleanComponents(components map[string]int, side string) map[string]int {
	cleaned := make(map[string]int, len(components))
	for name, weight := range components {
		switch componentBias[name] {
		case Neutral:
			cleaned[name] = weight
		case Bullish:
			if side == database.SideLong {
				cleaned[name] = weight
			}
		case Bearish:
			if side == database.SideShort {
				cleaned[name] = weight
			}
		}
	}
	return cleaned
}
