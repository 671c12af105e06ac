package risk

import "fmt"

// Limits is the policy configuration the gate enforces. Loaded at session
// start; mutable only through an explicit operator call, never by the gate.
type Limits struct {
	MaxPositionSizePct   float64  `json:"max_position_size_pct"`
	MaxTotalExposurePct  float64  `json:"max_total_exposure_pct"`
	MaxPositions         int      `json:"max_positions"`
	DailyLossLimitPct    float64  `json:"daily_loss_limit_pct"`
	MinAvgVolume         int64    `json:"min_avg_volume"`
	RequiredStopLoss     bool     `json:"required_stop_loss"`
	MinStopLossPct       float64  `json:"min_stop_loss_pct"`
	MinTakeProfitPct     float64  `json:"min_take_profit_pct"`
	CircuitBreakerLosses int      `json:"circuit_breaker_losses"`
	AllowedSymbols       []string `json:"allowed_symbols"` // empty = all symbols allowed
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSizePct:   0.01, // 1% of account per trade
		MaxTotalExposurePct:  0.05, // 5% total exposure
		MaxPositions:         3,
		DailyLossLimitPct:    0.03, // 3% daily loss hard stop
		MinAvgVolume:         1_000_000,
		RequiredStopLoss:     true,
		MinStopLossPct:       0.02,
		MinTakeProfitPct:     0.03,
		CircuitBreakerLosses: 3,
	}
}

// Validate rejects limit sets that would make the gate vacuous or nonsensical.
func (l Limits) Validate() error {
	if l.MaxPositionSizePct <= 0 || l.MaxPositionSizePct > 1 {
		return fmt.Errorf("max_position_size_pct %.4f outside (0,1]", l.MaxPositionSizePct)
	}
	if l.MaxTotalExposurePct <= 0 || l.MaxTotalExposurePct > 1 {
		return fmt.Errorf("max_total_exposure_pct %.4f outside (0,1]", l.MaxTotalExposurePct)
	}
	if l.MaxTotalExposurePct < l.MaxPositionSizePct {
		return fmt.Errorf("max_total_exposure_pct %.4f below max_position_size_pct %.4f",
			l.MaxTotalExposurePct, l.MaxPositionSizePct)
	}
	if l.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", l.MaxPositions)
	}
	if l.DailyLossLimitPct <= 0 || l.DailyLossLimitPct > 1 {
		return fmt.Errorf("daily_loss_limit_pct %.4f outside (0,1]", l.DailyLossLimitPct)
	}
	if l.CircuitBreakerLosses <= 0 {
		return fmt.Errorf("circuit_breaker_losses must be positive, got %d", l.CircuitBreakerLosses)
	}
	if l.MinStopLossPct < 0 || l.MinTakeProfitPct < 0 {
		return fmt.Errorf("stop loss and take profit minimums must be non-negative")
	}
	return nil
}

func (l Limits) symbolAllowed(symbol string) bool {
	if len(l.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range l.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
