package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/audit"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
)

// scriptStrategy replays a fixed schedule of signals keyed by call number.
type scriptStrategy struct {
	script map[int][]*signal.Signal
	calls  int
}

func (s *scriptStrategy) GenerateSignals(symbol string, features map[string]float64, held map[string]float64) []*signal.Signal {
	out := s.script[s.calls]
	s.calls++
	return out
}

func (s *scriptStrategy) Name() string { return "script" }

func testConfig(t *testing.T) Config {
	t.Helper()
	limits := risk.DefaultLimits()
	limits.MaxPositionSizePct = 0.10
	limits.MaxTotalExposurePct = 0.30
	return Config{
		Symbol:         "AAPL",
		InitialBalance: 100_000,
		CommissionRate: 0,
		SlippagePct:    0,
		Limits:         limits,
		AuditDir:       t.TempDir(),
	}
}

func hourlyBars(start time.Time, closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{
			Time:   start.Add(time.Duration(i) * time.Hour),
			Open:   c,
			High:   c,
			Low:    c,
			Close:  c,
			Volume: 5_000_000,
		}
	}
	return bars
}

func buySignal(entry, stopLoss, takeProfit float64) *signal.Signal {
	return &signal.Signal{
		ID:           "sig-buy",
		Symbol:       "AAPL",
		Action:       signal.ActionBuy,
		Confidence:   0.9,
		SizePct:      0.10,
		EntryPrice:   entry,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		StrategyName: "script",
		Timestamp:    time.Now(),
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestRunnerProfitableRoundTrip(t *testing.T) {
	start := time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC)
	strat := &scriptStrategy{script: map[int][]*signal.Signal{
		0: {buySignal(100, 90, 120)},
	}}

	r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// Marketable entry fills at 100 on the first bar; the take profit at
	// 120 triggers the protective exit on the third.
	res, err := r.Run(context.Background(), hourlyBars(start, 100, 110, 120, 120))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 1 || res.WinningTrades != 1 || res.LosingTrades != 0 {
		t.Fatalf("trades = %d/%d/%d, want 1/1/0", res.TotalTrades, res.WinningTrades, res.LosingTrades)
	}
	// Sized at equity * 0.10 * 0.10 = 1000 notional, 10 shares at 100.
	if !approxEqual(res.NetPnL, 200) {
		t.Errorf("NetPnL = %.2f, want 200", res.NetPnL)
	}
	if !approxEqual(res.FinalBalance, 100_200) {
		t.Errorf("FinalBalance = %.2f, want 100200", res.FinalBalance)
	}
	if res.WinRate != 1 {
		t.Errorf("WinRate = %.2f, want 1", res.WinRate)
	}
	if !approxEqual(res.LargestWin, 200) {
		t.Errorf("LargestWin = %.2f, want 200", res.LargestWin)
	}
	if res.MaxDrawdown != 0 {
		t.Errorf("MaxDrawdown = %.2f, want 0", res.MaxDrawdown)
	}
	if !approxEqual(res.AvgTradeDurationHours, 2) {
		t.Errorf("AvgTradeDurationHours = %.2f, want 2", res.AvgTradeDurationHours)
	}
	if res.SignalsRejected != 0 {
		t.Errorf("SignalsRejected = %d, want 0", res.SignalsRejected)
	}
	if !res.StartTime.Equal(start) || !res.EndTime.Equal(start.Add(3*time.Hour)) {
		t.Errorf("window = %v..%v", res.StartTime, res.EndTime)
	}
}

func TestRunnerStopLossExit(t *testing.T) {
	start := time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC)
	strat := &scriptStrategy{script: map[int][]*signal.Signal{
		0: {buySignal(100, 95, 0)},
	}}

	r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// The drop to 94 breaches the stop at 95; the exit fills at the bar
	// close, not the stop price.
	res, err := r.Run(context.Background(), hourlyBars(start, 100, 94, 94))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 1 || res.LosingTrades != 1 {
		t.Fatalf("trades = %d losing %d, want 1 losing 1", res.TotalTrades, res.LosingTrades)
	}
	if !approxEqual(res.NetPnL, -60) {
		t.Errorf("NetPnL = %.2f, want -60", res.NetPnL)
	}
	if !approxEqual(res.LargestLoss, -60) {
		t.Errorf("LargestLoss = %.2f, want -60", res.LargestLoss)
	}
	if !approxEqual(res.AverageLoss, -60) {
		t.Errorf("AverageLoss = %.2f, want -60", res.AverageLoss)
	}
	if !approxEqual(res.MaxDrawdown, 60) {
		t.Errorf("MaxDrawdown = %.2f, want 60", res.MaxDrawdown)
	}
	if !approxEqual(res.MaxDrawdownPct, 60.0/100_000) {
		t.Errorf("MaxDrawdownPct = %.6f, want 0.0006", res.MaxDrawdownPct)
	}
	if res.ProfitFactor != 0 {
		t.Errorf("ProfitFactor = %.2f, want 0", res.ProfitFactor)
	}
}

func TestRunnerFlattensOpenPositionAtEnd(t *testing.T) {
	start := time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC)
	strat := &scriptStrategy{script: map[int][]*signal.Signal{
		0: {buySignal(100, 90, 0)},
	}}

	r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// No exit triggers during the run; the runner closes the position at
	// the final price.
	res, err := r.Run(context.Background(), hourlyBars(start, 100, 105, 110))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 1 || res.WinningTrades != 1 {
		t.Fatalf("trades = %d winning %d, want 1 winning 1", res.TotalTrades, res.WinningTrades)
	}
	if !approxEqual(res.NetPnL, 100) {
		t.Errorf("NetPnL = %.2f, want 100", res.NetPnL)
	}
	if !approxEqual(res.FinalBalance, 100_100) {
		t.Errorf("FinalBalance = %.2f, want 100100", res.FinalBalance)
	}
}

func TestRunnerCountsRejectedSignals(t *testing.T) {
	start := time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC)
	noStop := buySignal(100, 0, 0)
	strat := &scriptStrategy{script: map[int][]*signal.Signal{
		0: {noStop},
	}}

	r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Run(context.Background(), hourlyBars(start, 100, 101))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.SignalsRejected != 1 {
		t.Errorf("SignalsRejected = %d, want 1", res.SignalsRejected)
	}
	if res.TotalTrades != 0 {
		t.Errorf("TotalTrades = %d, want 0", res.TotalTrades)
	}
}

func TestRunnerAuditTrailVerifies(t *testing.T) {
	start := time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC)
	strat := &scriptStrategy{script: map[int][]*signal.Signal{
		0: {buySignal(100, 90, 120)},
	}}

	r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Run(context.Background(), hourlyBars(start, 100, 120, 120))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	trail, err := audit.NewLogger(res.AuditDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	report, err := trail.VerifyIntegrity(res.SessionID)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.TotalEvents == 0 {
		t.Fatal("no audit events recorded")
	}
	if report.InvalidEvents != 0 {
		t.Errorf("InvalidEvents = %d, want 0; ids %v", report.InvalidEvents, report.InvalidEventIDs)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	strat := &scriptStrategy{}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no symbol", func(c *Config) { c.Symbol = "" }},
		{"zero balance", func(c *Config) { c.InitialBalance = 0 }},
		{"bad limits", func(c *Config) { c.Limits.MaxPositions = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if _, err := NewRunner(cfg, strat, zerolog.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	t.Run("nil strategy", func(t *testing.T) {
		if _, err := NewRunner(testConfig(t), nil, zerolog.Nop()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("no bars", func(t *testing.T) {
		r, err := NewRunner(testConfig(t), strat, zerolog.Nop())
		if err != nil {
			t.Fatalf("NewRunner: %v", err)
		}
		if _, err := r.Run(context.Background(), nil); err == nil {
			t.Fatal("expected error")
		}
	})
}
