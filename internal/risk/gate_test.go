package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/broker"
	"trading-engine/internal/ledger"
	"trading-engine/internal/signal"
)

func testLimits() Limits {
	return Limits{
		MaxPositionSizePct:   0.10,
		MaxTotalExposurePct:  0.30,
		MaxPositions:         3,
		DailyLossLimitPct:    0.03,
		MinAvgVolume:         1_000_000,
		RequiredStopLoss:     true,
		MinStopLossPct:       0.02,
		MinTakeProfitPct:     0.03,
		CircuitBreakerLosses: 3,
	}
}

func testSignal() *signal.Signal {
	return &signal.Signal{
		ID:         "sig-1",
		Symbol:     "AAPL",
		Action:     signal.ActionBuy,
		Confidence: 0.8,
		SizePct:    0.10,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		Timestamp:  time.Now(),
	}
}

func newTestGate(t *testing.T, limits Limits) (*Gate, *ledger.Ledger) {
	t.Helper()
	book := ledger.New(100_000, 100_000, zerolog.Nop())
	return NewGate(limits, book, 0, zerolog.Nop()), book
}

func TestValidateApprovesAndSizes(t *testing.T) {
	gate, _ := newTestGate(t, testLimits())

	approval, rejection := gate.Validate(testSignal())
	if rejection != nil {
		t.Fatalf("expected approval, got rejection %s: %s", rejection.Reason, rejection.Detail)
	}

	// position_value = 100000 * 0.10 * 0.10 = 1000; quantity = 1000 / 100 = 10
	if approval.PositionValue != 1000 {
		t.Errorf("position value = %.2f, want 1000", approval.PositionValue)
	}
	if approval.Intent.Quantity != 10 {
		t.Errorf("quantity = %.4f, want 10", approval.Intent.Quantity)
	}
	if approval.Intent.Side != broker.SideBuy {
		t.Errorf("side = %s, want buy", approval.Intent.Side)
	}
	if approval.IsClose {
		t.Error("entry approval marked as close")
	}
}

func TestValidateRejectionOrder(t *testing.T) {
	t.Run("trading disabled checked first", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())
		gate.DisableTrading()

		sig := testSignal()
		sig.StopLoss = 0 // would also fail the stop-loss check
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonTradingDisabled {
			t.Fatalf("rejection = %v, want trading_disabled", rejection)
		}
	})

	t.Run("circuit breaker before symbol checks", func(t *testing.T) {
		gate, book := newTestGate(t, testLimits())
		tripBreaker(t, gate, book)

		sig := testSignal()
		sig.Symbol = "NOTALLOWED"
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonCircuitBreakerActive {
			t.Fatalf("rejection = %v, want circuit_breaker_active", rejection)
		}
	})

	t.Run("symbol allowlist", func(t *testing.T) {
		limits := testLimits()
		limits.AllowedSymbols = []string{"MSFT"}
		gate, _ := newTestGate(t, limits)

		_, rejection := gate.Validate(testSignal())
		if rejection == nil || rejection.Reason != ReasonSymbolNotAllowed {
			t.Fatalf("rejection = %v, want symbol_not_allowed", rejection)
		}
	})

	t.Run("missing stop loss", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())

		sig := testSignal()
		sig.StopLoss = 0
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonMissingStopLoss {
			t.Fatalf("rejection = %v, want missing_stop_loss", rejection)
		}
	})

	t.Run("size pct above limit", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())

		sig := testSignal()
		sig.SizePct = 0.20
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonPositionSizeExceeded {
			t.Fatalf("rejection = %v, want position_size_exceeded", rejection)
		}
	})

	t.Run("invalid entry price", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())

		sig := testSignal()
		sig.EntryPrice = 0
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonInsufficientBalance {
			t.Fatalf("rejection = %v, want insufficient_balance", rejection)
		}
	})
}

func TestDailyLossLimitDisablesTrading(t *testing.T) {
	gate, book := newTestGate(t, testLimits())

	// Equity drops 4% from the day-start baseline.
	book.UpdateAccount(96_000, 96_000)

	_, rejection := gate.Validate(testSignal())
	if rejection == nil || rejection.Reason != ReasonDailyLossLimitHit {
		t.Fatalf("rejection = %v, want daily_loss_limit_hit", rejection)
	}
	if gate.TradingEnabled() {
		t.Error("daily loss breach did not disable trading")
	}

	// Recovery does not re-enable trading.
	book.UpdateAccount(100_000, 100_000)
	_, rejection = gate.Validate(testSignal())
	if rejection == nil || rejection.Reason != ReasonTradingDisabled {
		t.Fatalf("rejection after recovery = %v, want trading_disabled", rejection)
	}

	gate.EnableTrading()
	if _, rejection = gate.Validate(testSignal()); rejection != nil {
		t.Fatalf("rejection after operator enable = %v, want approval", rejection)
	}
}

func TestMaxPositionsAndSymbolHeld(t *testing.T) {
	gate, book := newTestGate(t, testLimits())

	if _, err := book.ApplyFill("AAPL", broker.SideBuy, 100, 10, 0, 95, 110); err != nil {
		t.Fatal(err)
	}

	sig := testSignal()
	_, rejection := gate.Validate(sig)
	if rejection == nil || rejection.Reason != ReasonMaxPositionsReached {
		t.Fatalf("rejection for held symbol = %v, want max_positions_reached", rejection)
	}

	for _, sym := range []string{"MSFT", "GOOG"} {
		if _, err := book.ApplyFill(sym, broker.SideBuy, 100, 1, 0, 95, 110); err != nil {
			t.Fatal(err)
		}
	}
	sig.Symbol = "TSLA"
	_, rejection = gate.Validate(sig)
	if rejection == nil || rejection.Reason != ReasonMaxPositionsReached {
		t.Fatalf("rejection at capacity = %v, want max_positions_reached", rejection)
	}
}

func TestBuyingPowerAndExposure(t *testing.T) {
	t.Run("insufficient buying power", func(t *testing.T) {
		limits := testLimits()
		limits.MaxPositionSizePct = 0.5
		gate, book := newTestGate(t, limits)
		book.UpdateAccount(100_000, 10_000)

		sig := testSignal()
		sig.SizePct = 0.5 // wants 100000 * 0.5 * 0.5 = 25000 > 10000
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonInsufficientBalance {
			t.Fatalf("rejection = %v, want insufficient_balance", rejection)
		}
	})

	t.Run("exposure limit", func(t *testing.T) {
		limits := testLimits()
		limits.MaxTotalExposurePct = 0.05
		limits.MaxPositionSizePct = 0.8
		gate, _ := newTestGate(t, limits)

		sig := testSignal()
		sig.SizePct = 0.1 // 100000 * 0.8 * 0.1 = 8000 -> 8% > 5%
		_, rejection := gate.Validate(sig)
		if rejection == nil || rejection.Reason != ReasonTotalExposureExceeded {
			t.Fatalf("rejection = %v, want total_exposure_exceeded", rejection)
		}
	})
}

func TestReservationBlocksSecondEntry(t *testing.T) {
	limits := testLimits()
	limits.MaxTotalExposurePct = 0.012
	gate, book := newTestGate(t, limits)

	// First approval reserves 1000 notional (1% of equity).
	if _, rejection := gate.Validate(testSignal()); rejection != nil {
		t.Fatalf("first signal rejected: %v", rejection)
	}

	// Second signal passes the snapshot checks in isolation, but the
	// reservation pushes combined exposure past the limit.
	sig := testSignal()
	sig.ID = "sig-2"
	sig.Symbol = "MSFT"
	_, rejection := gate.Validate(sig)
	if rejection == nil || rejection.Reason != ReasonTotalExposureExceeded {
		t.Fatalf("rejection = %v, want total_exposure_exceeded", rejection)
	}

	// Releasing the first reservation frees the headroom again.
	book.Release(1000)
	if _, rejection := gate.Validate(sig); rejection != nil {
		t.Fatalf("rejection after release = %v, want approval", rejection)
	}
}

func TestLiquidityCheck(t *testing.T) {
	t.Run("below minimum rejects", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())
		gate.SetSymbolVolume("AAPL", 500_000)

		_, rejection := gate.Validate(testSignal())
		if rejection == nil || rejection.Reason != ReasonLiquidityTooLow {
			t.Fatalf("rejection = %v, want liquidity_too_low", rejection)
		}
	})

	t.Run("unknown volume passes", func(t *testing.T) {
		gate, _ := newTestGate(t, testLimits())
		if _, rejection := gate.Validate(testSignal()); rejection != nil {
			t.Fatalf("rejection = %v, want approval with unknown volume", rejection)
		}
	})

	t.Run("stale volume reverts to unknown", func(t *testing.T) {
		book := ledger.New(100_000, 100_000, zerolog.Nop())
		gate := NewGate(testLimits(), book, time.Hour, zerolog.Nop())

		now := time.Now()
		gate.SetClock(func() time.Time { return now })
		gate.SetSymbolVolume("AAPL", 500_000)

		now = now.Add(2 * time.Hour)
		if _, rejection := gate.Validate(testSignal()); rejection != nil {
			t.Fatalf("rejection = %v, want approval with stale volume", rejection)
		}
	})
}

func TestStopLossWidening(t *testing.T) {
	gate, _ := newTestGate(t, testLimits())

	sig := testSignal()
	sig.StopLoss = 99.5 // 0.5% away, minimum is 2%
	approval, rejection := gate.Validate(sig)
	if rejection != nil {
		t.Fatalf("rejection = %v, want approval", rejection)
	}

	want := 100 * (1 - 0.02)
	if approval.Intent.StopLoss != want {
		t.Errorf("stop loss = %.4f, want %.4f", approval.Intent.StopLoss, want)
	}
	if sig.StopLoss != 99.5 {
		t.Errorf("signal mutated: stop loss = %.4f", sig.StopLoss)
	}
}

func TestCloseBypassesEntryChecks(t *testing.T) {
	gate, book := newTestGate(t, testLimits())

	if _, err := book.ApplyFill("AAPL", broker.SideBuy, 100, 10, 0, 95, 110); err != nil {
		t.Fatal(err)
	}
	// Conditions that reject any entry must not block the close.
	book.UpdateAccount(96_000, 0)

	sig := &signal.Signal{ID: "close-1", Symbol: "AAPL", Action: signal.ActionClose, Confidence: 1}
	approval, rejection := gate.Validate(sig)
	if rejection != nil {
		t.Fatalf("close rejected: %v", rejection)
	}
	if !approval.IsClose {
		t.Error("approval not marked as close")
	}
	if approval.Intent.Side != broker.SideSell {
		t.Errorf("close side = %s, want sell", approval.Intent.Side)
	}
	if approval.Intent.Type != broker.TypeMarket {
		t.Errorf("close type = %s, want market", approval.Intent.Type)
	}
	if approval.Intent.Quantity != 10 {
		t.Errorf("close quantity = %.4f, want full position", approval.Intent.Quantity)
	}
	if approval.PositionValue != 0 {
		t.Errorf("close reserved %.2f, want 0", approval.PositionValue)
	}
}

func TestCloseWithoutPosition(t *testing.T) {
	gate, _ := newTestGate(t, testLimits())

	sig := &signal.Signal{ID: "close-1", Symbol: "AAPL", Action: signal.ActionClose, Confidence: 1}
	_, rejection := gate.Validate(sig)
	if rejection == nil || rejection.Reason != ReasonMaxPositionsReached {
		t.Fatalf("rejection = %v, want max_positions_reached", rejection)
	}
}

// tripBreaker drives three losing round trips through the ledger and runs the
// breaker check.
func tripBreaker(t *testing.T, gate *Gate, book *ledger.Ledger) {
	t.Helper()
	for i, sym := range []string{"L1", "L2", "L3"} {
		if _, err := book.ApplyFill(sym, broker.SideBuy, 100, 1, 0, 0, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := book.ApplyFill(sym, broker.SideSell, 90, 1, 0, 0, 0); err != nil {
			t.Fatal(err)
		}
		if got := book.ConsecutiveLosses(); got != i+1 {
			t.Fatalf("consecutive losses = %d, want %d", got, i+1)
		}
	}
	if !gate.CheckCircuitBreaker() {
		t.Fatal("breaker did not trip after three losses")
	}
}

func TestCircuitBreaker(t *testing.T) {
	gate, book := newTestGate(t, testLimits())
	tripBreaker(t, gate, book)

	_, rejection := gate.Validate(testSignal())
	if rejection == nil || rejection.Reason != ReasonCircuitBreakerActive {
		t.Fatalf("rejection = %v, want circuit_breaker_active", rejection)
	}

	// A winning trade resets the streak but never clears a tripped breaker.
	if _, err := book.ApplyFill("W1", broker.SideBuy, 100, 1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := book.ApplyFill("W1", broker.SideSell, 110, 1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if book.ConsecutiveLosses() != 0 {
		t.Errorf("consecutive losses = %d after win, want 0", book.ConsecutiveLosses())
	}
	if !gate.CircuitBreakerActive() {
		t.Error("breaker cleared by a winning trade")
	}

	gate.ResetCircuitBreaker()
	if gate.CircuitBreakerActive() {
		t.Error("breaker still active after operator reset")
	}
	if _, rejection := gate.Validate(testSignal()); rejection != nil {
		t.Fatalf("rejection after reset = %v, want approval", rejection)
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("default limits invalid: %v", err)
	}

	bad := testLimits()
	bad.MaxPositions = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero max positions accepted")
	}

	bad = testLimits()
	bad.MaxTotalExposurePct = bad.MaxPositionSizePct / 2
	if err := bad.Validate(); err == nil {
		t.Error("exposure below single position size accepted")
	}
}
