package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-engine/internal/alerts"
	"trading-engine/internal/audit"
	"trading-engine/internal/broker"
	"trading-engine/internal/ledger"
	"trading-engine/internal/orders"
	"trading-engine/internal/risk"
)

// flakyBroker wraps the simulator and fails the first failBefore placements
// with a connection error.
type flakyBroker struct {
	*broker.Sim
	attempts   int
	failBefore int
}

func (f *flakyBroker) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderAck, error) {
	f.attempts++
	if f.attempts <= f.failBefore {
		return nil, broker.ConnectionError(errors.New("dial tcp: refused"))
	}
	return f.Sim.PlaceOrder(ctx, req)
}

type fixture struct {
	engine *Engine
	sim    *broker.Sim
	book   *ledger.Ledger
	trail  *audit.Logger
}

func newFixture(t *testing.T, b broker.Broker, sim *broker.Sim) *fixture {
	t.Helper()
	trail, err := audit.NewLogger(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	trail.SetSessionID("test-session")

	book := ledger.New(100_000, 100_000, zerolog.Nop())
	engine := NewEngine(b, book, trail, alerts.NewEscalator(zerolog.Nop()), zerolog.Nop())
	engine.SetRetryPolicy(3, time.Millisecond)

	sim.SetPrice("AAPL", 100)
	return &fixture{engine: engine, sim: sim, book: book, trail: trail}
}

func limitApproval(qty, limit, reserved float64) *risk.Approval {
	return &risk.Approval{
		Intent: risk.OrderIntent{
			SignalID:   "sig-1",
			Symbol:     "AAPL",
			Side:       broker.SideBuy,
			Type:       broker.TypeLimit,
			Quantity:   qty,
			LimitPrice: limit,
			StopLoss:   limit * 0.95,
			TakeProfit: limit * 1.10,
		},
		PositionValue: reserved,
	}
}

func TestPlaceSubmitsOrder(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != orders.StatusSubmitted {
		t.Errorf("status = %s, want submitted", order.Status)
	}
	if order.OrderID == "" || order.ClientOrderID == "" {
		t.Error("order ids not assigned")
	}

	open := fx.engine.OpenOrders()
	if len(open) != 1 {
		t.Errorf("open orders = %d, want 1", len(open))
	}

	// Intent is on the audit trail before any outcome.
	events, err := fx.trail.GetSessionEvents("test-session", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].EventType != audit.EventOrderPlaced {
		t.Error("placement not audited first")
	}
}

func TestPlaceRetriesConnectionErrors(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	flaky := &flakyBroker{Sim: sim, failBefore: 2}
	fx := newFixture(t, flaky, sim)

	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}
	if flaky.attempts != 3 {
		t.Errorf("attempts = %d, want 3", flaky.attempts)
	}
	if order.Status != orders.StatusSubmitted {
		t.Errorf("status = %s, want submitted", order.Status)
	}
}

func TestPlaceRejectsAfterExhaustedRetries(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	flaky := &flakyBroker{Sim: sim, failBefore: 100}
	fx := newFixture(t, flaky, sim)

	if err := fx.book.TryReserve("AAPL", 950, 1.0, 10); err != nil {
		t.Fatal(err)
	}

	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if !errors.Is(err, broker.ErrConnection) {
		t.Fatalf("err = %v, want wrapped ErrConnection", err)
	}
	if flaky.attempts != 3 {
		t.Errorf("attempts = %d, want 3", flaky.attempts)
	}
	if order.Status != orders.StatusRejected {
		t.Errorf("status = %s, want rejected", order.Status)
	}
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000 {
		t.Errorf("buying power = %.2f, want reservation released", bp)
	}
}

func TestPlaceTerminalErrorNotRetried(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	flaky := &flakyBroker{Sim: sim}
	fx := newFixture(t, flaky, sim)

	approval := limitApproval(10, 95, 950)
	approval.Intent.Symbol = "ZZZZ" // the simulator has no price for it

	order, err := fx.engine.Place(context.Background(), approval)
	if err == nil {
		t.Fatal("expected placement error")
	}
	if flaky.attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a terminal error", flaky.attempts)
	}
	if order.Status != orders.StatusRejected {
		t.Errorf("status = %s, want rejected", order.Status)
	}
}

func TestMarketOrderFillFlow(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	approval := &risk.Approval{
		Intent: risk.OrderIntent{
			SignalID: "sig-1",
			Symbol:   "AAPL",
			Side:     broker.SideBuy,
			Type:     broker.TypeMarket,
			Quantity: 10,
		},
		PositionValue: 1000,
	}

	order, err := fx.engine.Place(context.Background(), approval)
	if err != nil {
		t.Fatal(err)
	}

	// The simulator fills market orders synchronously through the fill stream.
	got := fx.engine.GetOrder(order.ClientOrderID)
	if got.Status != orders.StatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if got.FilledQty != 10 {
		t.Errorf("filled = %.2f, want 10", got.FilledQty)
	}

	pos := fx.book.GetPosition("AAPL")
	if pos == nil || pos.Quantity != 10 {
		t.Fatalf("ledger position = %+v, want 10 shares", pos)
	}
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000 {
		t.Errorf("buying power = %.2f, want full reservation released on fill", bp)
	}
}

func TestPartialFillsAccumulate(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	if err := fx.book.TryReserve("AAPL", 950, 1.0, 10); err != nil {
		t.Fatal(err)
	}
	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}

	fx.engine.HandleFill(&broker.Fill{
		OrderID: order.OrderID, Symbol: "AAPL", Side: broker.SideBuy,
		Price: 95, Quantity: 4, Timestamp: time.Now(),
	})
	got := fx.engine.GetOrder(order.ClientOrderID)
	if got.Status != orders.StatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", got.Status)
	}
	// 4/10 of the 950 reservation released.
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000-570 {
		t.Errorf("buying power = %.2f, want 99430", bp)
	}

	fx.engine.HandleFill(&broker.Fill{
		OrderID: order.OrderID, Symbol: "AAPL", Side: broker.SideBuy,
		Price: 95, Quantity: 6, Timestamp: time.Now(),
	})
	got = fx.engine.GetOrder(order.ClientOrderID)
	if got.Status != orders.StatusFilled {
		t.Fatalf("status = %s, want filled", got.Status)
	}
	if got.AvgFillPrice != 95 {
		t.Errorf("avg fill = %.2f, want 95", got.AvgFillPrice)
	}
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000 {
		t.Errorf("buying power = %.2f, want fully released", bp)
	}
	if pos := fx.book.GetPosition("AAPL"); pos == nil || pos.Quantity != 10 {
		t.Errorf("ledger position = %+v, want 10 shares", pos)
	}
}

func TestFillAfterTerminalDropped(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.engine.Cancel(context.Background(), order.ClientOrderID, "test"); err != nil {
		t.Fatal(err)
	}

	fx.engine.HandleFill(&broker.Fill{
		OrderID: order.OrderID, Symbol: "AAPL", Side: broker.SideBuy,
		Price: 95, Quantity: 10, Timestamp: time.Now(),
	})
	if pos := fx.book.GetPosition("AAPL"); pos != nil {
		t.Error("fill after cancel reached the ledger")
	}
}

func TestFillForUnknownOrderDropped(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	fx.engine.HandleFill(&broker.Fill{
		OrderID: "nope", Symbol: "AAPL", Side: broker.SideBuy,
		Price: 95, Quantity: 10, Timestamp: time.Now(),
	})
	if pos := fx.book.GetPosition("AAPL"); pos != nil {
		t.Error("unknown fill reached the ledger")
	}
}

func TestCancelReleasesRemainder(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	if err := fx.book.TryReserve("AAPL", 950, 1.0, 10); err != nil {
		t.Fatal(err)
	}
	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}

	fx.engine.HandleFill(&broker.Fill{
		OrderID: order.OrderID, Symbol: "AAPL", Side: broker.SideBuy,
		Price: 95, Quantity: 4, Timestamp: time.Now(),
	})
	if err := fx.engine.Cancel(context.Background(), order.ClientOrderID, "operator"); err != nil {
		t.Fatal(err)
	}

	got := fx.engine.GetOrder(order.ClientOrderID)
	if got.Status != orders.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.FilledQty != 4 {
		t.Errorf("filled = %.2f, cancel must not touch filled quantity", got.FilledQty)
	}
	if got.CancelReason != "operator" {
		t.Errorf("cancel reason = %q, want operator", got.CancelReason)
	}
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000 {
		t.Errorf("buying power = %.2f, want remainder released", bp)
	}

	if err := fx.engine.Cancel(context.Background(), order.ClientOrderID, "again"); err == nil {
		t.Error("second cancel of a terminal order accepted")
	}
}

func TestCancelAll(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)
	sim.SetPrice("MSFT", 200)

	if _, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 0)); err != nil {
		t.Fatal(err)
	}
	second := limitApproval(5, 190, 0)
	second.Intent.Symbol = "MSFT"
	if _, err := fx.engine.Place(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if n := fx.engine.CancelAll(context.Background(), "session_stopped"); n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}
	if open := fx.engine.OpenOrders(); len(open) != 0 {
		t.Errorf("open orders after cancel all = %d, want 0", len(open))
	}
}

func TestExpireReleasesReservation(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	if err := fx.book.TryReserve("AAPL", 950, 1.0, 10); err != nil {
		t.Fatal(err)
	}
	order, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950))
	if err != nil {
		t.Fatal(err)
	}

	if err := fx.engine.Expire(order.ClientOrderID); err != nil {
		t.Fatal(err)
	}
	got := fx.engine.GetOrder(order.ClientOrderID)
	if got.Status != orders.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if bp := fx.book.Snapshot().BuyingPower; bp != 100_000 {
		t.Errorf("buying power = %.2f, want reservation released", bp)
	}
}

func TestPositionClosedHook(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	var closed *ledger.FillResult
	fx.engine.OnPositionClosed(func(result *ledger.FillResult) { closed = result })

	open := &risk.Approval{Intent: risk.OrderIntent{
		Symbol: "AAPL", Side: broker.SideBuy, Type: broker.TypeMarket, Quantity: 10,
	}}
	if _, err := fx.engine.Place(context.Background(), open); err != nil {
		t.Fatal(err)
	}
	if closed != nil {
		t.Fatal("hook fired on open")
	}

	sim.SetPrice("AAPL", 90)
	exit := &risk.Approval{
		Intent: risk.OrderIntent{
			Symbol: "AAPL", Side: broker.SideSell, Type: broker.TypeMarket, Quantity: 10,
		},
		IsClose: true,
	}
	if _, err := fx.engine.Place(context.Background(), exit); err != nil {
		t.Fatal(err)
	}

	if closed == nil {
		t.Fatal("hook did not fire on close")
	}
	if !closed.Closed || closed.Position == nil || closed.Position.Symbol != "AAPL" {
		t.Errorf("close result = %+v", closed)
	}
	if closed.RealizedPnL >= 0 {
		t.Errorf("realized = %.2f, want a loss", closed.RealizedPnL)
	}
}

func TestTransitionHookMirrorsLifecycle(t *testing.T) {
	sim := broker.NewSim(broker.DefaultSimConfig())
	fx := newFixture(t, sim, sim)

	var seen []orders.Status
	fx.engine.OnTransition(func(o *orders.Order) {
		seen = append(seen, o.Status)
	})

	t.Run("rest then fill", func(t *testing.T) {
		seen = nil
		if _, err := fx.engine.Place(context.Background(), limitApproval(10, 95, 950)); err != nil {
			t.Fatal(err)
		}
		sim.SetPrice("AAPL", 94)

		want := []orders.Status{orders.StatusPending, orders.StatusSubmitted, orders.StatusFilled}
		if len(seen) != len(want) {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
			}
		}
	})

	t.Run("cancel", func(t *testing.T) {
		seen = nil
		sim.SetPrice("AAPL", 100)
		order, err := fx.engine.Place(context.Background(), limitApproval(5, 90, 450))
		if err != nil {
			t.Fatal(err)
		}
		if err := fx.engine.Cancel(context.Background(), order.ClientOrderID, "test"); err != nil {
			t.Fatal(err)
		}

		want := []orders.Status{orders.StatusPending, orders.StatusSubmitted, orders.StatusCancelled}
		if len(seen) != len(want) {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
		for i := range want {
			if seen[i] != want[i] {
				t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
			}
		}
	})
}
