package orders

import (
	"errors"
	"testing"
	"time"

	"trading-engine/internal/broker"
)

func newOrder() *Order {
	return &Order{
		ClientOrderID: "c-1",
		Symbol:        "AAPL",
		Side:          broker.SideBuy,
		Type:          broker.TypeLimit,
		Quantity:      10,
		LimitPrice:    100,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusSubmitted, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusFilled, false},
		{StatusPending, StatusPartiallyFilled, false},
		{StatusPending, StatusExpired, false},
		{StatusSubmitted, StatusPartiallyFilled, true},
		{StatusSubmitted, StatusFilled, true},
		{StatusSubmitted, StatusCancelled, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusSubmitted, StatusExpired, true},
		{StatusSubmitted, StatusPending, false},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusCancelled, true},
		{StatusPartiallyFilled, StatusExpired, true},
		{StatusPartiallyFilled, StatusRejected, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	terminals := []Status{StatusFilled, StatusCancelled, StatusRejected, StatusExpired}
	all := []Status{
		StatusPending, StatusSubmitted, StatusPartiallyFilled,
		StatusFilled, StatusCancelled, StatusRejected, StatusExpired,
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Errorf("%s not reported terminal", from)
		}
		for _, to := range all {
			if CanTransition(from, to) {
				t.Errorf("terminal %s allows transition to %s", from, to)
			}
		}
	}
}

func TestTransitionSetsClosedAt(t *testing.T) {
	o := newOrder()
	now := time.Now()

	if err := o.Transition(StatusSubmitted, now); err != nil {
		t.Fatal(err)
	}
	if !o.ClosedAt.IsZero() {
		t.Error("non-terminal transition set ClosedAt")
	}

	closed := now.Add(time.Second)
	if err := o.Transition(StatusCancelled, closed); err != nil {
		t.Fatal(err)
	}
	if !o.ClosedAt.Equal(closed) {
		t.Errorf("ClosedAt = %v, want %v", o.ClosedAt, closed)
	}

	err := o.Transition(StatusFilled, closed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of terminal: err = %v, want ErrInvalidTransition", err)
	}
	if o.Status != StatusCancelled {
		t.Errorf("failed transition mutated status to %s", o.Status)
	}
}

func TestRecordFill(t *testing.T) {
	t.Run("partial then full averages", func(t *testing.T) {
		o := newOrder()
		now := time.Now()
		if err := o.Transition(StatusSubmitted, now); err != nil {
			t.Fatal(err)
		}

		if err := o.RecordFill(100, 4, 0.5, now); err != nil {
			t.Fatal(err)
		}
		if o.Status != StatusPartiallyFilled {
			t.Errorf("status = %s, want partially_filled", o.Status)
		}
		if o.FilledQty != 4 || o.AvgFillPrice != 100 {
			t.Errorf("fill = %.2f @ %.2f, want 4 @ 100", o.FilledQty, o.AvgFillPrice)
		}
		if o.RemainingQty() != 6 {
			t.Errorf("remaining = %.2f, want 6", o.RemainingQty())
		}

		if err := o.RecordFill(110, 6, 0.5, now); err != nil {
			t.Fatal(err)
		}
		if o.Status != StatusFilled {
			t.Errorf("status = %s, want filled", o.Status)
		}
		// (100*4 + 110*6) / 10 = 106
		if o.AvgFillPrice != 106 {
			t.Errorf("avg fill = %.2f, want 106", o.AvgFillPrice)
		}
		if o.Commission != 1 {
			t.Errorf("commission = %.2f, want 1", o.Commission)
		}
	})

	t.Run("overrun rejected", func(t *testing.T) {
		o := newOrder()
		now := time.Now()
		if err := o.Transition(StatusSubmitted, now); err != nil {
			t.Fatal(err)
		}
		if err := o.RecordFill(100, 11, 0, now); err == nil {
			t.Error("overrun fill accepted")
		}
		if o.FilledQty != 0 {
			t.Errorf("rejected fill mutated FilledQty to %.2f", o.FilledQty)
		}
	})

	t.Run("non-positive quantity rejected", func(t *testing.T) {
		o := newOrder()
		now := time.Now()
		if err := o.Transition(StatusSubmitted, now); err != nil {
			t.Fatal(err)
		}
		if err := o.RecordFill(100, 0, 0, now); err == nil {
			t.Error("zero-quantity fill accepted")
		}
	})

	t.Run("float residue snaps to filled", func(t *testing.T) {
		o := newOrder()
		o.Quantity = 0.3
		now := time.Now()
		if err := o.Transition(StatusSubmitted, now); err != nil {
			t.Fatal(err)
		}
		if err := o.RecordFill(100, 0.1, 0, now); err != nil {
			t.Fatal(err)
		}
		if err := o.RecordFill(100, 0.2, 0, now); err != nil {
			t.Fatal(err)
		}
		if o.Status != StatusFilled {
			t.Errorf("status = %s, want filled", o.Status)
		}
		if o.FilledQty != o.Quantity {
			t.Errorf("filled = %.17f, want exactly %.17f", o.FilledQty, o.Quantity)
		}
	})
}
