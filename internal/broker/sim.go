package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimConfig holds fill-simulator tuning knobs.
type SimConfig struct {
	InitialCash    float64       `json:"initial_cash"`
	CommissionRate float64       `json:"commission_rate"` // fraction of notional, e.g. 0.001
	SlippagePct    float64       `json:"slippage_pct"`    // adverse move applied to market fills
	FillDelay      time.Duration `json:"fill_delay"`      // delay before a resting limit order is checked
	MarketOpen     bool          `json:"market_open"`
}

// DefaultSimConfig returns the defaults used by paper sessions.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		InitialCash:    100_000,
		CommissionRate: 0.001,
		SlippagePct:    0.0005,
		MarketOpen:     true,
	}
}

type simOrder struct {
	req       *OrderRequest
	ack       *OrderAck
	placedAt  time.Time
	remaining float64
	cancelled bool
}

// Sim is the local fill simulator. It satisfies Broker with deterministic
// semantics: prices only move when SetPrice is called, market orders fill
// immediately at the last price plus slippage, and limit orders fill when a
// price update crosses the limit. Backtests drive it with historical prices.
type Sim struct {
	mu        sync.Mutex
	cfg       SimConfig
	cash      float64
	prices    map[string]float64
	holdings  map[string]*Position
	working   map[string]*simOrder
	onFill    FillHandler
	clock     func() time.Time
	connected bool
}

// NewSim creates a fill simulator with the given configuration.
func NewSim(cfg SimConfig) *Sim {
	return &Sim{
		cfg:      cfg,
		cash:     cfg.InitialCash,
		prices:   make(map[string]float64),
		holdings: make(map[string]*Position),
		working:  make(map[string]*simOrder),
		clock:    time.Now,
	}
}

// SetClock replaces the simulator clock. Backtests inject a synthetic clock here.
func (s *Sim) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// OnFill registers the fill push handler.
func (s *Sim) OnFill(handler FillHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFill = handler
}

// SetPrice updates the simulated last price for a symbol and sweeps resting
// limit orders that the new price crosses.
func (s *Sim) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	var fills []*Fill
	s.prices[symbol] = price
	for id, wo := range s.working {
		if wo.req.Symbol != symbol || wo.cancelled {
			continue
		}
		if s.cfg.FillDelay > 0 && s.clock().Sub(wo.placedAt) < s.cfg.FillDelay {
			continue
		}
		if !limitCrossed(wo.req, price) {
			continue
		}
		fills = append(fills, s.fillLocked(wo, wo.req.LimitPrice))
		delete(s.working, id)
	}
	for _, pos := range s.holdings {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
			pos.MarketValue = pos.Quantity * price
			pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Quantity
			pos.UpdatedAt = s.clock()
		}
	}
	handler := s.onFill
	s.mu.Unlock()

	if handler != nil {
		for _, f := range fills {
			handler(f)
		}
	}
}

func limitCrossed(req *OrderRequest, price float64) bool {
	if req.Type != TypeLimit {
		return false
	}
	if req.Side == SideBuy {
		return price <= req.LimitPrice
	}
	return price >= req.LimitPrice
}

// Connect marks the simulator connected. It never fails.
func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect marks the simulator disconnected.
func (s *Sim) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// GetAccount returns the simulated account snapshot.
func (s *Sim) GetAccount(ctx context.Context) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.cash
	for _, pos := range s.holdings {
		equity += pos.Quantity * pos.CurrentPrice
	}
	return &Account{
		AccountID:   "sim",
		Cash:        s.cash,
		Equity:      equity,
		BuyingPower: s.cash,
		UpdatedAt:   s.clock(),
	}, nil
}

// GetPositions returns copies of the simulated positions.
func (s *Sim) GetPositions(ctx context.Context) ([]*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Position, 0, len(s.holdings))
	for _, pos := range s.holdings {
		cp := *pos
		out = append(out, &cp)
	}
	return out, nil
}

// PlaceOrder accepts an order. Market orders fill synchronously before the ack
// handler fires; limit orders rest until a price update crosses them.
func (s *Sim) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %.8f", ErrInvalidOrder, req.Quantity)
	}
	s.mu.Lock()
	if !s.cfg.MarketOpen {
		s.mu.Unlock()
		return nil, ErrMarketClosed
	}
	last, ok := s.prices[req.Symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, req.Symbol)
	}
	if req.Side == SideBuy {
		ref := last
		if req.Type == TypeLimit {
			ref = req.LimitPrice
		}
		if ref*req.Quantity > s.cash {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientFunds, ref*req.Quantity, s.cash)
		}
	}

	ack := &OrderAck{
		OrderID:       uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        "accepted",
		SubmittedAt:   s.clock(),
	}
	wo := &simOrder{req: req, ack: ack, placedAt: s.clock(), remaining: req.Quantity}

	var fill *Fill
	switch req.Type {
	case TypeMarket:
		price := last * (1 + s.slippageFor(req.Side))
		fill = s.fillLocked(wo, price)
		ack.Status = "filled"
	default:
		if limitCrossed(req, last) && s.cfg.FillDelay == 0 {
			fill = s.fillLocked(wo, req.LimitPrice)
			ack.Status = "filled"
		} else {
			s.working[ack.OrderID] = wo
		}
	}
	handler := s.onFill
	s.mu.Unlock()

	if fill != nil && handler != nil {
		handler(fill)
	}
	return ack, nil
}

func (s *Sim) slippageFor(side OrderSide) float64 {
	if side == SideBuy {
		return s.cfg.SlippagePct
	}
	return -s.cfg.SlippagePct
}

// fillLocked applies a full fill for a working order. Caller holds s.mu.
func (s *Sim) fillLocked(wo *simOrder, price float64) *Fill {
	qty := wo.remaining
	notional := price * qty
	commission := notional * s.cfg.CommissionRate

	signed := qty
	if wo.req.Side == SideSell {
		signed = -qty
	}
	pos, ok := s.holdings[wo.req.Symbol]
	if !ok {
		pos = &Position{Symbol: wo.req.Symbol, AvgEntryPrice: price}
		s.holdings[wo.req.Symbol] = pos
	}
	newQty := pos.Quantity + signed
	if pos.Quantity != 0 && math.Signbit(newQty) == math.Signbit(pos.Quantity) && math.Abs(newQty) > math.Abs(pos.Quantity) {
		pos.AvgEntryPrice = (pos.AvgEntryPrice*math.Abs(pos.Quantity) + price*qty) / math.Abs(newQty)
	} else if pos.Quantity == 0 {
		pos.AvgEntryPrice = price
	}
	pos.Quantity = newQty
	pos.CurrentPrice = price
	pos.MarketValue = pos.Quantity * price
	pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Quantity
	pos.UpdatedAt = s.clock()
	if pos.Quantity == 0 {
		delete(s.holdings, wo.req.Symbol)
	}

	if wo.req.Side == SideBuy {
		s.cash -= notional + commission
	} else {
		s.cash += notional - commission
	}

	wo.remaining = 0
	return &Fill{
		OrderID:       wo.ack.OrderID,
		ClientOrderID: wo.req.ClientOrderID,
		Symbol:        wo.req.Symbol,
		Side:          wo.req.Side,
		Price:         price,
		Quantity:      qty,
		Commission:    commission,
		Timestamp:     s.clock(),
	}
}

// CancelOrder cancels a resting order. Filled orders cannot be cancelled.
func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.working[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	wo.cancelled = true
	wo.ack.Status = "cancelled"
	delete(s.working, orderID)
	return nil
}

// GetOrder returns the acknowledgement state for a working order.
func (s *Sim) GetOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wo, ok := s.working[orderID]; ok {
		cp := *wo.ack
		return &cp, nil
	}
	return nil, ErrOrderNotFound
}

// IsMarketOpen reports the configured market state.
func (s *Sim) IsMarketOpen(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MarketOpen, nil
}

// SetMarketOpen flips the simulated market state.
func (s *Sim) SetMarketOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MarketOpen = open
}

// GetLatestPrice returns the last set price for a symbol.
func (s *Sim) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return price, nil
}
