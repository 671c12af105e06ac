package broker

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the supported order types.
type OrderType string

const (
	TypeMarket    OrderType = "market"
	TypeLimit     OrderType = "limit"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// Account is the broker-side account snapshot.
type Account struct {
	AccountID   string    `json:"account_id"`
	Cash        float64   `json:"cash"`
	Equity      float64   `json:"equity"`
	BuyingPower float64   `json:"buying_power"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Position is the broker-side view of a net holding.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"` // negative for short
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	MarketValue   float64   `json:"market_value"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OrderRequest is what the execution engine hands to a broker.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      float64     `json:"quantity"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"` // broker-native status string
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Fill reports an execution against a working order. PartialFill true means the
// order is still working with reduced remaining quantity.
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Commission    float64   `json:"commission"`
	PartialFill   bool      `json:"partial_fill"`
	Timestamp     time.Time `json:"timestamp"`
}
