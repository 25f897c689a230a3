package exchange

// Ticker is a best-price snapshot pushed on the "ticker" channel.
type Ticker struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice,string"`
	BidPrice  float64 `json:"bidPrice,string"`
	AskPrice  float64 `json:"askPrice,string"`
	Timestamp int64   `json:"ts"` // milliseconds since epoch
}

// Trade is a single execution pushed on the "trades" channel.
type Trade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price,string"`
	Size      float64 `json:"size,string"`
	Side      string  `json:"side"` // aggressor side: "buy" or "sell"
	Timestamp int64   `json:"ts"`
}

// OrderbookLevel is one price level of an orderbook snapshot.
type OrderbookLevel struct {
	Price float64 `json:"price,string"`
	Size  float64 `json:"size,string"`
}

// Orderbook is a depth snapshot pushed on the "orderbook" channel.
type Orderbook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderbookLevel `json:"bids"`
	Asks      []OrderbookLevel `json:"asks"`
	Timestamp int64            `json:"ts"`
}

// PositionState is the exchange's view of one position, delivered both by
// the "positions" stream channel and by the position list endpoint. It is
// authoritative over any locally derived state.
type PositionState struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	Size          float64 `json:"size,string"`
	EntryPrice    float64 `json:"entryPrice,string"`
	MarkPrice     float64 `json:"markPrice,string"`
	Leverage      int     `json:"leverage"`
	UnrealizedPnl float64 `json:"unrealizedPnl,string"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// OrderUpdate is pushed on the "orders" and "fills" channels.
type OrderUpdate struct {
	OrderID      string  `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Status       string  `json:"status"` // "new", "filled", "canceled", "rejected"
	FilledSize   float64 `json:"filledSize,string"`
	AvgFillPrice float64 `json:"avgFillPrice,string"`
	ReduceOnly   bool    `json:"reduceOnly"`
	Timestamp    int64   `json:"ts"`
}

// Order is the response payload of the order-create endpoint.
type Order struct {
	OrderID      string  `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Type         string  `json:"type"` // "market" or "limit"
	Size         float64 `json:"size,string"`
	Price        float64 `json:"price,string"`
	FilledSize   float64 `json:"filledSize,string"`
	AvgFillPrice float64 `json:"avgFillPrice,string"`
	Status       string  `json:"status"`
	ReduceOnly   bool    `json:"reduceOnly"`
}

// Balance is the response payload of the account balance endpoint.
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total,string"`
	Available float64 `json:"available,string"`
}

const (
	SideBuy  = "buy"
	SideSell = "sell"

	SideLong  = "long"
	SideShort = "short"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)
