package exchange

import "encoding/json"

// EventType discriminates the session event union.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventAuthenticated EventType = "authenticated"
	EventDisconnected  EventType = "disconnected"
	EventTicker        EventType = "ticker"
	EventTrade         EventType = "trade"
	EventOrderbook     EventType = "orderbook"
	EventBalance       EventType = "balance"
	EventPositionDelta EventType = "position_delta"
	EventOrderDelta    EventType = "order_delta"
	EventUnknown       EventType = "unknown"
	EventError         EventType = "error"
)

// Event is the typed union delivered on the session's event channel. Only
// the fields matching Type are populated. Events for one session are
// delivered in order on a single channel; consumers run one dispatcher
// loop over it.
type Event struct {
	Type EventType

	Ticker    *Ticker
	Trade     *Trade
	Orderbook *Orderbook
	Balance   *Balance
	Position  *PositionState
	Order     *OrderUpdate

	// Disconnected
	Code   int
	Reason string

	// Unknown notification: surfaced rather than dropped so new server
	// channels do not vanish silently.
	Channel string
	Raw     json.RawMessage

	// Error. Terminal is set when the session gave up reconnecting and
	// needs an explicit Connect call to resume.
	Err      error
	Terminal bool
}
