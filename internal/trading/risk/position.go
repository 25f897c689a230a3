package risk

import (
	"time"

	"perptrader/pkg/exchange"
)

// LifecycleState tracks a position through its exit.
type LifecycleState int

const (
	StateOpen LifecycleState = iota
	StateClosing
	StateClosed
)

func (s LifecycleState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason names what ended a position.
type CloseReason string

const (
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonMaxHold    CloseReason = "max_hold_time"
	ReasonExternal   CloseReason = "external"
)

// Position is the monitor's view of one open position. It is owned by the
// monitor's event loop; callers only ever see copies.
type Position struct {
	Symbol       string
	Side         string // exchange.SideLong or exchange.SideShort
	Size         float64
	EntryPrice   float64
	CurrentPrice float64
	Leverage     int
	MarginUsed   float64

	UnrealizedPnl float64
	UnrealizedROE float64
	HighestROE    float64
	LowestROE     float64

	OpenedAt  time.Time
	UpdatedAt time.Time
	State     LifecycleState

	closeReason CloseReason
}

// applyPrice recomputes derived P&L fields for a new mark price.
func (p *Position) applyPrice(price float64, now time.Time) {
	p.CurrentPrice = price
	if p.Side == exchange.SideLong {
		p.UnrealizedPnl = (price - p.EntryPrice) * p.Size
	} else {
		p.UnrealizedPnl = (p.EntryPrice - price) * p.Size
	}
	if p.MarginUsed > 0 {
		p.UnrealizedROE = p.UnrealizedPnl / p.MarginUsed * 100
	}
	if p.UnrealizedROE > p.HighestROE {
		p.HighestROE = p.UnrealizedROE
	}
	if p.UnrealizedROE < p.LowestROE {
		p.LowestROE = p.UnrealizedROE
	}
	p.UpdatedAt = now
}

// closeSide returns the order side that reduces this position.
func (p *Position) closeSide() string {
	if p.Side == exchange.SideLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// marginUsed derives the margin locked by a position.
func marginUsed(entryPrice, size float64, leverage int) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return entryPrice * size / float64(leverage)
}

// fromState builds a local position from the exchange's authoritative view.
func fromState(state exchange.PositionState, now time.Time) *Position {
	openedAt := now
	if state.UpdatedAt > 0 {
		openedAt = time.UnixMilli(state.UpdatedAt)
	}
	p := &Position{
		Symbol:       state.Symbol,
		Side:         state.Side,
		Size:         state.Size,
		EntryPrice:   state.EntryPrice,
		CurrentPrice: state.EntryPrice,
		Leverage:     state.Leverage,
		MarginUsed:   marginUsed(state.EntryPrice, state.Size, state.Leverage),
		OpenedAt:     openedAt,
		UpdatedAt:    now,
		State:        StateOpen,
	}
	if state.MarkPrice > 0 {
		p.applyPrice(state.MarkPrice, now)
	}
	return p
}
