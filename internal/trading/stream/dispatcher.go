package stream

import (
	"context"

	"perptrader/internal/trading/candles"
	"perptrader/internal/trading/risk"
	"perptrader/pkg/exchange"

	"go.uber.org/zap"
)

// Dispatcher is the single consumer of a session's event stream. It fans
// events out to the aggregator and the risk monitor, preserving the
// session's delivery order.
type Dispatcher struct {
	Logger     *zap.Logger
	Aggregator *candles.Aggregator
	Monitor    *risk.Monitor

	// OnConnected runs on every connected/authenticated transition and
	// typically triggers a position snapshot reconciliation. Called on
	// the dispatcher goroutine; it must not block.
	OnConnected func()

	// OnTerminal runs when the session gives up reconnecting.
	OnTerminal func(err error)
}

// Run consumes events until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev exchange.Event) {
	switch ev.Type {
	case exchange.EventTicker:
		d.Monitor.OnPriceUpdate(ev.Ticker.Symbol, ev.Ticker.LastPrice)

	case exchange.EventTrade:
		d.Aggregator.Ingest(*ev.Trade)
		d.Monitor.OnPriceUpdate(ev.Trade.Symbol, ev.Trade.Price)

	case exchange.EventPositionDelta:
		d.Monitor.OnPositionDelta(*ev.Position)

	case exchange.EventOrderDelta:
		d.Logger.Info("order update",
			zap.String("symbol", ev.Order.Symbol),
			zap.String("order_id", ev.Order.OrderID),
			zap.String("status", ev.Order.Status),
			zap.Float64("filled", ev.Order.FilledSize))

	case exchange.EventConnected, exchange.EventAuthenticated:
		d.Logger.Info("stream up", zap.String("event", string(ev.Type)))
		if ev.Type == exchange.EventConnected && d.OnConnected != nil {
			d.OnConnected()
		}

	case exchange.EventDisconnected:
		d.Logger.Warn("stream down",
			zap.Int("code", ev.Code),
			zap.String("reason", ev.Reason))

	case exchange.EventError:
		if ev.Terminal {
			d.Logger.Error("stream gave up reconnecting", zap.Error(ev.Err))
			if d.OnTerminal != nil {
				d.OnTerminal(ev.Err)
			}
			return
		}
		d.Logger.Warn("stream error", zap.Error(ev.Err))

	case exchange.EventBalance:
		d.Logger.Debug("balance update",
			zap.Float64("total", ev.Balance.Total),
			zap.Float64("available", ev.Balance.Available))

	case exchange.EventUnknown:
		d.Logger.Debug("unhandled channel", zap.String("channel", ev.Channel))
	}
}
