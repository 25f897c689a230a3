package snapshot

import (
	"context"
	"time"

	"perptrader/internal/trading/risk"
	"perptrader/pkg/exchange"

	"go.uber.org/zap"
)

// PositionSource is the slice of the signed client the loader needs.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]exchange.PositionState, error)
}

// PositionLoader pulls the authoritative position list and feeds it to the
// risk monitor. Used at startup, after every reconnect, and on a fixed
// cadence as a safety net against missed deltas.
type PositionLoader struct {
	Source  PositionSource
	Monitor *risk.Monitor
	Timeout time.Duration
	Logger  *zap.Logger
}

// Reconcile fetches one snapshot and applies it. The request carries its
// own timeout so a hung exchange cannot stall the caller indefinitely.
func (l *PositionLoader) Reconcile(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	states, err := l.Source.GetPositions(reqCtx)
	if err != nil {
		l.Logger.Error("failed to load position snapshot", zap.Error(err))
		return err
	}
	l.Logger.Info("position snapshot loaded", zap.Int("count", len(states)))

	l.Monitor.OnPositionSnapshot(states)
	return nil
}
