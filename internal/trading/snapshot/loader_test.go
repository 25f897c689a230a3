package snapshot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"perptrader/internal/trading/risk"
	"perptrader/pkg/exchange"

	"go.uber.org/zap"
)

type fakeSource struct {
	states []exchange.PositionState
	err    error
	calls  atomic.Int32
}

func (f *fakeSource) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	f.calls.Add(1)
	return f.states, f.err
}

type idleClient struct{}

func (idleClient) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	return nil, errors.New("no orders expected")
}

func (idleClient) GetPositions(ctx context.Context) ([]exchange.PositionState, error) {
	return nil, nil
}

func testMonitor(t *testing.T) *risk.Monitor {
	t.Helper()
	mon := risk.NewMonitor(risk.Config{
		StopLossROE:   -99_999,
		TakeProfitROE: 99_999,
	}, idleClient{}, zap.NewNop())
	mon.Start()
	t.Cleanup(mon.Stop)
	return mon
}

// go test -v --run TestReconcileAppliesSnapshot
func TestReconcileAppliesSnapshot(t *testing.T) {
	mon := testMonitor(t)
	source := &fakeSource{states: []exchange.PositionState{
		{Symbol: "BTCUSDT", Side: "long", Size: 1, EntryPrice: 50_000, MarkPrice: 50_500, Leverage: 10},
		{Symbol: "ETHUSDT", Side: "short", Size: 2, EntryPrice: 2_000, MarkPrice: 1_990, Leverage: 5},
	}}

	loader := &PositionLoader{Source: source, Monitor: mon, Timeout: time.Second, Logger: zap.NewNop()}
	if err := loader.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	positions := mon.Positions()
	if len(positions) != 2 {
		t.Fatalf("expected 2 tracked positions, got %d", len(positions))
	}
	if positions["BTCUSDT"].CurrentPrice != 50_500 {
		t.Errorf("expected mark price applied, got %v", positions["BTCUSDT"].CurrentPrice)
	}
}

// go test -v --run TestReconcileSurfacesSourceError
func TestReconcileSurfacesSourceError(t *testing.T) {
	mon := testMonitor(t)
	wantErr := errors.New("exchange unavailable")
	source := &fakeSource{err: wantErr}

	loader := &PositionLoader{Source: source, Monitor: mon, Timeout: time.Second, Logger: zap.NewNop()}
	if err := loader.Reconcile(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected source error, got %v", err)
	}

	if len(mon.Positions()) != 0 {
		t.Error("failed snapshot must not touch monitor state")
	}
}

// go test -v --run TestIntervalLoaderRunsImmediatelyThenOnTicks
func TestIntervalLoaderRunsImmediatelyThenOnTicks(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := &IntervalLoader{
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
		Logger: zap.NewNop(),
	}
	loader.Start(ctx)

	deadline := time.After(time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", runs.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runs.Load() != settled {
		t.Error("loader kept running after cancel")
	}
}
