package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// IntervalLoader runs a reconciliation function once immediately and then
// on a fixed interval until the context is canceled.
type IntervalLoader struct {
	Interval time.Duration
	Run      func(ctx context.Context) error
	Logger   *zap.Logger
}

func (s *IntervalLoader) Start(ctx context.Context) {
	go func() {
		// Run immediately once at startup
		s.runOnce(ctx)

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

func (s *IntervalLoader) runOnce(ctx context.Context) {
	if err := s.Run(ctx); err != nil {
		// The next tick retries; a lost snapshot only delays
		// reconciliation, it never corrupts state.
		s.Logger.Warn("scheduled reconciliation failed", zap.Error(err))
	}
}
