package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perptrader/config"
	"perptrader/internal/trading/candles"
	"perptrader/internal/trading/risk"
	"perptrader/internal/trading/snapshot"
	"perptrader/internal/trading/stream"
	"perptrader/pkg/exchange"
	"perptrader/pkg/storage/postgres"

	"go.uber.org/zap"
)

// Engine wires the session, the signed client, the candle aggregator, and
// the position monitor into one running trading core.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	client     *exchange.RESTClient
	session    *exchange.Session
	aggregator *candles.Aggregator
	monitor    *risk.Monitor
	db         *postgres.PostgresClient

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	terminal chan error
	stopOnce sync.Once
}

// Start builds and launches the engine. It returns once the stream is
// connected, subscribed, and the first position snapshot has been
// requested.
func Start(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	env := cfg.Log.Environment
	cfg.Exchange.ResolveSecrets(env)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		terminal: make(chan error, 1),
	}

	if cfg.Postgres.Enabled() {
		db, err := postgres.InitializeAndMigrate(cfg.Postgres, env, true)
		if err != nil {
			return nil, fmt.Errorf("failed to set up persistence: %w", err)
		}
		e.db = db
	}

	signer := exchange.NewHMACSigner(cfg.Exchange.APISecret)

	e.client = exchange.NewRESTClient(exchange.RESTClientConfig{
		BaseURL:     cfg.Exchange.REST.BaseURL,
		AccountID:   cfg.Exchange.AccountID,
		Signer:      signer,
		Timeout:     cfg.Exchange.REST.Timeout,
		MaxRetries:  cfg.Exchange.REST.MaxRetries,
		RetryDelay:  cfg.Exchange.REST.RetryDelay,
		RefreshSkew: cfg.Exchange.REST.RefreshSkew,
		Logger:      logger,
	})

	e.aggregator = candles.New(candles.Config{
		IntervalMs: cfg.Candles.IntervalMs,
		MaxCandles: cfg.Candles.MaxKlines,
	}, e.persistCandle)

	e.monitor = risk.NewMonitor(risk.Config{
		StopLossROE:   cfg.Scalper.StopLossROE,
		TakeProfitROE: cfg.Scalper.TakeProfitROE,
		MaxHoldTime:   time.Duration(cfg.Scalper.MaxHoldTimeMinutes) * time.Minute,
		CloseTimeout:  cfg.Exchange.REST.Timeout,
	}, e.client, logger)
	e.monitor.Start()

	e.session = exchange.NewSession(exchange.SessionConfig{
		URL: cfg.Exchange.WS.URL,
		Credential: &exchange.SessionCredential{
			AccountID: cfg.Exchange.AccountID,
			Signer:    signer,
		},
		HandshakeTimeout:     cfg.Exchange.WS.HandshakeTimeout,
		RequestTimeout:       cfg.Exchange.WS.RequestTimeout,
		HeartbeatInterval:    cfg.Exchange.WS.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Exchange.WS.HeartbeatTimeout,
		ReconnectBaseDelay:   cfg.Exchange.WS.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Exchange.WS.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Exchange.WS.MaxReconnectAttempts,
		Logger:               logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	loader := &snapshot.PositionLoader{
		Source:  e.client,
		Monitor: e.monitor,
		Timeout: cfg.Exchange.REST.Timeout,
		Logger:  logger,
	}

	dispatcher := &stream.Dispatcher{
		Logger:     logger,
		Aggregator: e.aggregator,
		Monitor:    e.monitor,
		OnConnected: func() {
			// Reconcile off the dispatcher goroutine so event flow is
			// never blocked behind a REST call.
			go loader.Reconcile(ctx)
		},
		OnTerminal: func(err error) {
			select {
			case e.terminal <- err:
			default:
			}
		},
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		dispatcher.Run(ctx, e.session.Events())
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeMonitorEvents(ctx)
	}()

	if err := e.session.Connect(ctx); err != nil {
		e.Stop()
		return nil, fmt.Errorf("failed to connect stream: %w", err)
	}

	e.subscribeAll(ctx)

	scheduler := &snapshot.IntervalLoader{
		Interval: e.reconcileInterval(),
		Run:      loader.Reconcile,
		Logger:   logger,
	}
	scheduler.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logStats(ctx)
	}()

	return e, nil
}

// Done delivers the terminal stream error if the session ever gives up
// reconnecting.
func (e *Engine) Done() <-chan error { return e.terminal }

// Stop shuts the engine down in dependency order: stop market data, let
// in-flight close orders finish, then release everything else.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.session.Disconnect()
		e.monitor.Stop()
		e.cancel()
		e.wg.Wait()
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				e.logger.Warn("failed to close database", zap.Error(err))
			}
		}
		e.logger.Info("engine stopped")
	})
}

func (e *Engine) subscribeAll(ctx context.Context) {
	for _, symbol := range e.cfg.Scalper.Symbols {
		for _, channel := range []string{exchange.ChannelTicker, exchange.ChannelTrades} {
			if err := e.session.Subscribe(ctx, channel, symbol); err != nil {
				e.logger.Warn("subscribe failed",
					zap.String("channel", channel),
					zap.String("symbol", symbol),
					zap.Error(err))
			}
		}
	}

	// Account-wide channels carry no symbol.
	for _, channel := range []string{exchange.ChannelPositions, exchange.ChannelOrders, exchange.ChannelFills} {
		if err := e.session.Subscribe(ctx, channel, ""); err != nil {
			e.logger.Warn("subscribe failed",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
}

// reconcileInterval derives the snapshot cadence from the scalper's tick
// settings, with a floor so a misconfigured value cannot hammer the REST
// surface.
func (e *Engine) reconcileInterval() time.Duration {
	interval := time.Duration(e.cfg.Scalper.TickIntervalMs*e.cfg.Scalper.ScanIntervalTicks) * time.Millisecond
	if interval < 15*time.Second {
		interval = time.Minute
	}
	return interval
}

// persistCandle is the aggregator's close hook.
func (e *Engine) persistCandle(c candles.Candle) {
	if e.db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	record := postgres.ToCandleRecord(c, e.cfg.Candles.IntervalMs)
	if err := e.db.InsertCandle(ctx, record); err != nil && !errors.Is(err, postgres.ErrDuplicate) {
		e.logger.Warn("failed to insert candle",
			zap.String("symbol", c.Symbol),
			zap.Error(err))
	}
}

func (e *Engine) consumeMonitorEvents(ctx context.Context) {
	for {
		select {
		case ev := <-e.monitor.Events():
			e.handleMonitorEvent(ev)
		case <-ctx.Done():
			// Final drain so confirmed closes hit the database before
			// the connection goes away.
			for {
				select {
				case ev := <-e.monitor.Events():
					e.handleMonitorEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handleMonitorEvent(ev risk.Event) {
	switch ev.Type {
	case risk.EventPositionUpdate:
		e.logger.Debug("position update",
			zap.String("symbol", ev.Position.Symbol),
			zap.Float64("roe", ev.Position.UnrealizedROE))

	case risk.EventPositionClosed:
		if e.db == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		record := postgres.ToClosedTradeRecord(ev, time.Now())
		if err := e.db.InsertClosedTrade(ctx, record); err != nil {
			e.logger.Warn("failed to insert closed trade",
				zap.String("symbol", ev.Position.Symbol),
				zap.Error(err))
		}
	}
}

// logStats periodically surfaces engine health for visibility.
func (e *Engine) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.monitor.Stats()
			e.logger.Info("engine stats",
				zap.Int("closed_candles", e.aggregator.CountAll()),
				zap.Int("open_positions", len(e.monitor.Positions())),
				zap.Int("closes", stats.Closes),
				zap.Int("wins", stats.Wins),
				zap.Int("losses", stats.Losses),
				zap.Float64("realized_pnl", stats.RealizedPnl))
		}
	}
}
