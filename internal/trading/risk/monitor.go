package risk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"perptrader/pkg/exchange"
)

// ExchangeClient is the slice of the signed client the monitor needs.
type ExchangeClient interface {
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error)
	GetPositions(ctx context.Context) ([]exchange.PositionState, error)
}

// Config holds the exit rules.
type Config struct {
	StopLossROE   float64       // negative percent, e.g. -15
	TakeProfitROE float64       // positive percent, e.g. 30
	MaxHoldTime   time.Duration // zero disables the hold limit
	CloseTimeout  time.Duration // per close order / probe call
	EventBuffer   int
}

// EventType discriminates monitor events.
type EventType string

const (
	EventPositionUpdate EventType = "position_update"
	EventPositionClosed EventType = "position_closed"
)

// Event is delivered to collaborators interested in position lifecycle.
type Event struct {
	Type     EventType
	Position Position // copy, safe to retain

	// Closed only
	Reason CloseReason
	Pnl    float64
	ROE    float64
}

// Stats are running totals over confirmed closes.
type Stats struct {
	RealizedPnl float64
	Wins        int
	Losses      int
	Closes      int
}

type priceMsg struct {
	symbol string
	price  float64
}

type deltaMsg struct {
	state exchange.PositionState
}

type snapshotMsg struct {
	states []exchange.PositionState
}

type closeResultMsg struct {
	symbol string
	reason CloseReason
	order  *exchange.Order
	err    error
}

type probeResultMsg struct {
	symbol string
	reason CloseReason
	states []exchange.PositionState
	err    error
}

type positionsReqMsg struct {
	reply chan map[string]Position
}

type stopReqMsg struct {
	reply chan struct{}
}

type statsReqMsg struct {
	reply chan Stats
}

// Monitor owns the live position set and enforces exit rules. All position
// state is mutated by a single event loop; close orders and reconciliation
// probes run on their own goroutines and feed their results back into the
// same loop, so a position in CLOSING can never be triggered twice.
type Monitor struct {
	cfg    Config
	client ExchangeClient
	logger *zap.Logger
	now    func() time.Time

	inbox  chan any
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	stopped  int32
	stopOnce sync.Once

	// loop-owned
	positions map[string]*Position
	stats     Stats
	inflight  int           // close orders and probes currently out
	stopReply chan struct{} // non-nil once a stop is waiting for inflight == 0
}

func NewMonitor(cfg Config, client ExchangeClient, logger *zap.Logger) *Monitor {
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		now:       time.Now,
		inbox:     make(chan any, 1024),
		events:    make(chan Event, cfg.EventBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		positions: make(map[string]*Position),
	}
}

// Start launches the event loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop first refuses new inputs, then waits until every in-flight close
// order or probe (each bounded by CloseTimeout) has fed its result back,
// so confirmed closes are not lost, then stops the loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		atomic.StoreInt32(&m.stopped, 1)
		reply := make(chan struct{})
		m.inbox <- stopReqMsg{reply: reply}
		<-reply
		close(m.quit)
		<-m.done
	})
}

// Events returns the monitor's event stream. Position updates may be
// dropped under backpressure; close events are always delivered.
func (m *Monitor) Events() <-chan Event { return m.events }

// OnPriceUpdate feeds one mark price for a symbol.
func (m *Monitor) OnPriceUpdate(symbol string, price float64) {
	m.post(priceMsg{symbol: symbol, price: price})
}

// OnPositionDelta feeds one streamed position change.
func (m *Monitor) OnPositionDelta(state exchange.PositionState) {
	m.post(deltaMsg{state: state})
}

// OnPositionSnapshot reconciles the live set against the exchange's full
// position list. Symbols absent from the snapshot (or reported with size
// zero) are removed unconditionally; the exchange is authoritative.
func (m *Monitor) OnPositionSnapshot(states []exchange.PositionState) {
	m.post(snapshotMsg{states: states})
}

func (m *Monitor) post(msg any) {
	if atomic.LoadInt32(&m.stopped) == 1 {
		return
	}
	select {
	case m.inbox <- msg:
	case <-m.quit:
	}
}

// Positions returns a copy of the live set.
func (m *Monitor) Positions() map[string]Position {
	req := positionsReqMsg{reply: make(chan map[string]Position, 1)}
	select {
	case m.inbox <- req:
	case <-m.done:
		return nil
	}
	select {
	case snapshot := <-req.reply:
		return snapshot
	case <-m.done:
		return nil
	}
}

// Stats returns the running close totals.
func (m *Monitor) Stats() Stats {
	req := statsReqMsg{reply: make(chan Stats, 1)}
	select {
	case m.inbox <- req:
	case <-m.done:
		return Stats{}
	}
	select {
	case stats := <-req.reply:
		return stats
	case <-m.done:
		return Stats{}
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case msg := <-m.inbox:
			m.handle(msg)
		case <-m.quit:
			// Drain whatever queued before the stop took effect.
			for {
				select {
				case msg := <-m.inbox:
					m.handle(msg)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) handle(msg any) {
	switch msg := msg.(type) {
	case priceMsg:
		m.handlePrice(msg.symbol, msg.price)
	case deltaMsg:
		m.applyState(msg.state)
	case snapshotMsg:
		m.reconcile(msg.states)
	case closeResultMsg:
		m.handleCloseResult(msg)
	case probeResultMsg:
		m.handleProbeResult(msg)
	case positionsReqMsg:
		snapshot := make(map[string]Position, len(m.positions))
		for symbol, pos := range m.positions {
			snapshot[symbol] = *pos
		}
		msg.reply <- snapshot
	case statsReqMsg:
		msg.reply <- m.stats
	case stopReqMsg:
		m.stopReply = msg.reply
	}

	if m.stopReply != nil && m.inflight == 0 {
		close(m.stopReply)
		m.stopReply = nil
	}
}

func (m *Monitor) handlePrice(symbol string, price float64) {
	pos, ok := m.positions[symbol]
	if !ok || pos.State != StateOpen {
		// A CLOSING position is excluded from evaluation: at most one
		// close order may be outstanding per position.
		return
	}

	pos.applyPrice(price, m.now())
	m.emitUpdate(pos)

	if reason, hit := m.exitReason(pos); hit {
		m.triggerClose(pos, reason)
	}
}

// exitReason evaluates the exit rules in fixed priority order: stop-loss,
// then take-profit, then max-hold. The first match wins.
func (m *Monitor) exitReason(pos *Position) (CloseReason, bool) {
	if pos.UnrealizedROE <= m.cfg.StopLossROE {
		return ReasonStopLoss, true
	}
	if pos.UnrealizedROE >= m.cfg.TakeProfitROE {
		return ReasonTakeProfit, true
	}
	if m.cfg.MaxHoldTime > 0 && m.now().Sub(pos.OpenedAt) >= m.cfg.MaxHoldTime {
		return ReasonMaxHold, true
	}
	return "", false
}

// triggerClose flips the position to CLOSING before the order goes out, so
// every later price update for the symbol sees the guard.
func (m *Monitor) triggerClose(pos *Position, reason CloseReason) {
	pos.State = StateClosing
	pos.closeReason = reason

	m.logger.Info("closing position",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.Float64("roe", pos.UnrealizedROE))

	req := exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.closeSide(),
		Type:       exchange.OrderTypeMarket,
		Size:       pos.Size,
		ReduceOnly: true,
	}

	m.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
		order, err := m.client.CreateOrder(ctx, req)
		cancel()
		m.deliver(closeResultMsg{symbol: req.Symbol, reason: reason, order: order, err: err})
	}()
}

// deliver feeds a background result into the loop. Unlike post it ignores
// the stopped flag: results of work already in flight must land.
func (m *Monitor) deliver(msg any) {
	select {
	case m.inbox <- msg:
	case <-m.quit:
	}
}

func (m *Monitor) handleCloseResult(msg closeResultMsg) {
	m.inflight--
	pos, ok := m.positions[msg.symbol]
	if !ok {
		// Reconciled away while the order was in flight.
		return
	}

	switch {
	case msg.err == nil:
		m.finalize(pos, msg.reason, msg.order)

	case exchange.IsNetworkError(msg.err):
		// No response: the order may or may not have executed. Ask the
		// exchange instead of guessing.
		m.logger.Warn("close order ambiguous, probing position snapshot",
			zap.String("symbol", msg.symbol),
			zap.Error(msg.err))
		m.inflight++
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
			states, err := m.client.GetPositions(ctx)
			cancel()
			m.deliver(probeResultMsg{symbol: msg.symbol, reason: msg.reason, states: states, err: err})
		}()

	default:
		// A definite rejection: the close did not happen. Reopen so the
		// next price update can retry; the order is reduce-only, so a
		// retry can never flip the position.
		m.logger.Warn("close order rejected, will retry",
			zap.String("symbol", msg.symbol),
			zap.Error(msg.err))
		pos.State = StateOpen
	}
}

func (m *Monitor) handleProbeResult(msg probeResultMsg) {
	m.inflight--
	pos, ok := m.positions[msg.symbol]
	if !ok {
		return
	}

	if msg.err != nil {
		m.logger.Warn("reconciliation probe failed, reopening position",
			zap.String("symbol", msg.symbol),
			zap.Error(msg.err))
		pos.State = StateOpen
		return
	}

	for _, state := range msg.states {
		if state.Symbol == msg.symbol && state.Size > 0 {
			// Still on the books: the ambiguous order never executed.
			pos.State = StateOpen
			return
		}
	}
	// Gone at the exchange: the close did execute.
	m.finalize(pos, msg.reason, nil)
}

// applyState applies one authoritative position state.
func (m *Monitor) applyState(state exchange.PositionState) {
	pos, ok := m.positions[state.Symbol]

	if state.Size == 0 {
		if !ok {
			return
		}
		if pos.State == StateClosing {
			m.finalize(pos, pos.closeReason, nil)
		} else {
			m.finalize(pos, ReasonExternal, nil)
		}
		return
	}

	if !ok {
		pos = fromState(state, m.now())
		m.positions[state.Symbol] = pos
		m.logger.Info("position adopted",
			zap.String("symbol", pos.Symbol),
			zap.String("side", pos.Side),
			zap.Float64("size", pos.Size))
		m.emitUpdate(pos)
		return
	}

	// Exchange size and entry override local derivations; ROE extrema
	// and the lifecycle state are ours.
	pos.Side = state.Side
	pos.Size = state.Size
	pos.EntryPrice = state.EntryPrice
	if state.Leverage > 0 {
		pos.Leverage = state.Leverage
	}
	pos.MarginUsed = marginUsed(pos.EntryPrice, pos.Size, pos.Leverage)
	if state.MarkPrice > 0 {
		pos.applyPrice(state.MarkPrice, m.now())
	}
	m.emitUpdate(pos)
}

func (m *Monitor) reconcile(states []exchange.PositionState) {
	seen := make(map[string]bool, len(states))
	for _, state := range states {
		seen[state.Symbol] = true
		m.applyState(state)
	}
	for symbol, pos := range m.positions {
		if seen[symbol] {
			continue
		}
		if pos.State == StateClosing {
			m.finalize(pos, pos.closeReason, nil)
		} else {
			m.finalize(pos, ReasonExternal, nil)
		}
	}
}

// finalize accrues the realized result, removes the position from the
// live set, and emits the close event.
func (m *Monitor) finalize(pos *Position, reason CloseReason, order *exchange.Order) {
	exitPrice := pos.CurrentPrice
	if order != nil && order.AvgFillPrice > 0 {
		exitPrice = order.AvgFillPrice
	}
	if exitPrice > 0 {
		pos.applyPrice(exitPrice, m.now())
	}

	pnl := pos.UnrealizedPnl
	roe := pos.UnrealizedROE

	pos.State = StateClosed
	delete(m.positions, pos.Symbol)

	m.stats.RealizedPnl += pnl
	m.stats.Closes++
	if pnl >= 0 {
		m.stats.Wins++
	} else {
		m.stats.Losses++
	}

	m.logger.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.Float64("pnl", pnl),
		zap.Float64("roe", roe))

	ev := Event{Type: EventPositionClosed, Position: *pos, Reason: reason, Pnl: pnl, ROE: roe}
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Monitor) emitUpdate(pos *Position) {
	select {
	case m.events <- Event{Type: EventPositionUpdate, Position: *pos}:
	default:
		// Update events are advisory; the next tick supersedes this one.
	}
}
