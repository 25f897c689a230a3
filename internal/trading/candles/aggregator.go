package candles

import (
	"sync"

	"perptrader/pkg/exchange"
)

// Config sizes the aggregator.
type Config struct {
	IntervalMs int64 // bucket width in milliseconds
	MaxCandles int   // closed candles kept per symbol
}

// CloseHook runs synchronously whenever a candle closes. It must not call
// back into the aggregator for the same symbol.
type CloseHook func(Candle)

// Aggregator folds the raw trade stream into fixed-interval OHCLV candles
// per symbol. History is bounded: once MaxCandles closed candles exist for
// a symbol the oldest is evicted first.
//
// Trades are applied exactly as delivered. The stream may replay trades
// after a reconnect; candles rebuilt from a replay drift accordingly, and
// the position monitor never acts on candle history alone, so no
// deduplication is attempted here.
type Aggregator struct {
	intervalMs int64
	maxCandles int
	onClose    CloseHook

	globalMu sync.RWMutex
	data     map[string]*symbolSeries
}

type symbolSeries struct {
	mu     sync.Mutex
	open   *Candle
	closed []Candle
}

func New(cfg Config, onClose CloseHook) *Aggregator {
	return &Aggregator{
		intervalMs: cfg.IntervalMs,
		maxCandles: cfg.MaxCandles,
		onClose:    onClose,
		data:       make(map[string]*symbolSeries),
	}
}

func (a *Aggregator) series(symbol string) *symbolSeries {
	// Fast path: lock per-symbol store only
	a.globalMu.RLock()
	s, ok := a.data[symbol]
	a.globalMu.RUnlock()

	if !ok {
		a.globalMu.Lock()
		if s, ok = a.data[symbol]; !ok {
			s = &symbolSeries{}
			a.data[symbol] = s
		}
		a.globalMu.Unlock()
	}
	return s
}

// Ingest applies one trade. A trade whose bucket is newer than the open
// candle closes it and starts the next one; anything else (same bucket
// or a straggler from an earlier one) folds into the open candle.
func (a *Aggregator) Ingest(trade exchange.Trade) {
	bucket := trade.Timestamp - trade.Timestamp%a.intervalMs
	s := a.series(trade.Symbol)

	var finished *Candle

	s.mu.Lock()
	switch {
	case s.open == nil:
		s.open = a.newCandle(trade, bucket)

	case bucket > s.open.Start:
		c := *s.open
		c.Closed = true
		s.appendClosed(c, a.maxCandles)
		finished = &c
		s.open = a.newCandle(trade, bucket)

	default:
		c := s.open
		if trade.Price > c.High {
			c.High = trade.Price
		}
		if trade.Price < c.Low {
			c.Low = trade.Price
		}
		c.Close = trade.Price
		c.Volume += trade.Size
		c.Turnover += trade.Size * trade.Price
		c.Trades++
	}
	s.mu.Unlock()

	if finished != nil && a.onClose != nil {
		a.onClose(*finished)
	}
}

func (a *Aggregator) newCandle(trade exchange.Trade, bucket int64) *Candle {
	return &Candle{
		Symbol:   trade.Symbol,
		Start:    bucket,
		End:      bucket + a.intervalMs,
		Open:     trade.Price,
		High:     trade.Price,
		Low:      trade.Price,
		Close:    trade.Price,
		Volume:   trade.Size,
		Turnover: trade.Size * trade.Price,
		Trades:   1,
	}
}

func (s *symbolSeries) appendClosed(c Candle, max int) {
	if max > 0 && len(s.closed) >= max {
		n := copy(s.closed, s.closed[1:])
		s.closed = s.closed[:n]
	}
	s.closed = append(s.closed, c)
}

// History returns a copy of the closed candles for one symbol, oldest
// first. A positive limit returns only the newest limit candles.
func (a *Aggregator) History(symbol string, limit int) []Candle {
	a.globalMu.RLock()
	s, ok := a.data[symbol]
	a.globalMu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.closed)
	if limit > 0 && limit < n {
		n = limit
	}
	cp := make([]Candle, n)
	copy(cp, s.closed[len(s.closed)-n:])
	return cp
}

// Count returns the number of closed candles held for one symbol.
func (a *Aggregator) Count(symbol string) int {
	a.globalMu.RLock()
	s, ok := a.data[symbol]
	a.globalMu.RUnlock()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

// Current returns the open candle for one symbol, if any.
func (a *Aggregator) Current(symbol string) (Candle, bool) {
	a.globalMu.RLock()
	s, ok := a.data[symbol]
	a.globalMu.RUnlock()
	if !ok {
		return Candle{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return Candle{}, false
	}
	return *s.open, true
}

// CountAll returns the total number of closed candles across all symbols.
func (a *Aggregator) CountAll() int {
	a.globalMu.RLock()
	defer a.globalMu.RUnlock()

	total := 0
	for _, s := range a.data {
		s.mu.Lock()
		total += len(s.closed)
		s.mu.Unlock()
	}
	return total
}
