package candles

import (
	"sync"
	"testing"

	"perptrader/pkg/exchange"
)

func trade(symbol string, price, size float64, ts int64) exchange.Trade {
	return exchange.Trade{Symbol: symbol, Price: price, Size: size, Side: exchange.SideBuy, Timestamp: ts}
}

// go test -v --run TestBucketBoundary
func TestBucketBoundary(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	// 59999 is the last millisecond of the first bucket; 60000 opens the
	// next one.
	agg.Ingest(trade("BTCUSDT", 100, 1, 59999))
	agg.Ingest(trade("BTCUSDT", 101, 2, 60000))

	history := agg.History("BTCUSDT", 0)
	if len(history) != 1 {
		t.Fatalf("expected 1 closed candle, got %d", len(history))
	}
	first := history[0]
	if first.Start != 0 || first.End != 60000 {
		t.Fatalf("wrong bucket bounds: [%d, %d)", first.Start, first.End)
	}
	if first.Open != 100 || first.Close != 100 || first.Volume != 1 || !first.Closed {
		t.Fatalf("unexpected closed candle: %+v", first)
	}

	current, ok := agg.Current("BTCUSDT")
	if !ok {
		t.Fatal("expected an open candle")
	}
	if current.Start != 60000 || current.Open != 101 || current.Closed {
		t.Fatalf("unexpected open candle: %+v", current)
	}
}

// go test -v --run TestOHLCVAccumulation
func TestOHLCVAccumulation(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	agg.Ingest(trade("ETHUSDT", 2000, 1, 1000))
	agg.Ingest(trade("ETHUSDT", 2010, 2, 2000))
	agg.Ingest(trade("ETHUSDT", 1990, 1, 3000))
	agg.Ingest(trade("ETHUSDT", 2005, 0.5, 4000))

	c, ok := agg.Current("ETHUSDT")
	if !ok {
		t.Fatal("expected an open candle")
	}
	if c.Open != 2000 || c.High != 2010 || c.Low != 1990 || c.Close != 2005 {
		t.Fatalf("wrong OHLC: %+v", c)
	}
	if c.Volume != 4.5 || c.Trades != 4 {
		t.Fatalf("wrong volume/count: %+v", c)
	}
	wantTurnover := 2000.0 + 2010*2 + 1990.0 + 2005*0.5
	if c.Turnover != wantTurnover {
		t.Fatalf("wrong turnover: got %v want %v", c.Turnover, wantTurnover)
	}
}

// go test -v --run TestLateTradeFoldsIntoOpenCandle
func TestLateTradeFoldsIntoOpenCandle(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	agg.Ingest(trade("BTCUSDT", 100, 1, 10000))
	agg.Ingest(trade("BTCUSDT", 110, 1, 70000)) // closes bucket 0

	// A straggler from the already-closed bucket lands in the open
	// candle rather than rewriting history.
	agg.Ingest(trade("BTCUSDT", 90, 1, 55000))

	history := agg.History("BTCUSDT", 0)
	if len(history) != 1 || history[0].Low != 100 {
		t.Fatalf("closed candle was rewritten: %+v", history)
	}
	c, _ := agg.Current("BTCUSDT")
	if c.Low != 90 || c.Close != 90 || c.Volume != 2 {
		t.Fatalf("late trade not folded: %+v", c)
	}
}

// go test -v --run TestGapSkipsEmptyBuckets
func TestGapSkipsEmptyBuckets(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	agg.Ingest(trade("BTCUSDT", 100, 1, 30000))
	agg.Ingest(trade("BTCUSDT", 105, 1, 300000)) // five buckets later

	history := agg.History("BTCUSDT", 0)
	if len(history) != 1 {
		t.Fatalf("expected 1 closed candle across the gap, got %d", len(history))
	}
	c, _ := agg.Current("BTCUSDT")
	if c.Start != 300000 {
		t.Fatalf("open candle not aligned past the gap: %+v", c)
	}
}

// go test -v --run TestBoundedHistoryEvictsOldest
func TestBoundedHistoryEvictsOldest(t *testing.T) {
	agg := New(Config{IntervalMs: 1000, MaxCandles: 3}, nil)

	for i := int64(0); i < 6; i++ {
		agg.Ingest(trade("BTCUSDT", 100+float64(i), 1, i*1000))
	}

	history := agg.History("BTCUSDT", 0)
	if len(history) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(history))
	}
	// Candles 0 and 1 evicted; 2, 3, 4 remain; 5 is still open.
	if history[0].Start != 2000 || history[2].Start != 4000 {
		t.Fatalf("wrong eviction order: first=%d last=%d", history[0].Start, history[2].Start)
	}
	if agg.CountAll() != 3 || agg.Count("BTCUSDT") != 3 {
		t.Fatalf("count mismatch: all=%d symbol=%d", agg.CountAll(), agg.Count("BTCUSDT"))
	}

	newest := agg.History("BTCUSDT", 2)
	if len(newest) != 2 || newest[0].Start != 3000 || newest[1].Start != 4000 {
		t.Fatalf("limited history wrong: %+v", newest)
	}
}

// go test -v --run TestDuplicateTradesAreNotDeduplicated
func TestDuplicateTradesAreNotDeduplicated(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	same := trade("BTCUSDT", 100, 1, 5000)
	agg.Ingest(same)
	agg.Ingest(same) // stream replay after reconnect

	c, _ := agg.Current("BTCUSDT")
	if c.Volume != 2 || c.Trades != 2 {
		t.Fatalf("replayed trade should count twice: %+v", c)
	}
}

// go test -v --run TestCloseHookFires
func TestCloseHookFires(t *testing.T) {
	var mu sync.Mutex
	var closed []Candle
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, func(c Candle) {
		mu.Lock()
		closed = append(closed, c)
		mu.Unlock()
	})

	agg.Ingest(trade("BTCUSDT", 100, 1, 0))
	agg.Ingest(trade("BTCUSDT", 101, 1, 60000))
	agg.Ingest(trade("BTCUSDT", 102, 1, 120000))

	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 2 {
		t.Fatalf("expected 2 close callbacks, got %d", len(closed))
	}
	if closed[0].Start != 0 || closed[1].Start != 60000 {
		t.Fatalf("wrong close order: %+v", closed)
	}
	for _, c := range closed {
		if !c.Closed {
			t.Fatalf("hook saw a non-final candle: %+v", c)
		}
	}
}

// go test -v --run TestSymbolsAreIndependent
func TestSymbolsAreIndependent(t *testing.T) {
	agg := New(Config{IntervalMs: 60000, MaxCandles: 10}, nil)

	var wg sync.WaitGroup
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				agg.Ingest(trade(symbol, 100, 1, i*60000))
			}
		}(symbol)
	}
	wg.Wait()

	for _, symbol := range symbols {
		if got := len(agg.History(symbol, 0)); got != 10 {
			t.Fatalf("%s: expected capped history of 10, got %d", symbol, got)
		}
	}
}
