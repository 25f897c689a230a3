package candles

// Candle is one OHLCV bucket built from the trade stream. Start and End
// are milliseconds since epoch; the bucket covers [Start, End).
type Candle struct {
	Symbol   string  `json:"symbol"`
	Start    int64   `json:"start"`
	End      int64   `json:"end"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`   // traded base units
	Turnover float64 `json:"turnover"` // traded quote value
	Trades   int     `json:"trades"`
	Closed   bool    `json:"closed"`
}
