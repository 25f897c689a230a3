package postgres

import (
	"context"
	"errors"
	"time"

	"perptrader/internal/trading/candles"

	"gorm.io/gorm/clause"
)

// ErrDuplicate reports an insert skipped by the unique index. Replayed
// candles after a stream reconnect land here; callers usually ignore it.
var ErrDuplicate = errors.New("duplicate record skipped")

func (p *PostgresClient) InsertCandle(ctx context.Context, record *CandleRecord) error {
	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "interval_ms"},
			{Name: "start"},
		},
		DoNothing: true,
	}).Create(record)

	if tx.Error != nil {
		return tx.Error
	}

	if tx.RowsAffected == 0 {
		return ErrDuplicate
	}

	return nil
}

func (p *PostgresClient) GetCandle(ctx context.Context, symbol string, intervalMs int64, start time.Time) (*CandleRecord, error) {
	var candle CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND interval_ms = ? AND start = ?", symbol, intervalMs, start).
		First(&candle).Error

	if err != nil {
		return nil, err
	}
	return &candle, nil
}

// GetCandles returns candles for a symbol within [from, to), oldest first.
func (p *PostgresClient) GetCandles(ctx context.Context, symbol string, from, to time.Time) ([]CandleRecord, error) {
	var records []CandleRecord
	err := p.DB.WithContext(ctx).
		Where("symbol = ? AND start >= ? AND start < ?", symbol, from, to).
		Order("start ASC").
		Find(&records).Error

	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresClient) DeleteOldCandles(ctx context.Context, before time.Time) error {
	return p.DB.WithContext(ctx).
		Where("start < ?", before).
		Delete(&CandleRecord{}).Error
}

// ToCandleRecord converts a closed candle into its DB representation.
func ToCandleRecord(c candles.Candle, intervalMs int64) *CandleRecord {
	return &CandleRecord{
		Symbol:     c.Symbol,
		IntervalMs: intervalMs,
		Start:      time.UnixMilli(c.Start),
		End:        time.UnixMilli(c.End),
		Open:       c.Open,
		Close:      c.Close,
		High:       c.High,
		Low:        c.Low,
		Volume:     c.Volume,
		Turnover:   c.Turnover,
		Trades:     c.Trades,
	}
}
