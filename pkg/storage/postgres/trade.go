package postgres

import (
	"context"
	"time"

	"perptrader/internal/trading/risk"
)

func (p *PostgresClient) InsertClosedTrade(ctx context.Context, record *ClosedTradeRecord) error {
	return p.DB.WithContext(ctx).Create(record).Error
}

// GetClosedTrades returns the most recent closed trades for a symbol,
// newest first. An empty symbol returns trades across all symbols.
func (p *PostgresClient) GetClosedTrades(ctx context.Context, symbol string, limit int) ([]ClosedTradeRecord, error) {
	query := p.DB.WithContext(ctx).Order("closed_at DESC")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []ClosedTradeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ToClosedTradeRecord converts a monitor close event into its DB
// representation.
func ToClosedTradeRecord(ev risk.Event, closedAt time.Time) *ClosedTradeRecord {
	pos := ev.Position
	return &ClosedTradeRecord{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  pos.CurrentPrice,
		Pnl:        ev.Pnl,
		ROE:        ev.ROE,
		Reason:     string(ev.Reason),
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   closedAt,
	}
}
