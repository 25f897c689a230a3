package postgres

import "time"

// ClosedTradeRecord is one finished round trip: a position and its exit.
type ClosedTradeRecord struct {
	ID uint `gorm:"primaryKey"`

	Symbol   string  `gorm:"type:text;not null;index:idx_trade_symbol"`
	Side     string  `gorm:"type:varchar(8);not null"`
	Size     float64 `gorm:"type:numeric;not null"`
	Leverage int     `gorm:"not null"`

	EntryPrice float64 `gorm:"type:numeric;not null"`
	ExitPrice  float64 `gorm:"type:numeric;not null"`
	Pnl        float64 `gorm:"type:numeric;not null"`
	ROE        float64 `gorm:"type:numeric;not null"`

	Reason string `gorm:"type:varchar(16);not null"`

	OpenedAt time.Time `gorm:"not null"`
	ClosedAt time.Time `gorm:"not null;index:idx_trade_closed_at"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (ClosedTradeRecord) TableName() string {
	return "closed_trade_record"
}
