// Package models defines the shared domain entities of the exchange
// core: orders, fills, trades, candles, order book rows and markets.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeLimit  = "LIMIT"
	TypeMarket = "MARKET"
)

// Order lifecycle statuses.
const (
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusClosed          = "CLOSED"
	StatusCancelled       = "CANCELLED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// Market statuses.
const (
	MarketStatusActive    = "ACTIVE"
	MarketStatusSuspended = "SUSPENDED"
)

// Order is a resting or incoming exchange order. Amount, Filled and
// Remaining are in base currency, Price and Cost in quote currency.
// MakerID is nil for a customer order and set to the operator id of
// the liquidity pool that backs the order otherwise.
type Order struct {
	ID          uuid.UUID        `json:"id"`
	UserID      uuid.UUID        `json:"user_id"`
	MakerID     *uuid.UUID       `json:"maker_id,omitempty"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	Status      string           `json:"status"`
	Price       fixedpoint.Value `json:"price"`
	Amount      fixedpoint.Value `json:"amount"`
	Filled      fixedpoint.Value `json:"filled"`
	Remaining   fixedpoint.Value `json:"remaining"`
	Cost        fixedpoint.Value `json:"cost"`
	Fee         fixedpoint.Value `json:"fee"`
	FeeCurrency string           `json:"fee_currency"`
	Fills       FillLog          `json:"fills"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// IsMarket reports whether the order executes at any price.
func (o *Order) IsMarket() bool { return o.Type == TypeMarket }

// IsPoolBacked reports whether the order settles against a liquidity
// pool instead of a user wallet.
func (o *Order) IsPoolBacked() bool { return o.MakerID != nil }

// IsOpen reports whether the order can still match.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// Fill is one execution applied to an order. ID repeats the id of the
// order the fill belongs to, matching the shape consumed by account
// history views.
type Fill struct {
	ID        uuid.UUID        `json:"id"`
	Side      string           `json:"side"`
	Price     fixedpoint.Value `json:"price"`
	Amount    fixedpoint.Value `json:"amount"`
	Cost      fixedpoint.Value `json:"cost"`
	Fee       fixedpoint.Value `json:"fee"`
	CreatedAt time.Time        `json:"created_at"`
}

// FillLog is the per-order list of fills, persisted as a JSON document
// in a single column.
type FillLog []Fill

// Value implements driver.Valuer.
func (l FillLog) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fill log: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *FillLog) Scan(src interface{}) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(s)
	case []byte:
		data = s
	default:
		return fmt.Errorf("failed to scan fill log from %T", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("failed to decode fill log: %w", err)
	}
	return nil
}

// Trade is the durable record of one matched pair of orders. Side is
// the side of the taker, the order created later of the two.
type Trade struct {
	ID           uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	Symbol       string           `json:"symbol" gorm:"size:32;index"`
	Side         string           `json:"side" gorm:"size:4"`
	Price        fixedpoint.Value `json:"price" gorm:"type:varchar(78)"`
	Amount       fixedpoint.Value `json:"amount" gorm:"type:varchar(78)"`
	Cost         fixedpoint.Value `json:"cost" gorm:"type:varchar(78)"`
	MakerOrderID uuid.UUID        `json:"maker_order_id" gorm:"type:uuid;index"`
	TakerOrderID uuid.UUID        `json:"taker_order_id" gorm:"type:uuid;index"`
	MakerFee     fixedpoint.Value `json:"maker_fee" gorm:"type:varchar(78)"`
	TakerFee     fixedpoint.Value `json:"taker_fee" gorm:"type:varchar(78)"`
	FeeCurrency  string           `json:"fee_currency" gorm:"size:16"`
	CreatedAt    time.Time        `json:"created_at" gorm:"index"`
}

// Candle is one OHLCV bucket for a symbol and interval. OpenedAt
// identifies the bucket and is always in UTC.
type Candle struct {
	Symbol    string           `json:"symbol" gorm:"size:32;primaryKey"`
	Interval  string           `json:"interval" gorm:"size:8;primaryKey"`
	OpenedAt  time.Time        `json:"opened_at" gorm:"primaryKey"`
	Open      fixedpoint.Value `json:"open" gorm:"type:varchar(78)"`
	High      fixedpoint.Value `json:"high" gorm:"type:varchar(78)"`
	Low       fixedpoint.Value `json:"low" gorm:"type:varchar(78)"`
	Close     fixedpoint.Value `json:"close" gorm:"type:varchar(78)"`
	Volume    fixedpoint.Value `json:"volume" gorm:"type:varchar(78)"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// OrderBookEntry is one durable aggregated price level.
type OrderBookEntry struct {
	Symbol    string           `json:"symbol" gorm:"size:32;primaryKey"`
	Side      string           `json:"side" gorm:"size:4;primaryKey"`
	Price     fixedpoint.Value `json:"price" gorm:"type:varchar(78);primaryKey"`
	Amount    fixedpoint.Value `json:"amount" gorm:"type:varchar(78)"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TableName keeps the historical table name.
func (OrderBookEntry) TableName() string { return "order_book" }

// Market is a tradable symbol with its currency pair.
type Market struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Symbol    string    `json:"symbol" gorm:"size:32;uniqueIndex"`
	Base      string    `json:"base" gorm:"size:16"`
	Quote     string    `json:"quote" gorm:"size:16"`
	Status    string    `json:"status" gorm:"size:16"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the market accepts orders.
func (m *Market) IsActive() bool { return m.Status == MarketStatusActive }

// Ticker is the derived daily statistics view for one symbol. It is
// never persisted; the engine rebuilds it from daily candles.
type Ticker struct {
	Symbol        string           `json:"symbol"`
	Last          fixedpoint.Value `json:"last"`
	High          fixedpoint.Value `json:"high"`
	Low           fixedpoint.Value `json:"low"`
	Volume        fixedpoint.Value `json:"volume"`
	Change        fixedpoint.Value `json:"change"`
	ChangePercent fixedpoint.Value `json:"change_percent"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
