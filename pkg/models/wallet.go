package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
)

// Wallet types.
const (
	WalletTypeSpot    = "SPOT"
	WalletTypeEco     = "ECO"
	WalletTypeFutures = "FUTURES"
)

// Wallet holds one user's funds in one currency under one wallet type.
// Available is spendable, Reserved backs the user's open orders. Both
// stay non-negative at all times.
type Wallet struct {
	ID        uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID        `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_wallets_owner"`
	Currency  string           `json:"currency" gorm:"size:16;uniqueIndex:idx_wallets_owner"`
	Type      string           `json:"type" gorm:"size:16;uniqueIndex:idx_wallets_owner"`
	Available fixedpoint.Value `json:"available" gorm:"type:varchar(78)"`
	Reserved  fixedpoint.Value `json:"reserved" gorm:"type:varchar(78)"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// LiquidityPool holds the base and quote inventory an automated market
// maker trades from on one symbol. Balances stay non-negative; a trade
// that would overdraw either side is rejected.
type LiquidityPool struct {
	ID           uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	MakerID      uuid.UUID        `json:"maker_id" gorm:"type:uuid;uniqueIndex:idx_pools_owner"`
	Symbol       string           `json:"symbol" gorm:"size:32;uniqueIndex:idx_pools_owner"`
	BaseBalance  fixedpoint.Value `json:"base_balance" gorm:"type:varchar(78)"`
	QuoteBalance fixedpoint.Value `json:"quote_balance" gorm:"type:varchar(78)"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
