// Package store persists orders, trades, candles and order book rows
// behind the matching engine. Writes that must land together go
// through ExecuteBatch, which runs every operation inside a single
// storage transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// BatchOp is one write inside an atomic batch.
type BatchOp func(tx *gorm.DB) error

// Store implements durable persistence on top of gorm.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore creates a store.
func NewStore(logger *zap.Logger, db *gorm.DB) *Store {
	return &Store{
		logger: logger,
		db:     db,
	}
}

// AutoMigrate creates or updates every table the engine touches.
func (s *Store) AutoMigrate() error {
	err := s.db.AutoMigrate(
		&orderRow{},
		&models.Trade{},
		&models.Candle{},
		&models.OrderBookEntry{},
		&models.Market{},
		&models.Wallet{},
		&models.LiquidityPool{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ExecuteBatch runs all operations inside one transaction. Either
// every operation commits or none do.
func (s *Store) ExecuteBatch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := op(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMarkets returns every active market.
func (s *Store) LoadMarkets(ctx context.Context) ([]models.Market, error) {
	var markets []models.Market
	err := s.db.WithContext(ctx).
		Where("status = ?", models.MarketStatusActive).
		Order("symbol ASC").
		Find(&markets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load markets: %w", err)
	}
	return markets, nil
}

// LoadOpenOrders returns all orders that can still match, oldest
// first. Rows whose identifiers fail to normalize are logged and
// skipped; one bad legacy row must not keep the engine down.
func (s *Store) LoadOpenOrders(ctx context.Context) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.StatusOpen, models.StatusPartiallyFilled}).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open orders: %w", err)
	}

	orders := make([]*models.Order, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		order, err := row.toOrder()
		if err != nil {
			skipped++
			s.logger.Warn("skipping unreadable order row",
				zap.String("symbol", row.Symbol),
				zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}
	if skipped > 0 {
		s.logger.Warn("skipped unreadable order rows during load", zap.Int("count", skipped))
	}
	return orders, nil
}

// SaveOrder upserts a single order outside any batch.
func (s *Store) SaveOrder(ctx context.Context, o *models.Order) error {
	row := newOrderRow(o)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

// SaveOrderOp returns a batch operation that upserts the order as it
// is at call time.
func (s *Store) SaveOrderOp(o *models.Order) BatchOp {
	row := newOrderRow(o)
	id := o.ID
	return func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", id, err)
		}
		return nil
	}
}

// InsertTradeTx inserts a trade record on the given transaction
// handle. Settlement calls it inside the same transaction that moves
// the funds.
func (s *Store) InsertTradeTx(tx *gorm.DB, trade *models.Trade) error {
	if err := tx.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", trade.ID, err)
	}
	return nil
}

// UpsertBookEntryOp returns a batch operation that writes one
// aggregated price level. A zero amount deletes the level instead.
func (s *Store) UpsertBookEntryOp(symbol, side string, price, amount fixedpoint.Value) BatchOp {
	if amount.IsZero() {
		return s.DeleteBookEntryOp(symbol, side, price)
	}
	entry := models.OrderBookEntry{
		Symbol:    symbol,
		Side:      side,
		Price:     price,
		Amount:    amount,
		UpdatedAt: time.Now(),
	}
	return func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "side"}, {Name: "price"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "updated_at"}),
		}).Create(&entry).Error
		if err != nil {
			return fmt.Errorf("failed to upsert book entry %s %s @ %s: %w", symbol, side, price, err)
		}
		return nil
	}
}

// DeleteBookEntryOp returns a batch operation that removes one price
// level. Deleting a level that does not exist is not an error.
func (s *Store) DeleteBookEntryOp(symbol, side string, price fixedpoint.Value) BatchOp {
	return func(tx *gorm.DB) error {
		err := tx.
			Where("symbol = ? AND side = ? AND price = ?", symbol, side, price).
			Delete(&models.OrderBookEntry{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete book entry %s %s @ %s: %w", symbol, side, price, err)
		}
		return nil
	}
}

// UpsertBookEntry writes one price level outside any batch, used by
// book reconciliation repairs.
func (s *Store) UpsertBookEntry(ctx context.Context, symbol, side string, price, amount fixedpoint.Value) error {
	return s.UpsertBookEntryOp(symbol, side, price, amount)(s.db.WithContext(ctx))
}

// DeleteBookEntry removes one price level outside any batch.
func (s *Store) DeleteBookEntry(ctx context.Context, symbol, side string, price fixedpoint.Value) error {
	return s.DeleteBookEntryOp(symbol, side, price)(s.db.WithContext(ctx))
}

// LoadBookEntries returns the persisted book rows for a symbol.
func (s *Store) LoadBookEntries(ctx context.Context, symbol string) ([]models.OrderBookEntry, error) {
	var entries []models.OrderBookEntry
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load book entries for %s: %w", symbol, err)
	}
	return entries, nil
}

// UpsertCandleOp returns a batch operation that writes one candle
// bucket.
func (s *Store) UpsertCandleOp(c *models.Candle) BatchOp {
	candle := *c
	return func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "interval"}, {Name: "opened_at"}},
			DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "updated_at"}),
		}).Create(&candle).Error
		if err != nil {
			return fmt.Errorf("failed to upsert candle %s %s: %w", candle.Symbol, candle.Interval, err)
		}
		return nil
	}
}

// LastCandle returns the most recent candle for a symbol and
// interval, or nil when the pair has never traded.
func (s *Store) LastCandle(ctx context.Context, symbol, interval string) (*models.Candle, error) {
	var candle models.Candle
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ?", symbol, interval).
		Order("opened_at DESC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last candle for %s %s: %w", symbol, interval, err)
	}
	return &candle, nil
}

// PreviousCandle returns the newest candle strictly older than the
// given open time, or nil when there is none.
func (s *Store) PreviousCandle(ctx context.Context, symbol, interval string, before time.Time) (*models.Candle, error) {
	var candle models.Candle
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND opened_at < ?", symbol, interval, before).
		Order("opened_at DESC").
		First(&candle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load previous candle for %s %s: %w", symbol, interval, err)
	}
	return &candle, nil
}
