// Package ledger manages user wallet balances and automated market
// maker pool balances. All mutations go through here so the solvency
// rules live in one place: available and reserved never go negative,
// and pool inventory never goes negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

var (
	// ErrWalletNotFound is returned when no wallet exists for the
	// user, currency and wallet type.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrPoolNotFound is returned when no liquidity pool exists for
	// the operator and symbol.
	ErrPoolNotFound = errors.New("liquidity pool not found")

	// ErrInsufficientFunds is returned when a wallet reserve or debit
	// would overdraw the wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPoolLiquidity is returned when a pool adjustment would drive
	// either pool balance negative.
	ErrPoolLiquidity = errors.New("insufficient pool liquidity")
)

// Service implements wallet and pool bookkeeping on top of gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a ledger service.
func NewService(logger *zap.Logger, db *gorm.DB) *Service {
	return &Service{
		logger: logger,
		db:     db,
	}
}

// WithTx returns a ledger view bound to the given transaction handle.
// Settlement uses it to run wallet and pool legs inside the same
// storage transaction as the trade insert.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{
		logger: s.logger,
		db:     tx,
	}
}

// GetWallet returns the wallet for a user, currency and wallet type.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ? AND type = ?", userID, currency, walletType).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &wallet, nil
}

// EnsureWallet returns the wallet for a user, currency and wallet
// type, creating an empty one when missing.
func (s *Service) EnsureWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error) {
	wallet, err := s.GetWallet(ctx, userID, currency, walletType)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := time.Now()
	wallet = &models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Type:      walletType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(wallet).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return wallet, nil
}

// Reserve moves amount from available to reserved, the hold taken
// when an order is accepted.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, currency, walletType string, amount fixedpoint.Value) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.WithTx(tx).GetWallet(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		if wallet.Available.LessThan(amount) {
			return ErrInsufficientFunds
		}
		wallet.Available = wallet.Available.Sub(amount)
		wallet.Reserved = wallet.Reserved.Add(amount)
		wallet.UpdatedAt = time.Now()
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		return nil
	})
}

// ReleaseReserved moves amount from reserved back to available, used
// when an order is cancelled or expires.
func (s *Service) ReleaseReserved(ctx context.Context, userID uuid.UUID, currency, walletType string, amount fixedpoint.Value) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("release amount must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.WithTx(tx).GetWallet(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		if wallet.Reserved.LessThan(amount) {
			return ErrInsufficientFunds
		}
		wallet.Reserved = wallet.Reserved.Sub(amount)
		wallet.Available = wallet.Available.Add(amount)
		wallet.UpdatedAt = time.Now()
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		return nil
	})
}

// DebitReserved spends amount out of the reserved balance, the leg
// that pays for a fill.
func (s *Service) DebitReserved(ctx context.Context, userID uuid.UUID, currency, walletType string, amount fixedpoint.Value) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("debit amount must not be negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.WithTx(tx).GetWallet(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		if wallet.Reserved.LessThan(amount) {
			return ErrInsufficientFunds
		}
		wallet.Reserved = wallet.Reserved.Sub(amount)
		wallet.UpdatedAt = time.Now()
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		return nil
	})
}

// CreditAvailable adds amount to the available balance, the leg that
// delivers proceeds of a fill. The wallet is created when missing so
// a first-time seller can still receive funds.
func (s *Service) CreditAvailable(ctx context.Context, userID uuid.UUID, currency, walletType string, amount fixedpoint.Value) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("credit amount must not be negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.WithTx(tx).EnsureWallet(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		wallet.Available = wallet.Available.Add(amount)
		wallet.UpdatedAt = time.Now()
		if err := tx.Save(wallet).Error; err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		return nil
	})
}

// GetPool returns the liquidity pool for an operator and symbol.
func (s *Service) GetPool(ctx context.Context, makerID uuid.UUID, symbol string) (*models.LiquidityPool, error) {
	var pool models.LiquidityPool
	err := s.db.WithContext(ctx).
		Where("maker_id = ? AND symbol = ?", makerID, symbol).
		First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("failed to find liquidity pool: %w", err)
	}
	return &pool, nil
}

// AdjustPool applies signed base and quote deltas to a pool. The
// whole adjustment is rejected with ErrPoolLiquidity if either
// balance would end up negative.
func (s *Service) AdjustPool(ctx context.Context, makerID uuid.UUID, symbol string, baseDelta, quoteDelta fixedpoint.Value) error {
	if baseDelta.IsZero() && quoteDelta.IsZero() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pool, err := s.WithTx(tx).GetPool(ctx, makerID, symbol)
		if err != nil {
			return err
		}
		base := pool.BaseBalance.Add(baseDelta)
		quote := pool.QuoteBalance.Add(quoteDelta)
		if base.IsNegative() || quote.IsNegative() {
			return ErrPoolLiquidity
		}
		pool.BaseBalance = base
		pool.QuoteBalance = quote
		pool.UpdatedAt = time.Now()
		if err := tx.Save(pool).Error; err != nil {
			return fmt.Errorf("failed to save liquidity pool: %w", err)
		}
		return nil
	})
}
