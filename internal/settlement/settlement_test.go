package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/ledger"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/store"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

func fp(t *testing.T, s string) fixedpoint.Value {
	t.Helper()
	v, err := fixedpoint.FromString(s)
	require.NoError(t, err)
	return v
}

func setupService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	st := store.NewStore(zap.NewNop(), db)
	require.NoError(t, st.AutoMigrate())

	led := ledger.NewService(zap.NewNop(), db)
	return NewService(zap.NewNop(), db, led, st), led, db
}

func seedWallet(t *testing.T, db *gorm.DB, userID uuid.UUID, currency, available, reserved string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Wallet{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Type:      models.WalletTypeEco,
		Available: fp(t, available),
		Reserved:  fp(t, reserved),
	}).Error)
}

func seedPool(t *testing.T, db *gorm.DB, makerID uuid.UUID, symbol, base, quote string) {
	t.Helper()
	require.NoError(t, db.Create(&models.LiquidityPool{
		ID:           uuid.New(),
		MakerID:      makerID,
		Symbol:       symbol,
		BaseBalance:  fp(t, base),
		QuoteBalance: fp(t, quote),
	}).Error)
}

func walletOf(t *testing.T, led *ledger.Service, userID uuid.UUID, currency string) *models.Wallet {
	t.Helper()
	w, err := led.GetWallet(context.Background(), userID, currency, models.WalletTypeEco)
	require.NoError(t, err)
	return w
}

func newOrder(t *testing.T, side string, price, amount string, createdAt time.Time) *models.Order {
	t.Helper()
	return &models.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Symbol:      "BTC/USDT",
		Side:        side,
		Type:        models.TypeLimit,
		Status:      models.StatusOpen,
		Price:       fp(t, price),
		Amount:      fp(t, amount),
		Remaining:   fp(t, amount),
		FeeCurrency: "USDT",
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestSettleUserToUser(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	buy.Fee = fp(t, "10")
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))
	sell.Fee = fp(t, "5")

	seedWallet(t, db, buy.UserID, "USDT", "0", "5010")
	seedWallet(t, db, sell.UserID, "BTC", "0", "1")

	res, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.NoError(t, err)
	require.NotNil(t, res)

	buyerQuote := walletOf(t, led, buy.UserID, "USDT")
	assert.Equal(t, "0", buyerQuote.Reserved.String())
	buyerBase := walletOf(t, led, buy.UserID, "BTC")
	assert.Equal(t, "1", buyerBase.Available.String())

	sellerBase := walletOf(t, led, sell.UserID, "BTC")
	assert.Equal(t, "0", sellerBase.Reserved.String())
	sellerQuote := walletOf(t, led, sell.UserID, "USDT")
	assert.Equal(t, "4995", sellerQuote.Available.String())

	// Later created order is the taker.
	trade := res.Trade
	assert.Equal(t, models.SideSell, trade.Side)
	assert.Equal(t, buy.ID, trade.MakerOrderID)
	assert.Equal(t, sell.ID, trade.TakerOrderID)
	assert.Equal(t, "5000", trade.Price.String())
	assert.Equal(t, "1", trade.Amount.String())
	assert.Equal(t, "5000", trade.Cost.String())
	assert.Equal(t, "10", trade.MakerFee.String())
	assert.Equal(t, "5", trade.TakerFee.String())
	assert.Equal(t, "USDT", trade.FeeCurrency)

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	for _, o := range []*models.Order{buy, sell} {
		assert.Equal(t, models.StatusClosed, o.Status)
		assert.Equal(t, "1", o.Filled.String())
		assert.Equal(t, "0", o.Remaining.String())
		assert.Equal(t, "5000", o.Cost.String())
		require.Len(t, o.Fills, 1)
		assert.Equal(t, o.ID, o.Fills[0].ID)
		assert.Equal(t, o.Side, o.Fills[0].Side)
	}
	assert.Equal(t, "10", buy.Fills[0].Fee.String())
	assert.Equal(t, "5", sell.Fills[0].Fee.String())
}

func TestSettleProRatesFeesAcrossPartialFills(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buy := newOrder(t, models.SideBuy, "5000", "2", t0)
	buy.Fee = fp(t, "10")
	sell := newOrder(t, models.SideSell, "5000", "2", t0.Add(time.Second))

	seedWallet(t, db, buy.UserID, "USDT", "0", "10010")
	seedWallet(t, db, sell.UserID, "BTC", "0", "2")

	res, err := svc.Settle(ctx, buy, sell, fp(t, "0.5"), fp(t, "5000"))
	require.NoError(t, err)
	assert.Equal(t, "2.5", res.BuyFill.Fee.String())
	assert.Equal(t, models.StatusPartiallyFilled, buy.Status)
	assert.Equal(t, "1.5", buy.Remaining.String())

	res, err = svc.Settle(ctx, buy, sell, fp(t, "1.5"), fp(t, "5000"))
	require.NoError(t, err)
	assert.Equal(t, "7.5", res.BuyFill.Fee.String())
	assert.Equal(t, models.StatusClosed, buy.Status)

	// The two prorated slices pay exactly the whole order fee.
	buyerQuote := walletOf(t, led, buy.UserID, "USDT")
	assert.Equal(t, "0", buyerQuote.Reserved.String())
	require.Len(t, buy.Fills, 2)
}

func TestSettleUserBuyerPoolSeller(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	maker := uuid.New()
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	buy.Fee = fp(t, "10")
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))
	sell.MakerID = &maker

	seedWallet(t, db, buy.UserID, "USDT", "0", "5010")
	seedPool(t, db, maker, "BTC/USDT", "10", "0")

	_, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.NoError(t, err)

	pool, err := led.GetPool(ctx, maker, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "9", pool.BaseBalance.String())
	assert.Equal(t, "5000", pool.QuoteBalance.String())

	buyerBase := walletOf(t, led, buy.UserID, "BTC")
	assert.Equal(t, "1", buyerBase.Available.String())

	// The pool side gets no wallet rows.
	_, err = led.GetWallet(ctx, sell.UserID, "USDT", models.WalletTypeEco)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestSettlePoolBuyerUserSeller(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	maker := uuid.New()
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	buy.MakerID = &maker
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))
	sell.Fee = fp(t, "5")

	seedPool(t, db, maker, "BTC/USDT", "0", "6000")
	seedWallet(t, db, sell.UserID, "BTC", "0", "1")

	_, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.NoError(t, err)

	pool, err := led.GetPool(ctx, maker, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "1", pool.BaseBalance.String())
	assert.Equal(t, "1000", pool.QuoteBalance.String())

	sellerQuote := walletOf(t, led, sell.UserID, "USDT")
	assert.Equal(t, "4995", sellerQuote.Available.String())
}

func TestSettlePoolToPoolMovesNoFunds(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buyMaker, sellMaker := uuid.New(), uuid.New()
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	buy.MakerID = &buyMaker
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))
	sell.MakerID = &sellMaker

	seedPool(t, db, buyMaker, "BTC/USDT", "3", "7000")
	seedPool(t, db, sellMaker, "BTC/USDT", "5", "100")

	res, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.NoError(t, err)
	require.NotNil(t, res.Trade)

	buyPool, err := led.GetPool(ctx, buyMaker, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "3", buyPool.BaseBalance.String())
	assert.Equal(t, "7000", buyPool.QuoteBalance.String())

	sellPool, err := led.GetPool(ctx, sellMaker, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "5", sellPool.BaseBalance.String())
	assert.Equal(t, "100", sellPool.QuoteBalance.String())

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, models.StatusClosed, buy.Status)
	assert.Equal(t, models.StatusClosed, sell.Status)
}

func TestSettleInsolventBuyerRollsBackSellerLegs(t *testing.T) {
	svc, led, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	buy.Fee = fp(t, "10")
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))

	// 5009 < cost 5000 + fee 10.
	seedWallet(t, db, buy.UserID, "USDT", "0", "5009")
	seedWallet(t, db, sell.UserID, "BTC", "0", "1")

	_, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.Error(t, err)

	var solvency *SolvencyError
	require.ErrorAs(t, err, &solvency)
	assert.Equal(t, buy.ID, solvency.OrderID)
	assert.False(t, solvency.Pool)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// The seller debit ran first inside the transaction and must have
	// been rolled back.
	sellerBase := walletOf(t, led, sell.UserID, "BTC")
	assert.Equal(t, "1", sellerBase.Reserved.String())
	buyerQuote := walletOf(t, led, buy.UserID, "USDT")
	assert.Equal(t, "5009", buyerQuote.Reserved.String())

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	for _, o := range []*models.Order{buy, sell} {
		assert.Equal(t, models.StatusOpen, o.Status)
		assert.True(t, o.Filled.IsZero())
		assert.Empty(t, o.Fills)
	}
}

func TestSettleDrainedPoolReportsPoolSide(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	maker := uuid.New()
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))
	sell.MakerID = &maker

	seedWallet(t, db, buy.UserID, "USDT", "0", "5000")
	seedPool(t, db, maker, "BTC/USDT", "0.5", "0")

	_, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.Error(t, err)

	var solvency *SolvencyError
	require.ErrorAs(t, err, &solvency)
	assert.Equal(t, sell.ID, solvency.OrderID)
	assert.True(t, solvency.Pool)
	assert.ErrorIs(t, err, ledger.ErrPoolLiquidity)
}

func TestSettleMissingWalletIsSolvencyFailure(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	sell := newOrder(t, models.SideSell, "5000", "1", t0.Add(time.Second))

	seedWallet(t, db, buy.UserID, "USDT", "0", "5000")
	// Seller never funded a BTC wallet.

	_, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.Error(t, err)

	var solvency *SolvencyError
	require.ErrorAs(t, err, &solvency)
	assert.Equal(t, sell.ID, solvency.OrderID)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestSettleRejectsMalformedPairs(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	t0 := time.Now()
	buy := newOrder(t, models.SideBuy, "5000", "1", t0)
	sell := newOrder(t, models.SideSell, "5000", "1", t0)

	_, err := svc.Settle(ctx, sell, buy, fp(t, "1"), fp(t, "5000"))
	assert.ErrorContains(t, err, "sides are inverted")

	other := newOrder(t, models.SideSell, "5000", "1", t0)
	other.Symbol = "ETH/USDT"
	_, err = svc.Settle(ctx, buy, other, fp(t, "1"), fp(t, "5000"))
	assert.ErrorContains(t, err, "different markets")

	_, err = svc.Settle(ctx, buy, sell, fixedpoint.Zero(), fp(t, "5000"))
	assert.ErrorContains(t, err, "must be positive")

	_, err = svc.Settle(ctx, buy, sell, fp(t, "1"), fixedpoint.Zero())
	assert.ErrorContains(t, err, "must be positive")

	_, err = svc.Settle(ctx, buy, sell, fp(t, "2"), fp(t, "5000"))
	assert.ErrorContains(t, err, "exceeds order remainder")
}

func TestSettleTakerSideFollowsCreationOrder(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	// Buy arrives after the resting sell, so the buy takes.
	sell := newOrder(t, models.SideSell, "5000", "1", t0)
	buy := newOrder(t, models.SideBuy, "5000", "1", t0.Add(time.Second))
	buy.Fee = fp(t, "10")
	sell.Fee = fp(t, "5")

	seedWallet(t, db, buy.UserID, "USDT", "0", "5010")
	seedWallet(t, db, sell.UserID, "BTC", "0", "1")

	res, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "5000"))
	require.NoError(t, err)

	assert.Equal(t, models.SideBuy, res.Trade.Side)
	assert.Equal(t, buy.ID, res.Trade.TakerOrderID)
	assert.Equal(t, sell.ID, res.Trade.MakerOrderID)
	assert.Equal(t, "10", res.Trade.TakerFee.String())
	assert.Equal(t, "5", res.Trade.MakerFee.String())
}

func TestSettleDustFillKeepsFeePrecision(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Minute)
	buy := newOrder(t, models.SideBuy, "3", "3", t0)
	buy.Fee = fp(t, "0.1")
	sell := newOrder(t, models.SideSell, "3", "3", t0.Add(time.Second))

	seedWallet(t, db, buy.UserID, "USDT", "0", "9.1")
	seedWallet(t, db, sell.UserID, "BTC", "0", "3")

	res, err := svc.Settle(ctx, buy, sell, fp(t, "1"), fp(t, "3"))
	require.NoError(t, err)
	// 0.1 * 1 / 3 truncated toward zero at 18 decimals.
	assert.Equal(t, "0.033333333333333333", res.BuyFill.Fee.String())
}
