package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

func fp(s string) fixedpoint.Value { return fixedpoint.MustParse(s) }

func TestLevelLifecycle(t *testing.T) {
	b := NewBook("BTC/USDT")

	got := b.Increase(models.SideBuy, fp("50000"), fp("1.5"))
	assert.Equal(t, "1.5", got.String())
	got = b.Increase(models.SideBuy, fp("50000"), fp("0.5"))
	assert.Equal(t, "2", got.String())

	got = b.Reduce(models.SideBuy, fp("50000"), fp("1.2"))
	assert.Equal(t, "0.8", got.String())
	assert.Equal(t, "0.8", b.Amount(models.SideBuy, fp("50000")).String())

	// Reducing past zero clamps and clears the level.
	got = b.Reduce(models.SideBuy, fp("50000"), fp("5"))
	assert.True(t, got.IsZero())
	bids, asks := b.Depth()
	assert.Zero(t, bids)
	assert.Zero(t, asks)

	// Reducing an absent level is quiet.
	got = b.Reduce(models.SideSell, fp("51000"), fp("1"))
	assert.True(t, got.IsZero())
}

func TestOrderingIsNumeric(t *testing.T) {
	b := NewBook("ETH/USDT")
	b.Apply(models.SideBuy, fp("9"), fp("1"))
	b.Apply(models.SideBuy, fp("10"), fp("1"))
	b.Apply(models.SideSell, fp("100"), fp("1"))
	b.Apply(models.SideSell, fp("20"), fp("1"))

	best, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "10", best.Price.String())

	best, ok = b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "20", best.Price.String())
}

func TestSnapshotDepthAndOrder(t *testing.T) {
	b := NewBook("BTC/USDT")
	for _, p := range []string{"49000", "50000", "48000"} {
		b.Apply(models.SideBuy, fp(p), fp("1"))
	}
	for _, p := range []string{"52000", "51000", "53000"} {
		b.Apply(models.SideSell, fp(p), fp("2"))
	}

	snap := b.Snapshot(2)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "50000", snap.Bids[0].Price.String())
	assert.Equal(t, "49000", snap.Bids[1].Price.String())
	assert.Equal(t, "51000", snap.Asks[0].Price.String())
	assert.Equal(t, "52000", snap.Asks[1].Price.String())

	full := b.Snapshot(0)
	assert.Len(t, full.Bids, 3)
	assert.Len(t, full.Asks, 3)
}

func TestApplyZeroClearsLevel(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Apply(models.SideSell, fp("51000"), fp("3"))
	b.Apply(models.SideSell, fp("51000"), fixedpoint.Zero())
	assert.True(t, b.Amount(models.SideSell, fp("51000")).IsZero())
	_, asks := b.Depth()
	assert.Zero(t, asks)
}

func TestRebuildSkipsEmptyRows(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Apply(models.SideBuy, fp("1"), fp("1"))

	b.Rebuild([]models.OrderBookEntry{
		{Symbol: "BTC/USDT", Side: models.SideBuy, Price: fp("50000"), Amount: fp("2")},
		{Symbol: "BTC/USDT", Side: models.SideSell, Price: fp("51000"), Amount: fixedpoint.Zero()},
	})

	assert.Equal(t, "2", b.Amount(models.SideBuy, fp("50000")).String())
	assert.True(t, b.Amount(models.SideBuy, fp("1")).IsZero())
	bids, asks := b.Depth()
	assert.Equal(t, 1, bids)
	assert.Zero(t, asks)
}

func testOrder(symbol, side, typ, price, remaining string) *models.Order {
	return &models.Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Status:    models.StatusOpen,
		Price:     fp(price),
		Amount:    fp(remaining),
		Remaining: fp(remaining),
		CreatedAt: time.Now(),
	}
}

func TestBuildFromOrders(t *testing.T) {
	filled := testOrder("BTC/USDT", models.SideSell, models.TypeLimit, "51000", "1")
	filled.Status = models.StatusClosed
	orders := []*models.Order{
		testOrder("BTC/USDT", models.SideBuy, models.TypeLimit, "50000", "1"),
		testOrder("BTC/USDT", models.SideBuy, models.TypeLimit, "50000", "0.5"),
		testOrder("BTC/USDT", models.SideSell, models.TypeLimit, "51000", "2"),
		// Market orders never rest at a level.
		testOrder("BTC/USDT", models.SideBuy, models.TypeMarket, "0", "1"),
		// Other symbols and closed orders are ignored.
		testOrder("ETH/USDT", models.SideBuy, models.TypeLimit, "3000", "1"),
		filled,
	}

	b := BuildFromOrders("BTC/USDT", orders)
	assert.Equal(t, "1.5", b.Amount(models.SideBuy, fp("50000")).String())
	assert.Equal(t, "2", b.Amount(models.SideSell, fp("51000")).String())
	bids, asks := b.Depth()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestDiffFindsGhostsWrongAmountsAndMissing(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Apply(models.SideBuy, fp("50000"), fp("1"))
	b.Apply(models.SideSell, fp("51000"), fp("2"))
	b.Apply(models.SideSell, fp("52000"), fp("3"))

	persisted := []models.OrderBookEntry{
		// Matches the book, needs nothing.
		{Symbol: "BTC/USDT", Side: models.SideSell, Price: fp("52000"), Amount: fp("3")},
		// Wrong amount.
		{Symbol: "BTC/USDT", Side: models.SideSell, Price: fp("51000"), Amount: fp("9")},
		// Ghost level with no open orders behind it.
		{Symbol: "BTC/USDT", Side: models.SideBuy, Price: fp("49000"), Amount: fp("4")},
	}

	repairs := b.Diff(persisted)
	require.Len(t, repairs, 3)

	byKey := make(map[string]Repair)
	for _, r := range repairs {
		byKey[r.Side+"@"+r.Price.String()] = r
	}

	fix, ok := byKey[models.SideSell+"@51000"]
	require.True(t, ok)
	assert.Equal(t, "2", fix.Amount.String())

	missing, ok := byKey[models.SideBuy+"@50000"]
	require.True(t, ok)
	assert.Equal(t, "1", missing.Amount.String())

	ghost, ok := byKey[models.SideBuy+"@49000"]
	require.True(t, ok)
	assert.True(t, ghost.Amount.IsZero())
}

func TestDiffCleanBookNoRepairs(t *testing.T) {
	b := NewBook("BTC/USDT")
	b.Apply(models.SideBuy, fp("50000"), fp("1"))

	repairs := b.Diff([]models.OrderBookEntry{
		{Symbol: "BTC/USDT", Side: models.SideBuy, Price: fp("50000"), Amount: fp("1")},
	})
	assert.Empty(t, repairs)
}

func TestSet(t *testing.T) {
	set := NewSet()

	_, ok := set.Get("BTC/USDT")
	assert.False(t, ok)

	b1 := set.GetOrCreate("BTC/USDT")
	b2 := set.GetOrCreate("BTC/USDT")
	assert.Same(t, b1, b2)

	set.Put(NewBook("ETH/USDT"))
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, set.Symbols())
}
