// Package orderbook maintains in-memory aggregated order books, one
// price level per side and price. Books are derived state: the open
// orders are the source of truth and a book can always be rebuilt
// from them.
package orderbook

import (
	"sync"

	"github.com/tidwall/btree"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// Level is one aggregated price level.
type Level struct {
	Price  fixedpoint.Value `json:"price"`
	Amount fixedpoint.Value `json:"amount"`
}

// Snapshot is a depth-limited view of one book, best prices first.
type Snapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Repair is one correction produced by comparing the expected book
// against persisted rows. A zero Amount means the persisted row is a
// ghost and must be deleted.
type Repair struct {
	Side   string
	Price  fixedpoint.Value
	Amount fixedpoint.Value
}

// Book holds both sides of one symbol. It is not safe for concurrent
// use; the engine serializes access per symbol.
type Book struct {
	symbol string
	bids   *btree.BTreeG[Level]
	asks   *btree.BTreeG[Level]
}

func newBids() *btree.BTreeG[Level] {
	return btree.NewBTreeG(func(a, b Level) bool { return a.Price.Cmp(b.Price) > 0 })
}

func newAsks() *btree.BTreeG[Level] {
	return btree.NewBTreeG(func(a, b Level) bool { return a.Price.Cmp(b.Price) < 0 })
}

// NewBook creates an empty book for a symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   newBids(),
		asks:   newAsks(),
	}
}

// BuildFromOrders creates a book whose levels are the summed
// remaining amounts of the given open limit orders. Orders of other
// symbols, market orders and closed orders contribute nothing.
func BuildFromOrders(symbol string, orders []*models.Order) *Book {
	b := NewBook(symbol)
	for _, o := range orders {
		if o.Symbol != symbol || o.IsMarket() || !o.IsOpen() {
			continue
		}
		if o.Remaining.Sign() <= 0 {
			continue
		}
		b.Increase(o.Side, o.Price, o.Remaining)
	}
	return b
}

// Symbol returns the symbol the book belongs to.
func (b *Book) Symbol() string { return b.symbol }

func (b *Book) side(side string) *btree.BTreeG[Level] {
	if side == models.SideBuy {
		return b.bids
	}
	return b.asks
}

// Rebuild replaces the whole book with the given persisted rows.
// Rows with non-positive amounts are dropped.
func (b *Book) Rebuild(entries []models.OrderBookEntry) {
	b.bids = newBids()
	b.asks = newAsks()
	for _, e := range entries {
		if e.Amount.Sign() <= 0 {
			continue
		}
		b.side(e.Side).Set(Level{Price: e.Price, Amount: e.Amount})
	}
}

// Amount returns the aggregated amount at a price level, zero when
// the level does not exist.
func (b *Book) Amount(side string, price fixedpoint.Value) fixedpoint.Value {
	level, ok := b.side(side).Get(Level{Price: price})
	if !ok {
		return fixedpoint.Zero()
	}
	return level.Amount
}

// Apply sets a price level to an absolute amount. A zero or negative
// amount clears the level.
func (b *Book) Apply(side string, price, amount fixedpoint.Value) {
	tree := b.side(side)
	if amount.Sign() <= 0 {
		tree.Delete(Level{Price: price})
		return
	}
	tree.Set(Level{Price: price, Amount: amount})
}

// Increase grows a price level by delta and returns the new amount.
func (b *Book) Increase(side string, price, delta fixedpoint.Value) fixedpoint.Value {
	amount := b.Amount(side, price).Add(delta)
	b.Apply(side, price, amount)
	return amount
}

// Reduce shrinks a price level by delta and returns the new amount.
// A missing level counts as zero and the result never goes below
// zero, so reducing more than is present clears the level.
func (b *Book) Reduce(side string, price, delta fixedpoint.Value) fixedpoint.Value {
	amount := b.Amount(side, price).Sub(delta)
	if amount.Sign() <= 0 {
		amount = fixedpoint.Zero()
	}
	b.Apply(side, price, amount)
	return amount
}

// BestBid returns the highest buy level.
func (b *Book) BestBid() (Level, bool) { return b.bids.Min() }

// BestAsk returns the lowest sell level.
func (b *Book) BestAsk() (Level, bool) { return b.asks.Min() }

// Depth returns the number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Snapshot returns up to depth levels per side, best first. A depth
// of zero or less returns everything.
func (b *Book) Snapshot(depth int) Snapshot {
	snap := Snapshot{Symbol: b.symbol}
	collect := func(tree *btree.BTreeG[Level], out *[]Level) {
		tree.Scan(func(level Level) bool {
			*out = append(*out, level)
			return depth <= 0 || len(*out) < depth
		})
	}
	collect(b.bids, &snap.Bids)
	collect(b.asks, &snap.Asks)
	return snap
}

// Diff compares persisted rows against this book, which is taken as
// the expected state, and returns the repairs that would bring the
// rows in line: ghost rows to delete, wrong amounts to rewrite and
// missing levels to insert.
func (b *Book) Diff(persisted []models.OrderBookEntry) []Repair {
	var repairs []Repair

	type key struct {
		side  string
		price string
	}
	seen := make(map[key]fixedpoint.Value, len(persisted))
	for _, e := range persisted {
		seen[key{e.Side, e.Price.Units().String()}] = e.Amount
	}

	check := func(side string, tree *btree.BTreeG[Level]) {
		tree.Scan(func(level Level) bool {
			k := key{side, level.Price.Units().String()}
			persistedAmount, ok := seen[k]
			if !ok || !persistedAmount.Equal(level.Amount) {
				repairs = append(repairs, Repair{Side: side, Price: level.Price, Amount: level.Amount})
			}
			delete(seen, k)
			return true
		})
	}
	check(models.SideBuy, b.bids)
	check(models.SideSell, b.asks)

	// Whatever persisted rows remain have no backing open orders.
	for _, e := range persisted {
		k := key{e.Side, e.Price.Units().String()}
		if _, ghost := seen[k]; ghost {
			repairs = append(repairs, Repair{Side: e.Side, Price: e.Price})
		}
	}
	return repairs
}

// Set is a concurrency-safe collection of books keyed by symbol.
type Set struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewSet creates an empty book set.
func NewSet() *Set {
	return &Set{books: make(map[string]*Book)}
}

// Get returns the book for a symbol if present.
func (s *Set) Get(symbol string) (*Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	return b, ok
}

// GetOrCreate returns the book for a symbol, creating it on first
// use.
func (s *Set) GetOrCreate(symbol string) *Book {
	s.mu.RLock()
	b, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.books[symbol]; ok {
		return b
	}
	b = NewBook(symbol)
	s.books[symbol] = b
	return b
}

// Put replaces the book for a symbol.
func (s *Set) Put(b *Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.symbol] = b
}

// Symbols returns the symbols with a book, in no particular order.
func (s *Set) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for symbol := range s.books {
		out = append(out, symbol)
	}
	return out
}
