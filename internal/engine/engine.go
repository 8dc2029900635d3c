// Package engine owns the live matching state of the exchange: one
// order queue and book per symbol, the candle caches and the matching
// pass that turns crossing orders into settled trades. A process runs
// exactly one engine; Start hydrates it from the durable store once
// and concurrent Start callers share that single initialization.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/broadcast"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/config"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/notify"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/orderbook"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/settlement"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/store"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

var (
	// ErrNotStarted is returned for operations invoked before Start
	// completed.
	ErrNotStarted = errors.New("engine not started")

	// ErrOrderNotFound is returned by CancelOrder when the id is not
	// queued on the symbol.
	ErrOrderNotFound = errors.New("order not found")
)

// Deps carries everything the engine needs. Broadcast and Notify may
// be nil; no-op implementations are substituted. A nil Metrics
// registerer leaves the metrics unregistered.
type Deps struct {
	Logger    *zap.Logger
	Config    config.EngineConfig
	Store     *store.Store
	Settle    *settlement.Service
	Broadcast broadcast.Gateway
	Notify    notify.Notifier
	Metrics   prometheus.Registerer
}

// Engine is the per-process matching core.
type Engine struct {
	logger  *zap.Logger
	cfg     config.EngineConfig
	store   *store.Store
	settle  *settlement.Service
	gateway broadcast.Gateway
	notify  notify.Notifier
	metrics *engineMetrics

	books      *orderbook.Set
	candles    *candleCache
	locks      *lockSet
	makerOwned map[string]struct{}

	// markets and queues are written during hydration only and are
	// safe to read without a lock once ready is closed.
	markets map[string]models.Market
	queues  map[string]*symbolQueue

	once     sync.Once
	ready    chan struct{}
	startErr error

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds an engine from its dependencies. Start must be called
// before orders are accepted.
func New(d Deps) (*Engine, error) {
	if d.Logger == nil || d.Store == nil || d.Settle == nil {
		return nil, errors.New("engine requires a logger, a store and a settlement service")
	}
	candles, err := newCandleCache(d.Config.CandleIntervals)
	if err != nil {
		return nil, err
	}
	if d.Broadcast == nil {
		d.Broadcast = broadcast.NopGateway{}
	}
	if d.Notify == nil {
		d.Notify = notify.NopNotifier{}
	}
	makerOwned := make(map[string]struct{}, len(d.Config.MakerSymbols))
	for _, symbol := range d.Config.MakerSymbols {
		makerOwned[symbol] = struct{}{}
	}
	return &Engine{
		logger:     d.Logger,
		cfg:        d.Config,
		store:      d.Store,
		settle:     d.Settle,
		gateway:    d.Broadcast,
		notify:     d.Notify,
		metrics:    newEngineMetrics(d.Metrics),
		books:      orderbook.NewSet(),
		candles:    candles,
		locks:      newLockSet(),
		makerOwned: makerOwned,
		markets:    make(map[string]models.Market),
		queues:     make(map[string]*symbolQueue),
		ready:      make(chan struct{}),
		stop:       make(chan struct{}),
	}, nil
}

// Start hydrates the engine from the durable store. It is safe to
// call from multiple goroutines; all callers block until the single
// hydration finishes and share its error.
func (e *Engine) Start(ctx context.Context) error {
	e.once.Do(func() {
		e.startErr = e.hydrate(ctx)
		close(e.ready)
		if e.startErr == nil && e.cfg.ReconcileInterval > 0 {
			e.wg.Add(1)
			go e.reconcileLoop()
		}
	})
	<-e.ready
	return e.startErr
}

// Stop ends background work. It does not drain in-flight passes;
// callers stop submitting first.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

func (e *Engine) readyErr() error {
	select {
	case <-e.ready:
		return e.startErr
	default:
		return ErrNotStarted
	}
}

func (e *Engine) hydrate(ctx context.Context) error {
	markets, err := e.store.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load markets: %w", err)
	}
	for _, m := range markets {
		e.markets[m.Symbol] = m
		e.queues[m.Symbol] = newSymbolQueue(m.Symbol)
		e.books.Put(orderbook.NewBook(m.Symbol))
	}
	e.logger.Info("loaded markets", zap.Int("count", len(e.markets)))

	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	queued := 0
	for _, o := range orders {
		if err := e.validateOrder(o); err != nil {
			e.logger.Warn("skipped stored order",
				zap.String("order_id", o.ID.String()),
				zap.Error(err))
			continue
		}
		if !e.queues[o.Symbol].Add(o) {
			e.logger.Warn("skipped duplicate stored order",
				zap.String("order_id", o.ID.String()))
			continue
		}
		queued++
	}
	e.logger.Info("hydrated open orders", zap.Int("count", queued))

	for symbol, sq := range e.queues {
		e.books.Put(orderbook.BuildFromOrders(symbol, sq.Snapshot()))
	}

	// Orders that crossed while the engine was offline are still
	// recorded as open; one pass over every symbol settles them.
	var wg conc.WaitGroup
	for symbol := range e.queues {
		wg.Go(func() { e.MatchSymbol(ctx, symbol) })
	}
	wg.Wait()

	if e.cfg.ReconcileOnBoot {
		e.ReconcileBooks(ctx)
	}

	if err := e.hydrateCandles(ctx); err != nil {
		return err
	}
	e.logger.Info("engine ready", zap.Int("symbols", len(e.queues)))
	return nil
}

func (e *Engine) hydrateCandles(ctx context.Context) error {
	for symbol := range e.queues {
		for _, interval := range e.cfg.CandleIntervals {
			last, err := e.store.LastCandle(ctx, symbol, interval)
			if err != nil {
				return fmt.Errorf("failed to load last candle: %w", err)
			}
			if last == nil {
				continue
			}
			e.candles.Hydrate(symbol, interval, last)
			if interval != dailyInterval {
				continue
			}
			prev, err := e.store.PreviousCandle(ctx, symbol, dailyInterval, last.OpenedAt)
			if err != nil {
				return fmt.Errorf("failed to load prior day candle: %w", err)
			}
			if prev != nil {
				e.candles.HydratePrevDaily(symbol, prev.Close)
			}
		}
	}
	return nil
}

// validateOrder checks the structural fields of an inbound order and
// normalizes the blanks an intake layer commonly leaves. Rejected
// orders are never enqueued.
func (e *Engine) validateOrder(o *models.Order) error {
	if o == nil {
		return errors.New("nil order")
	}
	if o.ID == uuid.Nil || o.UserID == uuid.Nil {
		return errors.New("order identity missing")
	}
	if o.MakerID != nil && *o.MakerID == uuid.Nil {
		return errors.New("maker identity is the nil sentinel")
	}
	m, ok := e.markets[o.Symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %q", o.Symbol)
	}
	if !m.IsActive() {
		return fmt.Errorf("market %s is suspended", o.Symbol)
	}
	if o.Side != models.SideBuy && o.Side != models.SideSell {
		return fmt.Errorf("invalid side %q", o.Side)
	}
	if o.Type != models.TypeLimit && o.Type != models.TypeMarket {
		return fmt.Errorf("invalid type %q", o.Type)
	}
	if o.Status == "" {
		o.Status = models.StatusOpen
	}
	if !o.IsOpen() {
		return fmt.Errorf("order status %s cannot be queued", o.Status)
	}
	if o.Amount.Sign() <= 0 {
		return errors.New("order amount must be positive")
	}
	if o.Price.IsNegative() || (!o.IsMarket() && o.Price.Sign() <= 0) {
		return errors.New("limit order price must be positive")
	}
	if o.Fee.IsNegative() {
		return errors.New("order fee must not be negative")
	}
	if o.Filled.IsNegative() || o.Remaining.IsNegative() {
		return errors.New("order fill state must not be negative")
	}
	if o.Filled.IsZero() && o.Remaining.IsZero() {
		o.Remaining = o.Amount
	}
	if !o.Filled.Add(o.Remaining).Equal(o.Amount) {
		return errors.New("filled and remaining do not add up to amount")
	}
	if o.CreatedAt.IsZero() {
		return errors.New("order timestamp missing")
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	return nil
}

// SubmitOrder queues an already-persisted order, publishes the new
// resting liquidity and runs a matching pass for the symbol.
func (e *Engine) SubmitOrder(ctx context.Context, o *models.Order) error {
	if err := e.readyErr(); err != nil {
		return err
	}
	if err := e.validateOrder(o); err != nil {
		e.metrics.ordersRejected.Inc()
		e.logger.Warn("rejected order", zap.Error(err))
		return err
	}

	sq := e.queues[o.Symbol]
	sq.passMu.Lock()
	defer sq.passMu.Unlock()

	if !sq.Add(o) {
		e.metrics.ordersRejected.Inc()
		return fmt.Errorf("order %s already queued", o.ID)
	}
	e.metrics.ordersEnqueued.Inc()

	if !o.IsMarket() {
		level := e.books.GetOrCreate(o.Symbol).Increase(o.Side, o.Price, o.Remaining)
		if err := e.persistLevel(ctx, o.Symbol, o.Side, o.Price, level); err != nil {
			e.logger.Warn("failed to persist resting book level",
				zap.String("symbol", o.Symbol),
				zap.String("price", o.Price.String()),
				zap.Error(err))
		}
		update := broadcast.NewBookUpdate(o.Symbol)
		update.Set(o.Side, o.Price, level)
		e.gateway.PublishBookUpdate(ctx, update)
	}

	e.runPassLocked(ctx, sq)
	return nil
}

// persistLevel mirrors one in-memory level to the durable book image.
func (e *Engine) persistLevel(ctx context.Context, symbol, side string, price, amount fixedpoint.Value) error {
	if amount.IsZero() {
		return e.store.DeleteBookEntry(ctx, symbol, side, price)
	}
	return e.store.UpsertBookEntry(ctx, symbol, side, price, amount)
}

// CancelOrder removes a queued order, persists its terminal state,
// recomputes the freed price level and runs a matching pass. Releasing
// the reserved funds is the caller's ledger responsibility.
func (e *Engine) CancelOrder(ctx context.Context, symbol string, orderID uuid.UUID) error {
	if err := e.readyErr(); err != nil {
		return err
	}
	sq, ok := e.queues[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %q", symbol)
	}

	sq.passMu.Lock()
	defer sq.passMu.Unlock()

	o := sq.Remove(orderID)
	if o == nil {
		return ErrOrderNotFound
	}
	if o.IsOpen() {
		o.Status = models.StatusCancelled
		o.UpdatedAt = time.Now().UTC()
	}
	if err := e.store.SaveOrder(ctx, o); err != nil {
		e.logger.Error("failed to persist cancelled order",
			zap.String("order_id", o.ID.String()),
			zap.Error(err))
	}
	e.metrics.ordersCancelled.Inc()

	if !o.IsMarket() {
		level := sq.OpenAt(o.Side, o.Price)
		e.books.GetOrCreate(symbol).Apply(o.Side, o.Price, level)
		if err := e.persistLevel(ctx, symbol, o.Side, o.Price, level); err != nil {
			e.logger.Warn("failed to persist freed book level",
				zap.String("symbol", symbol),
				zap.String("price", o.Price.String()),
				zap.Error(err))
		}
		update := broadcast.NewBookUpdate(symbol)
		update.Set(o.Side, o.Price, level)
		e.gateway.PublishBookUpdate(ctx, update)
	}
	e.gateway.PublishOrderUpdate(ctx, o)

	e.runPassLocked(ctx, sq)
	return nil
}

// MatchSymbol runs one matching pass for a symbol. Unknown symbols
// are ignored.
func (e *Engine) MatchSymbol(ctx context.Context, symbol string) {
	sq, ok := e.queues[symbol]
	if !ok {
		return
	}
	sq.passMu.Lock()
	defer sq.passMu.Unlock()
	e.runPassLocked(ctx, sq)
}

// BookSnapshot returns the current depth-limited book for a symbol.
func (e *Engine) BookSnapshot(symbol string, depth int) (orderbook.Snapshot, bool) {
	sq, ok := e.queues[symbol]
	if !ok {
		return orderbook.Snapshot{Symbol: symbol}, false
	}
	sq.passMu.Lock()
	defer sq.passMu.Unlock()
	return e.books.GetOrCreate(symbol).Snapshot(depth), true
}

func crosses(buy, sell *models.Order) bool {
	if buy.IsMarket() || sell.IsMarket() {
		return true
	}
	return buy.Price.Cmp(sell.Price) >= 0
}

// tradePrice resolves the execution price: the resting limit price
// when one side is a market order, otherwise the price of the order
// created first.
func tradePrice(buy, sell *models.Order) fixedpoint.Value {
	switch {
	case buy.IsMarket() && !sell.IsMarket():
		return sell.Price
	case sell.IsMarket() && !buy.IsMarket():
		return buy.Price
	case buy.CreatedAt.After(sell.CreatedAt):
		return sell.Price
	default:
		return buy.Price
	}
}

func buyBefore(a, b *models.Order) bool {
	if a.IsMarket() != b.IsMarket() {
		return a.IsMarket()
	}
	if !a.IsMarket() {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c > 0
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func sellBefore(a, b *models.Order) bool {
	if a.IsMarket() != b.IsMarket() {
		return a.IsMarket()
	}
	if !a.IsMarket() {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c < 0
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// partition splits a queue snapshot into price-time sorted sides.
// Market orders sort ahead of every limit order on their side.
func partition(orders []*models.Order) (buys, sells []*models.Order) {
	for _, o := range orders {
		if !o.IsOpen() || o.Remaining.Sign() <= 0 {
			continue
		}
		if o.IsBuy() {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}
	sort.Slice(buys, func(i, j int) bool { return buyBefore(buys[i], buys[j]) })
	sort.Slice(sells, func(i, j int) bool { return sellBefore(sells[i], sells[j]) })
	return buys, sells
}

// runPassLocked walks both sides of a fresh queue snapshot with two
// cursors and settles every crossing pair. The caller holds passMu.
func (e *Engine) runPassLocked(ctx context.Context, sq *symbolQueue) {
	started := time.Now()
	defer func() { e.metrics.passDuration.Observe(time.Since(started).Seconds()) }()

	buys, sells := partition(sq.Snapshot())
	if len(buys) == 0 || len(sells) == 0 {
		return
	}

	book := e.books.GetOrCreate(sq.symbol)
	dailyChanged := false
	i, j := 0, 0
	for i < len(buys) && j < len(sells) {
		buy, sell := buys[i], sells[j]
		if !buy.IsOpen() || buy.Remaining.Sign() <= 0 {
			i++
			continue
		}
		if !sell.IsOpen() || sell.Remaining.Sign() <= 0 {
			j++
			continue
		}
		if !crosses(buy, sell) {
			// Sides are sorted best-first, so once the best bid sits
			// under the best ask no later pair can cross either.
			i++
			continue
		}

		fill := fixedpoint.Min(buy.Remaining, sell.Remaining)
		price := tradePrice(buy, sell)
		if price.Sign() <= 0 {
			// Two market orders with no price anchor between them.
			e.logger.Warn("skipped pair without a price anchor",
				zap.String("buy_id", buy.ID.String()),
				zap.String("sell_id", sell.ID.String()))
			i++
			continue
		}

		if !e.locks.TryLock(buy.ID, sell.ID) {
			e.metrics.commitLockSkips.Inc()
			e.logger.Debug("skipped pair, order already committing",
				zap.String("buy_id", buy.ID.String()),
				zap.String("sell_id", sell.ID.String()))
			i++
			continue
		}

		res, err := e.settle.Settle(ctx, buy, sell, fill, price)
		if err != nil {
			e.locks.Unlock(buy.ID, sell.ID)
			var solvency *settlement.SolvencyError
			if errors.As(err, &solvency) {
				e.metrics.settlementSkips.Inc()
				if solvency.Pool {
					// Pools running dry is routine; keep it quiet.
					e.logger.Debug("skipped pair, pool cannot cover",
						zap.String("symbol", sq.symbol),
						zap.Error(err))
				} else {
					e.logger.Warn("skipped pair, side cannot pay",
						zap.String("symbol", sq.symbol),
						zap.Error(err))
				}
				if solvency.OrderID == buy.ID {
					i++
				} else {
					j++
				}
				continue
			}
			e.logger.Error("settlement failed",
				zap.String("symbol", sq.symbol),
				zap.String("buy_id", buy.ID.String()),
				zap.String("sell_id", sell.ID.String()),
				zap.Error(err))
			i++
			continue
		}
		e.metrics.matches.Inc()

		ops := make([]store.BatchOp, 0, 4+len(e.cfg.CandleIntervals))
		ops = append(ops, e.store.SaveOrderOp(buy), e.store.SaveOrderOp(sell))

		update := broadcast.NewBookUpdate(sq.symbol)
		for _, o := range []*models.Order{buy, sell} {
			if o.IsMarket() {
				continue
			}
			level := book.Reduce(o.Side, o.Price, fill)
			if level.IsZero() {
				ops = append(ops, e.store.DeleteBookEntryOp(sq.symbol, o.Side, o.Price))
			} else {
				ops = append(ops, e.store.UpsertBookEntryOp(sq.symbol, o.Side, o.Price, level))
			}
			update.Set(o.Side, o.Price, level)
		}

		candles := e.candles.Record(sq.symbol, res.Trade.Price, res.Trade.Amount, res.Trade.CreatedAt)
		for _, c := range candles {
			ops = append(ops, e.store.UpsertCandleOp(c))
			if c.Interval == dailyInterval {
				dailyChanged = true
			}
		}

		if err := e.store.ExecuteBatch(ctx, ops); err != nil {
			e.metrics.batchFailures.Inc()
			e.logger.Error("failed to commit match batch, durable rows lag until reconciliation",
				zap.String("trade_id", res.Trade.ID.String()),
				zap.Error(err))
		} else {
			e.metrics.batchesCommitted.Inc()
		}
		e.locks.Unlock(buy.ID, sell.ID)

		e.gateway.PublishOrderUpdate(ctx, buy)
		e.gateway.PublishOrderUpdate(ctx, sell)
		e.gateway.PublishTrades(ctx, sq.symbol, []models.Fill{res.BuyFill, res.SellFill})
		if !update.IsEmpty() {
			e.gateway.PublishBookUpdate(ctx, update)
		}
		for _, c := range candles {
			e.gateway.PublishCandle(ctx, c)
		}
		e.notify.TradeExecuted(ctx, res.Trade)
		e.notify.OrderSettled(ctx, buy)
		e.notify.OrderSettled(ctx, sell)

		if buy.Remaining.Sign() == 0 {
			i++
		}
		if sell.Remaining.Sign() == 0 {
			j++
		}
	}

	sq.DropClosed()

	if dailyChanged {
		e.gateway.PublishTicker(ctx, e.Ticker(sq.symbol))
		e.gateway.PublishTickers(ctx, e.Tickers())
	}
}

// ReconcileBooks rebuilds every symbol's expected book from its queue
// and repairs the persisted levels that disagree. Ghost rows on
// symbols owned by an external market maker are left alone. Failures
// are logged per level and never abort the sweep.
func (e *Engine) ReconcileBooks(ctx context.Context) {
	var wg conc.WaitGroup
	for _, sq := range e.queues {
		wg.Go(func() { e.reconcileSymbol(ctx, sq) })
	}
	wg.Wait()
}

func (e *Engine) reconcileSymbol(ctx context.Context, sq *symbolQueue) {
	sq.passMu.Lock()
	defer sq.passMu.Unlock()

	expected := orderbook.BuildFromOrders(sq.symbol, sq.Snapshot())
	persisted, err := e.store.LoadBookEntries(ctx, sq.symbol)
	if err != nil {
		e.logger.Error("failed to load book entries for reconciliation",
			zap.String("symbol", sq.symbol),
			zap.Error(err))
		return
	}

	_, makerOwned := e.makerOwned[sq.symbol]
	repairs := expected.Diff(persisted)
	update := broadcast.NewBookUpdate(sq.symbol)
	applied := 0
	for _, r := range repairs {
		if r.Amount.IsZero() {
			if makerOwned {
				// The maker subsystem owns rows with no backing order.
				continue
			}
			if err := e.store.DeleteBookEntry(ctx, sq.symbol, r.Side, r.Price); err != nil {
				e.logger.Warn("failed to delete ghost book level",
					zap.String("symbol", sq.symbol),
					zap.String("price", r.Price.String()),
					zap.Error(err))
				continue
			}
		} else {
			if err := e.store.UpsertBookEntry(ctx, sq.symbol, r.Side, r.Price, r.Amount); err != nil {
				e.logger.Warn("failed to repair book level",
					zap.String("symbol", sq.symbol),
					zap.String("price", r.Price.String()),
					zap.Error(err))
				continue
			}
		}
		update.Set(r.Side, r.Price, r.Amount)
		applied++
	}

	e.books.Put(expected)
	if applied == 0 {
		return
	}
	e.logger.Info("repaired order book",
		zap.String("symbol", sq.symbol),
		zap.Int("repairs", applied))
	if makerOwned {
		e.gateway.PublishBookUpdate(ctx, update)
	} else {
		e.gateway.PublishBookUpdate(ctx, broadcast.NewBookSnapshot(expected.Snapshot(e.cfg.BookDepth)))
	}
}

func (e *Engine) reconcileLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.ReconcileBooks(context.Background())
		}
	}
}
