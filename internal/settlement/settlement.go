// Package settlement moves funds and records the trade for one matched
// pair of orders. Wallet legs, pool legs and the trade row commit in a
// single storage transaction, so money never half-moves: either the
// pair settles completely or nothing happened.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/ledger"
	"github.com/hhongli1979-coder/bicrypto-sub003/internal/store"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// Trading funds live in ECO wallets.
const walletType = models.WalletTypeEco

// SolvencyError reports that one side of a matched pair could not pay.
// The pair is skipped and the matching pass moves on past the failing
// order; nothing has been committed.
type SolvencyError struct {
	OrderID uuid.UUID
	Pool    bool
	Err     error
}

func (e *SolvencyError) Error() string {
	return fmt.Sprintf("order %s cannot settle: %v", e.OrderID, e.Err)
}

func (e *SolvencyError) Unwrap() error { return e.Err }

// party identifies who funds one side of a trade. An order carrying a
// maker id settles against that operator's liquidity pool, otherwise
// against the user's wallets.
type party interface{ settlementParty() }

type userParty struct{ userID uuid.UUID }

type poolParty struct{ makerID uuid.UUID }

func (userParty) settlementParty() {}
func (poolParty) settlementParty() {}

func partyOf(o *models.Order) party {
	if o.MakerID != nil {
		return poolParty{makerID: *o.MakerID}
	}
	return userParty{userID: o.UserID}
}

// pair carries the market identity of the orders being settled.
type pair struct {
	symbol string
	base   string
	quote  string
}

func splitSymbol(symbol string) (pair, error) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return pair{}, fmt.Errorf("malformed symbol %q", symbol)
	}
	return pair{symbol: symbol, base: base, quote: quote}, nil
}

// Result is the outcome of one settled pair: the durable trade row and
// the fill each order records.
type Result struct {
	Trade    *models.Trade
	BuyFill  models.Fill
	SellFill models.Fill
}

// Service settles matched order pairs.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger *ledger.Service
	store  *store.Store
}

// NewService creates a settlement service.
func NewService(logger *zap.Logger, db *gorm.DB, led *ledger.Service, st *store.Store) *Service {
	return &Service{
		logger: logger,
		db:     db,
		ledger: led,
		store:  st,
	}
}

// Settle executes a fill of amount base units at price between a buy
// and a sell order. Fees are charged in the quote currency on both
// sides, proportional to the share of the order the fill consumes.
//
// Fund flow depends on who backs each side. User wallets pay from
// reserved and receive into available. A pool pays and receives on its
// inventory balances. When both sides are pool-backed the inventory
// stays where it is and only the trade row is written.
//
// On success the two orders are updated in place with the new fill,
// after the transaction has committed. On failure the orders are
// untouched; a *SolvencyError marks failures where a side simply
// cannot pay.
func (s *Service) Settle(ctx context.Context, buy, sell *models.Order, amount, price fixedpoint.Value) (*Result, error) {
	if err := validatePair(buy, sell, amount, price); err != nil {
		return nil, err
	}
	market, err := splitSymbol(buy.Symbol)
	if err != nil {
		return nil, err
	}

	cost := amount.Mul(price)
	buyerFee := buy.Fee.MulDiv(amount, buy.Amount)
	sellerFee := sell.Fee.MulDiv(amount, sell.Amount)

	buyer := partyOf(buy)
	seller := partyOf(sell)
	_, buyPool := buyer.(poolParty)
	_, sellPool := seller.(poolParty)

	now := time.Now().UTC()
	trade := buildTrade(buy, sell, market, amount, price, cost, buyerFee, sellerFee, now)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		led := s.ledger.WithTx(tx)
		// Pool against pool shuffles inventory the operator already
		// owns on both sides, so no balances move.
		if !(buyPool && sellPool) {
			if err := s.settleSeller(ctx, led, seller, market, amount, cost, sellerFee); err != nil {
				return classify(sell, err)
			}
			if err := s.settleBuyer(ctx, led, buyer, market, amount, cost, buyerFee); err != nil {
				return classify(buy, err)
			}
		}
		return s.store.InsertTradeTx(tx, trade)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Trade:    trade,
		BuyFill:  newFill(buy, amount, price, cost, buyerFee, now),
		SellFill: newFill(sell, amount, price, cost, sellerFee, now),
	}
	applyFill(buy, res.BuyFill)
	applyFill(sell, res.SellFill)

	s.logger.Debug("settled trade",
		zap.String("trade_id", trade.ID.String()),
		zap.String("symbol", trade.Symbol),
		zap.String("price", price.String()),
		zap.String("amount", amount.String()))
	return res, nil
}

func validatePair(buy, sell *models.Order, amount, price fixedpoint.Value) error {
	if !buy.IsBuy() || sell.IsBuy() {
		return fmt.Errorf("order sides are inverted: %s vs %s", buy.Side, sell.Side)
	}
	if buy.Symbol != sell.Symbol {
		return fmt.Errorf("orders belong to different markets: %s vs %s", buy.Symbol, sell.Symbol)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("fill amount must be positive, got %s", amount)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("fill price must be positive, got %s", price)
	}
	if amount.GreaterThan(buy.Remaining) || amount.GreaterThan(sell.Remaining) {
		return fmt.Errorf("fill amount %s exceeds order remainder", amount)
	}
	return nil
}

// settleSeller hands over the base amount and collects the proceeds
// minus the seller's fee.
func (s *Service) settleSeller(ctx context.Context, led *ledger.Service, p party, m pair, amount, cost, fee fixedpoint.Value) error {
	switch pt := p.(type) {
	case userParty:
		if err := led.DebitReserved(ctx, pt.userID, m.base, walletType, amount); err != nil {
			return err
		}
		return led.CreditAvailable(ctx, pt.userID, m.quote, walletType, cost.Sub(fee))
	case poolParty:
		return led.AdjustPool(ctx, pt.makerID, m.symbol, amount.Neg(), cost)
	default:
		return fmt.Errorf("unknown settlement party %T", p)
	}
}

// settleBuyer pays the cost plus the buyer's fee and receives the base
// amount.
func (s *Service) settleBuyer(ctx context.Context, led *ledger.Service, p party, m pair, amount, cost, fee fixedpoint.Value) error {
	switch pt := p.(type) {
	case userParty:
		if err := led.DebitReserved(ctx, pt.userID, m.quote, walletType, cost.Add(fee)); err != nil {
			return err
		}
		return led.CreditAvailable(ctx, pt.userID, m.base, walletType, amount)
	case poolParty:
		return led.AdjustPool(ctx, pt.makerID, m.symbol, amount, cost.Neg())
	default:
		return fmt.Errorf("unknown settlement party %T", p)
	}
}

// classify wraps failures where a side lacks funds, a wallet or a pool
// so the matching pass can skip past the order instead of aborting.
func classify(o *models.Order, err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrWalletNotFound) ||
		errors.Is(err, ledger.ErrPoolLiquidity) ||
		errors.Is(err, ledger.ErrPoolNotFound) {
		return &SolvencyError{OrderID: o.ID, Pool: o.IsPoolBacked(), Err: err}
	}
	return err
}

// buildTrade records the pair with the later created order as taker.
func buildTrade(buy, sell *models.Order, m pair, amount, price, cost, buyerFee, sellerFee fixedpoint.Value, now time.Time) *models.Trade {
	taker, maker := buy, sell
	takerFee, makerFee := buyerFee, sellerFee
	if sell.CreatedAt.After(buy.CreatedAt) {
		taker, maker = sell, buy
		takerFee, makerFee = sellerFee, buyerFee
	}
	return &models.Trade{
		ID:           uuid.New(),
		Symbol:       m.symbol,
		Side:         taker.Side,
		Price:        price,
		Amount:       amount,
		Cost:         cost,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerFee:     makerFee,
		TakerFee:     takerFee,
		FeeCurrency:  m.quote,
		CreatedAt:    now,
	}
}

func newFill(o *models.Order, amount, price, cost, fee fixedpoint.Value, now time.Time) models.Fill {
	return models.Fill{
		ID:        o.ID,
		Side:      o.Side,
		Price:     price,
		Amount:    amount,
		Cost:      cost,
		Fee:       fee,
		CreatedAt: now,
	}
}

// applyFill advances an order by one execution. The order closes when
// nothing remains.
func applyFill(o *models.Order, fill models.Fill) {
	o.Filled = o.Filled.Add(fill.Amount)
	o.Remaining = o.Remaining.Sub(fill.Amount)
	o.Cost = o.Cost.Add(fill.Cost)
	o.Fills = append(o.Fills, fill)
	if o.Remaining.Sign() <= 0 {
		o.Status = models.StatusClosed
	} else {
		o.Status = models.StatusPartiallyFilled
	}
	o.UpdatedAt = fill.CreatedAt
}
