// Package broadcast publishes engine state changes for delivery to
// connected clients. Publishing is best effort: a failed publish is
// logged and dropped, it never blocks or fails matching.
package broadcast

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/orderbook"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// Book update types.
const (
	BookUpdateDelta    = "delta"
	BookUpdateSnapshot = "snapshot"
)

// BookUpdate carries changed price levels of one symbol. Amounts are
// decimal strings keyed by price; an amount of "0" tells subscribers
// to drop the level. Snapshot updates replace the whole book instead.
type BookUpdate struct {
	Symbol string            `json:"symbol"`
	Type   string            `json:"type"`
	Bids   map[string]string `json:"bids"`
	Asks   map[string]string `json:"asks"`
}

// NewBookUpdate creates an empty delta update for a symbol.
func NewBookUpdate(symbol string) *BookUpdate {
	return &BookUpdate{
		Symbol: symbol,
		Type:   BookUpdateDelta,
		Bids:   make(map[string]string),
		Asks:   make(map[string]string),
	}
}

// NewBookSnapshot converts a depth snapshot into a replace-all
// update.
func NewBookSnapshot(snap orderbook.Snapshot) *BookUpdate {
	update := NewBookUpdate(snap.Symbol)
	update.Type = BookUpdateSnapshot
	for _, level := range snap.Bids {
		update.Bids[level.Price.String()] = level.Amount.String()
	}
	for _, level := range snap.Asks {
		update.Asks[level.Price.String()] = level.Amount.String()
	}
	return update
}

// Set records the new absolute amount of one price level.
func (u *BookUpdate) Set(side string, price, amount fixedpoint.Value) {
	levels := u.Asks
	if side == models.SideBuy {
		levels = u.Bids
	}
	levels[price.String()] = amount.String()
}

// IsEmpty reports whether the update carries no levels.
func (u *BookUpdate) IsEmpty() bool {
	return len(u.Bids) == 0 && len(u.Asks) == 0
}

// Channel names subscribed to by the delivery tier.
func BookChannel(symbol string) string      { return "book:" + symbol }
func TradesChannel(symbol string) string    { return "trades:" + symbol }
func OrdersChannel(userID uuid.UUID) string { return "orders:" + userID.String() }
func TickerChannel(symbol string) string    { return "ticker:" + symbol }
func CandlesChannel(symbol, interval string) string {
	return fmt.Sprintf("candles:%s:%s", symbol, interval)
}

// TickersChannel carries bulk statistics for every symbol at once.
const TickersChannel = "tickers"

// Gateway delivers engine events to subscribers.
type Gateway interface {
	PublishBookUpdate(ctx context.Context, update *BookUpdate)
	PublishTrades(ctx context.Context, symbol string, fills []models.Fill)
	PublishOrderUpdate(ctx context.Context, order *models.Order)
	PublishCandle(ctx context.Context, candle *models.Candle)
	PublishTicker(ctx context.Context, ticker *models.Ticker)
	PublishTickers(ctx context.Context, tickers []*models.Ticker)
	Close() error
}

// NopGateway drops every publish. It stands in when broadcasting is
// disabled and in tests.
type NopGateway struct{}

func (NopGateway) PublishBookUpdate(context.Context, *BookUpdate)       {}
func (NopGateway) PublishTrades(context.Context, string, []models.Fill) {}
func (NopGateway) PublishOrderUpdate(context.Context, *models.Order)    {}
func (NopGateway) PublishCandle(context.Context, *models.Candle)        {}
func (NopGateway) PublishTicker(context.Context, *models.Ticker)        {}
func (NopGateway) PublishTickers(context.Context, []*models.Ticker)     {}
func (NopGateway) Close() error                                         { return nil }
