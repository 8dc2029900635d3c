package engine

import (
	"sort"
	"time"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

var hundred = fixedpoint.FromInt(100)

// buildTicker derives the daily statistics view from the open daily
// candle and the prior-day close.
func buildTicker(symbol string, daily models.Candle, prevClose fixedpoint.Value, now time.Time) *models.Ticker {
	change := daily.Close.Sub(prevClose)
	t := &models.Ticker{
		Symbol:    symbol,
		Last:      daily.Close,
		High:      daily.High,
		Low:       daily.Low,
		Volume:    daily.Volume,
		Change:    change,
		UpdatedAt: now,
	}
	if !prevClose.IsZero() {
		t.ChangePercent = change.MulDiv(hundred, prevClose)
	}
	return t
}

// Ticker returns the current daily statistics for a symbol. A symbol
// that has not traded yet reports all-zero fields.
func (e *Engine) Ticker(symbol string) *models.Ticker {
	now := time.Now().UTC()
	daily, prevClose, ok := e.candles.Daily(symbol)
	if !ok {
		return &models.Ticker{Symbol: symbol, UpdatedAt: now}
	}
	return buildTicker(symbol, daily, prevClose, now)
}

// Tickers returns the daily statistics for every known symbol, sorted
// by symbol.
func (e *Engine) Tickers() []*models.Ticker {
	symbols := make([]string, 0, len(e.queues))
	for symbol := range e.queues {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]*models.Ticker, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, e.Ticker(symbol))
	}
	return out
}
