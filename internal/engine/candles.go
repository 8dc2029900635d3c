package engine

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// dailyInterval feeds ticker computation.
const dailyInterval = "1d"

// intervalDuration parses interval names like 1m, 15m, 4h and 1d.
func intervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
}

// candleCache keeps the open bucket per symbol and interval plus the
// prior-day close used for ticker change computation. Buckets are
// truncated UTC timestamps.
type candleCache struct {
	mu        sync.RWMutex
	intervals []string
	durations map[string]time.Duration
	series    map[string]map[string]*models.Candle
	prevDaily map[string]fixedpoint.Value
}

func newCandleCache(intervals []string) (*candleCache, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("no candle intervals configured")
	}
	durations := make(map[string]time.Duration, len(intervals))
	for _, interval := range intervals {
		d, err := intervalDuration(interval)
		if err != nil {
			return nil, err
		}
		durations[interval] = d
	}
	return &candleCache{
		intervals: intervals,
		durations: durations,
		series:    make(map[string]map[string]*models.Candle),
		prevDaily: make(map[string]fixedpoint.Value),
	}, nil
}

// Hydrate seeds the open bucket for a symbol and interval from the
// durable store.
func (c *candleCache) Hydrate(symbol, interval string, last *models.Candle) {
	if last == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbolSeries(symbol)[interval] = last
}

// HydratePrevDaily seeds the prior-day close for a symbol.
func (c *candleCache) HydratePrevDaily(symbol string, prevClose fixedpoint.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prevDaily[symbol] = prevClose
}

func (c *candleCache) symbolSeries(symbol string) map[string]*models.Candle {
	s, ok := c.series[symbol]
	if !ok {
		s = make(map[string]*models.Candle, len(c.intervals))
		c.series[symbol] = s
	}
	return s
}

// Record applies one fill to every tracked interval and returns the
// updated candles. A fill whose bucket is newer than the open candle
// rolls the series over, seeding the new open price with the previous
// close; the closed candle is left as it was persisted.
func (c *candleCache) Record(symbol string, price, volume fixedpoint.Value, at time.Time) []*models.Candle {
	at = at.UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	series := c.symbolSeries(symbol)
	out := make([]*models.Candle, 0, len(c.intervals))
	for _, interval := range c.intervals {
		bucket := at.Truncate(c.durations[interval])
		cur := series[interval]
		switch {
		case cur == nil:
			cur = &models.Candle{
				Symbol:    symbol,
				Interval:  interval,
				OpenedAt:  bucket,
				Open:      price,
				High:      price,
				Low:       price,
				Close:     price,
				Volume:    volume,
				UpdatedAt: at,
			}
			series[interval] = cur
		case bucket.After(cur.OpenedAt):
			open := cur.Close
			if interval == dailyInterval {
				c.prevDaily[symbol] = cur.Close
			}
			cur = &models.Candle{
				Symbol:    symbol,
				Interval:  interval,
				OpenedAt:  bucket,
				Open:      open,
				High:      fixedpoint.Max(open, price),
				Low:       fixedpoint.Min(open, price),
				Close:     price,
				Volume:    volume,
				UpdatedAt: at,
			}
			series[interval] = cur
		default:
			// Same bucket, or a fill straggling in behind a rollover;
			// both fold into the open candle.
			if price.GreaterThan(cur.High) {
				cur.High = price
			}
			if price.LessThan(cur.Low) {
				cur.Low = price
			}
			cur.Close = price
			cur.Volume = cur.Volume.Add(volume)
			cur.UpdatedAt = at
		}
		out = append(out, cur)
	}
	return out
}

// Daily returns a copy of the open daily candle and the prior-day
// close. ok is false when the symbol has not traded on any day yet.
func (c *candleCache) Daily(symbol string) (candle models.Candle, prevClose fixedpoint.Value, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur := c.series[symbol][dailyInterval]
	if cur == nil {
		return models.Candle{}, fixedpoint.Zero(), false
	}
	return *cur, c.prevDaily[symbol], true
}
