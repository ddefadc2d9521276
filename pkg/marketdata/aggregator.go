// Package marketdata builds OHLCV candles from depth market data ticks.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

// Candle is one OHLCV bar. Volume is the traded volume inside the bar,
// derived from the cumulative tick volume.
type Candle struct {
	InstrumentID string    `json:"instrumentId"`
	Interval     Interval  `json:"interval"`
	OpenTime     time.Time `json:"openTime"`
	CloseTime    time.Time `json:"closeTime"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       int       `json:"volume"`
	Ticks        int       `json:"ticks"`
	Complete     bool      `json:"complete"`
}

type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval30m:
		return 30 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return 0
}

// AllIntervals returns every supported interval, shortest first.
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval30m, Interval1h, Interval1d}
}

func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if i.Duration() == 0 {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return i, nil
}

// Registrar is satisfied by the gateway facade.
type Registrar interface {
	RegisterCallback(kind events.Kind, l events.Listener)
}

// Aggregator folds ticks into candles for every configured interval.
// Completed candles are stored and fanned out to subscribers.
type Aggregator struct {
	logger    log.Logger
	db        database.Database
	intervals []Interval
	loc       *time.Location
	now       func() time.Time

	mu         sync.Mutex
	candles    map[string]map[Interval]*Candle
	lastVolume map[string]int

	subMu       sync.RWMutex
	subscribers map[string][]chan Candle

	totalTicks   atomic.Uint64
	totalCandles atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Aggregator)

// WithLocation sets the zone exchange timestamps are read in.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithIntervals(intervals ...Interval) Option {
	return func(a *Aggregator) { a.intervals = intervals }
}

func NewAggregator(logger log.Logger, db database.Database, opts ...Option) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		logger:      logger.New("module", "marketdata"),
		db:          db,
		intervals:   AllIntervals(),
		loc:         time.Local,
		now:         time.Now,
		candles:     make(map[string]map[Interval]*Candle),
		lastVolume:  make(map[string]int),
		subscribers: make(map[string][]chan Candle),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach feeds every market data event into the aggregator.
func (a *Aggregator) Attach(r Registrar) {
	r.RegisterCallback(events.MarketData, a.Handle)
}

// Handle is an events.Listener.
func (a *Aggregator) Handle(e events.Event) error {
	tick, ok := e.Payload.(*ctp.DepthMarketData)
	if !ok || tick == nil {
		return nil
	}
	a.AddTick(*tick)
	return nil
}

// Start closes candles whose period has ended even when no tick arrives.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				a.CompleteBefore(a.now())
			}
		}
	}()
	a.logger.Info("Candle aggregator started", "intervals", a.intervals)
}

func (a *Aggregator) Stop() {
	a.cancel()
	a.wg.Wait()
}

// tickTime reads the exchange timestamp, falling back to the local clock
// when the tick carries none.
func (a *Aggregator) tickTime(tick ctp.DepthMarketData) time.Time {
	day := tick.ActionDay
	if day == "" {
		day = tick.TradingDay
	}
	if day != "" && tick.UpdateTime != "" {
		t, err := time.ParseInLocation("20060102 15:04:05", day+" "+tick.UpdateTime, a.loc)
		if err == nil {
			return t.Add(time.Duration(tick.UpdateMillisec) * time.Millisecond)
		}
	}
	return a.now()
}

func (a *Aggregator) AddTick(tick ctp.DepthMarketData) {
	if tick.InstrumentID == "" || tick.LastPrice <= 0 || math.IsInf(tick.LastPrice, 0) {
		return
	}
	at := a.tickTime(tick)
	a.totalTicks.Add(1)

	a.mu.Lock()
	var completed []Candle

	// Day volume is cumulative; the first tick only sets the baseline.
	delta := 0
	if prev, ok := a.lastVolume[tick.InstrumentID]; ok && tick.Volume >= prev {
		delta = tick.Volume - prev
	}
	a.lastVolume[tick.InstrumentID] = tick.Volume

	byInterval := a.candles[tick.InstrumentID]
	if byInterval == nil {
		byInterval = make(map[Interval]*Candle)
		a.candles[tick.InstrumentID] = byInterval
	}

	for _, interval := range a.intervals {
		openTime := openTimeOf(at, interval)
		candle := byInterval[interval]

		if candle != nil && !openTime.After(candle.OpenTime) {
			candle.High = math.Max(candle.High, tick.LastPrice)
			candle.Low = math.Min(candle.Low, tick.LastPrice)
			candle.Close = tick.LastPrice
			candle.Volume += delta
			candle.Ticks++
			continue
		}

		if candle != nil {
			candle.Complete = true
			completed = append(completed, *candle)
		}
		byInterval[interval] = &Candle{
			InstrumentID: tick.InstrumentID,
			Interval:     interval,
			OpenTime:     openTime,
			CloseTime:    openTime.Add(interval.Duration()),
			Open:         tick.LastPrice,
			High:         tick.LastPrice,
			Low:          tick.LastPrice,
			Close:        tick.LastPrice,
			Volume:       delta,
			Ticks:        1,
		}
		a.totalCandles.Add(1)
	}
	a.mu.Unlock()

	a.finish(completed)
}

// CompleteBefore closes every open candle whose period ended before now.
func (a *Aggregator) CompleteBefore(now time.Time) {
	a.mu.Lock()
	var completed []Candle
	for _, byInterval := range a.candles {
		for interval, candle := range byInterval {
			if now.Before(candle.CloseTime) {
				continue
			}
			candle.Complete = true
			completed = append(completed, *candle)
			delete(byInterval, interval)
		}
	}
	a.mu.Unlock()

	a.finish(completed)
}

func (a *Aggregator) finish(completed []Candle) {
	for _, c := range completed {
		a.store(c)
		a.publish(c)
	}
}

// openTimeOf aligns t to the start of its interval in t's own zone.
func openTimeOf(t time.Time, interval Interval) time.Time {
	if interval == Interval1d {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	return t.Truncate(interval.Duration())
}

func subscriptionKey(instrumentID string, interval Interval) string {
	return instrumentID + ":" + string(interval)
}

func candlePrefix(instrumentID string, interval Interval) string {
	return fmt.Sprintf("candle:%s:%s:", instrumentID, interval)
}

func (a *Aggregator) store(c Candle) {
	if a.db == nil {
		return
	}
	value, err := json.Marshal(c)
	if err != nil {
		a.logger.Error("Failed to marshal candle", "error", err)
		return
	}
	// Fixed-width open time keeps prefix scans in time order.
	key := fmt.Sprintf("%s%020d", candlePrefix(c.InstrumentID, c.Interval), c.OpenTime.Unix())
	if err := a.db.Put([]byte(key), value); err != nil {
		a.logger.Error("Failed to store candle", "instrument", c.InstrumentID, "interval", c.Interval, "error", err)
	}
}

func (a *Aggregator) publish(c Candle) {
	a.subMu.RLock()
	subscribers := a.subscribers[subscriptionKey(c.InstrumentID, c.Interval)]
	a.subMu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- c:
		default:
			a.logger.Debug("Candle subscriber lagging", "instrument", c.InstrumentID, "interval", c.Interval)
		}
	}
}

// Subscribe returns a channel of completed candles. Slow readers miss
// candles rather than block the aggregator.
func (a *Aggregator) Subscribe(instrumentID string, interval Interval) <-chan Candle {
	ch := make(chan Candle, 100)
	key := subscriptionKey(instrumentID, interval)

	a.subMu.Lock()
	a.subscribers[key] = append(a.subscribers[key], ch)
	a.subMu.Unlock()
	return ch
}

// Latest returns the candle currently being built.
func (a *Aggregator) Latest(instrumentID string, interval Interval) (Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.candles[instrumentID][interval]; c != nil {
		return *c, true
	}
	return Candle{}, false
}

// Candles returns up to limit of the most recent completed candles, oldest
// first. A non-positive limit returns all of them.
func (a *Aggregator) Candles(instrumentID string, interval Interval, limit int) ([]Candle, error) {
	if a.db == nil {
		return nil, nil
	}
	it := a.db.NewIteratorWithPrefix([]byte(candlePrefix(instrumentID, interval)))
	defer it.Release()

	var out []Candle
	for it.Next() {
		var c Candle
		if err := json.Unmarshal(it.Value(), &c); err != nil {
			return nil, fmt.Errorf("decode candle %s: %w", it.Key(), err)
		}
		out = append(out, c)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// VWAP is the volume-weighted typical price over the last periods
// completed candles.
func (a *Aggregator) VWAP(instrumentID string, interval Interval, periods int) (float64, error) {
	candles, err := a.Candles(instrumentID, interval, periods)
	if err != nil {
		return 0, err
	}
	var volume, weighted float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		weighted += typical * float64(c.Volume)
		volume += float64(c.Volume)
	}
	if volume == 0 {
		return 0, nil
	}
	return weighted / volume, nil
}

func (a *Aggregator) Stats() map[string]interface{} {
	a.mu.Lock()
	instruments := len(a.candles)
	a.mu.Unlock()

	return map[string]interface{}{
		"ticks":       a.totalTicks.Load(),
		"candles":     a.totalCandles.Load(),
		"instruments": instruments,
	}
}
