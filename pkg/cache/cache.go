// Package cache keeps the latest server-pushed state for the gateway.
//
// Every table has its own lock. Writers replace whole records; readers get
// copies, so nothing handed out can be mutated behind the cache's back.
package cache

import (
	"strconv"
	"sync"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

// OrderKey identifies an order across the session that created it.
func OrderKey(frontID, sessionID int, orderRef string) string {
	return strconv.Itoa(frontID) + ":" + strconv.Itoa(sessionID) + ":" + orderRef
}

// KeyOf is the cache key of o, falling back to the system id for orders
// pushed without a reference.
func KeyOf(o *ctp.Order) string {
	if o.OrderRef == "" && o.OrderSysID != "" {
		return "sys:" + o.OrderSysID
	}
	return OrderKey(o.FrontID, o.SessionID, o.OrderRef)
}

type State struct {
	ticksMu sync.RWMutex
	ticks   map[string]ctp.DepthMarketData

	accountMu sync.RWMutex
	account   *ctp.TradingAccount

	positionsMu sync.RWMutex
	positions   map[string]ctp.InvestorPosition

	instrumentsMu sync.RWMutex
	instruments   map[string]ctp.Instrument

	ordersMu sync.RWMutex
	orders   map[string]ctp.Order
	orderSeq []string
	bySysID  map[string]string

	tradesMu sync.RWMutex
	trades   map[string]ctp.Trade
	tradeSeq []string
}

func New() *State {
	return &State{
		ticks:       make(map[string]ctp.DepthMarketData),
		positions:   make(map[string]ctp.InvestorPosition),
		instruments: make(map[string]ctp.Instrument),
		orders:      make(map[string]ctp.Order),
		bySysID:     make(map[string]string),
		trades:      make(map[string]ctp.Trade),
	}
}

// Ticks

func (s *State) SetTick(t ctp.DepthMarketData) {
	s.ticksMu.Lock()
	s.ticks[t.InstrumentID] = t
	s.ticksMu.Unlock()
}

func (s *State) Tick(instrumentID string) (ctp.DepthMarketData, bool) {
	s.ticksMu.RLock()
	defer s.ticksMu.RUnlock()
	t, ok := s.ticks[instrumentID]
	return t, ok
}

func (s *State) Ticks() map[string]ctp.DepthMarketData {
	s.ticksMu.RLock()
	defer s.ticksMu.RUnlock()
	out := make(map[string]ctp.DepthMarketData, len(s.ticks))
	for k, v := range s.ticks {
		out[k] = v
	}
	return out
}

// Account

func (s *State) SetAccount(a ctp.TradingAccount) {
	s.accountMu.Lock()
	s.account = &a
	s.accountMu.Unlock()
}

func (s *State) Account() (ctp.TradingAccount, bool) {
	s.accountMu.RLock()
	defer s.accountMu.RUnlock()
	if s.account == nil {
		return ctp.TradingAccount{}, false
	}
	return *s.account, true
}

// Positions are keyed by instrument; the last push for an instrument wins.

func (s *State) SetPosition(p ctp.InvestorPosition) {
	s.positionsMu.Lock()
	s.positions[p.InstrumentID] = p
	s.positionsMu.Unlock()
}

func (s *State) Positions() map[string]ctp.InvestorPosition {
	s.positionsMu.RLock()
	defer s.positionsMu.RUnlock()
	out := make(map[string]ctp.InvestorPosition, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Instruments

func (s *State) SetInstrument(i ctp.Instrument) {
	s.instrumentsMu.Lock()
	s.instruments[i.InstrumentID] = i
	s.instrumentsMu.Unlock()
}

func (s *State) Instrument(id string) (ctp.Instrument, bool) {
	s.instrumentsMu.RLock()
	defer s.instrumentsMu.RUnlock()
	i, ok := s.instruments[id]
	return i, ok
}

func (s *State) Instruments() map[string]ctp.Instrument {
	s.instrumentsMu.RLock()
	defer s.instrumentsMu.RUnlock()
	out := make(map[string]ctp.Instrument, len(s.instruments))
	for k, v := range s.instruments {
		out[k] = v
	}
	return out
}

// Orders

// InsertOrder records a locally created order unless the server already
// pushed a record for the same key.
func (s *State) InsertOrder(o ctp.Order) bool {
	key := KeyOf(&o)
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if _, exists := s.orders[key]; exists {
		return false
	}
	s.putOrderLocked(key, o)
	return true
}

// UpdateOrder replaces the record for the order, creating it if needed.
func (s *State) UpdateOrder(o ctp.Order) {
	key := KeyOf(&o)
	s.ordersMu.Lock()
	s.putOrderLocked(key, o)
	s.ordersMu.Unlock()
}

func (s *State) putOrderLocked(key string, o ctp.Order) {
	if prev, exists := s.orders[key]; !exists {
		s.orderSeq = append(s.orderSeq, key)
	} else if prev.OrderSysID != "" && prev.OrderSysID != o.OrderSysID {
		delete(s.bySysID, prev.OrderSysID)
	}
	s.orders[key] = o
	if o.OrderSysID != "" {
		s.bySysID[o.OrderSysID] = key
	}
}

// MarkOrder updates the submit status of a known order. It reports whether
// the order was found.
func (s *State) MarkOrder(key string, status ctp.OrderSubmitStatus, msg string) bool {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	o, ok := s.orders[key]
	if !ok {
		return false
	}
	o.OrderSubmitStatus = status
	if msg != "" {
		o.StatusMsg = msg
	}
	s.orders[key] = o
	return true
}

func (s *State) Order(key string) (ctp.Order, bool) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[key]
	return o, ok
}

func (s *State) OrderBySysID(sysID string) (ctp.Order, bool) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	key, ok := s.bySysID[sysID]
	if !ok {
		return ctp.Order{}, false
	}
	o, ok := s.orders[key]
	return o, ok
}

// Orders returns all orders in the order they were first seen.
func (s *State) Orders() []ctp.Order {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	out := make([]ctp.Order, 0, len(s.orderSeq))
	for _, k := range s.orderSeq {
		out = append(out, s.orders[k])
	}
	return out
}

// OrdersBySysID returns a snapshot keyed by order system id. Orders the
// exchange has not acknowledged yet are absent.
func (s *State) OrdersBySysID() map[string]ctp.Order {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	out := make(map[string]ctp.Order, len(s.bySysID))
	for sys, k := range s.bySysID {
		out[sys] = s.orders[k]
	}
	return out
}

// Trades

// AddTrade stores a fill. A trade id seen before is dropped and reported
// as not new.
func (s *State) AddTrade(t ctp.Trade) bool {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	if _, exists := s.trades[t.TradeID]; exists {
		return false
	}
	s.trades[t.TradeID] = t
	s.tradeSeq = append(s.tradeSeq, t.TradeID)
	return true
}

func (s *State) Trade(tradeID string) (ctp.Trade, bool) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	t, ok := s.trades[tradeID]
	return t, ok
}

func (s *State) Trades() []ctp.Trade {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	out := make([]ctp.Trade, 0, len(s.tradeSeq))
	for _, id := range s.tradeSeq {
		out = append(out, s.trades[id])
	}
	return out
}
