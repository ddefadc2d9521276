package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

// MarketSession runs the market data channel: connect, login, then
// subscriptions and ticks.
type MarketSession struct {
	machine

	api     ctp.MdAPI
	address string
	creds   Credentials
	corr    *correlator.Correlator
	cache   *cache.State
	events  *events.Dispatcher

	subMu sync.Mutex
	subs  map[string]struct{}
}

var _ ctp.MdSpi = (*MarketSession)(nil)

func NewMarketSession(api ctp.MdAPI, address string, creds Credentials, deps Deps) *MarketSession {
	s := &MarketSession{
		api:     api,
		address: address,
		creds:   creds,
		corr:    deps.Correlator,
		cache:   deps.Cache,
		events:  deps.Events,
		subs:    make(map[string]struct{}),
	}
	s.machine.init(ctp.ChannelMarket, deps.Logger.New("channel", string(ctp.ChannelMarket)), deps.Recorder)
	return s
}

// Connect registers the front and starts the API. The front keeps
// reconnecting by itself, so Connect may only be called once.
func (s *MarketSession) Connect() error {
	if err := s.start(); err != nil {
		return err
	}
	s.logger.Info("Connecting market data front", "address", s.address)
	s.api.RegisterSpi(s)
	s.api.RegisterFront(s.address)
	s.api.Init()
	return nil
}

// Retry restarts the login after a rejected attempt.
func (s *MarketSession) Retry() error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	s.login()
	return nil
}

func (s *MarketSession) login() {
	id := s.corr.NextRequestID(s.ch)
	if !s.begin(id, LoggingIn, Connected) {
		return
	}
	req := &ctp.ReqUserLogin{
		BrokerID: s.creds.BrokerID,
		UserID:   s.creds.UserID,
		Password: s.creds.Password,
	}
	code := s.api.ReqUserLogin(req, id)
	s.record("ReqUserLogin", code)
	if code != 0 {
		info := submitFailure(code, "ReqUserLogin")
		if s.abort(id, LoggingIn, Connected, info) {
			s.events.Fire(events.MdLoginFailed, failure(info, nil))
		}
	}
}

// Subscribe sends one subscribe request per instrument. Subscriptions are
// replayed after every successful login.
func (s *MarketSession) Subscribe(instruments ...string) error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	s.subMu.Lock()
	for _, inst := range instruments {
		s.subs[inst] = struct{}{}
	}
	s.subMu.Unlock()
	return s.sendSubscriptions(instruments)
}

func (s *MarketSession) sendSubscriptions(instruments []string) error {
	var errs []error
	for _, inst := range instruments {
		code := s.api.SubscribeMarketData(inst)
		s.record("SubscribeMarketData", code)
		if err := ctp.CheckSubmit(s.ch, "SubscribeMarketData", code); err != nil {
			s.events.Fire(events.SubscribeFailed, failure(submitFailure(code, "SubscribeMarketData"), &ctp.SpecificInstrument{InstrumentID: inst}))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe sends one unsubscribe request per instrument.
func (s *MarketSession) Unsubscribe(instruments ...string) error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	s.subMu.Lock()
	for _, inst := range instruments {
		delete(s.subs, inst)
	}
	s.subMu.Unlock()

	var errs []error
	for _, inst := range instruments {
		code := s.api.UnSubscribeMarketData(inst)
		s.record("UnSubscribeMarketData", code)
		if err := ctp.CheckSubmit(s.ch, "UnSubscribeMarketData", code); err != nil {
			s.events.Fire(events.UnsubscribeFailed, failure(submitFailure(code, "UnSubscribeMarketData"), &ctp.SpecificInstrument{InstrumentID: inst}))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscriptions returns the instruments the session keeps subscribed.
func (s *MarketSession) Subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, 0, len(s.subs))
	for inst := range s.subs {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Release shuts the API down.
func (s *MarketSession) Release() {
	s.api.Release()
	s.release()
}

// Callbacks

func (s *MarketSession) OnFrontConnected() {
	s.logger.Info("Market data front connected")
	s.onConnected()
	s.events.Fire(events.MdConnected, nil)
	s.login()
}

func (s *MarketSession) OnFrontDisconnected(reason int) {
	s.logger.Warn("Market data front disconnected", "reason", reason)
	s.onDisconnected()
	s.events.Fire(events.MdDisconnected, reason)
}

func (s *MarketSession) OnRspUserLogin(data *ctp.RspUserLogin, info *ctp.RspInfo, requestID int, isLast bool) {
	s.mu.Lock()
	if !s.completeLocked(requestID, LoggingIn) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale login response", "requestID", requestID)
		return
	}
	if !info.OK() {
		s.status.LastError = copyInfo(info)
		s.setStateLocked(Connected)
		s.mu.Unlock()
		s.logger.Error("Market data login failed", "errorID", info.ErrorID, "msg", info.ErrorMsg)
		s.events.Fire(events.MdLoginFailed, failure(info, data))
		return
	}
	s.status.LoggedIn = true
	if data != nil {
		s.status.TradingDay = data.TradingDay
		s.status.FrontID = data.FrontID
		s.status.SessionID = data.SessionID
	}
	s.setStateLocked(LoggedIn)
	s.mu.Unlock()

	s.logger.Info("Market data login succeeded", "tradingDay", s.Status().TradingDay)
	s.events.Fire(events.MdLoginSuccess, data)

	if subs := s.Subscriptions(); len(subs) > 0 {
		s.logger.Info("Restoring subscriptions", "count", len(subs))
		_ = s.sendSubscriptions(subs)
	}
}

func (s *MarketSession) OnRspError(info *ctp.RspInfo, requestID int, isLast bool) {
	if info.OK() {
		return
	}
	s.logger.Error("Market data error response", "requestID", requestID, "errorID", info.ErrorID, "msg", info.ErrorMsg)
	s.events.Fire(events.MdError, failure(info, nil))
}

func (s *MarketSession) OnRspSubMarketData(data *ctp.SpecificInstrument, info *ctp.RspInfo, requestID int, isLast bool) {
	if !info.OK() {
		s.events.Fire(events.SubscribeFailed, failure(info, data))
		return
	}
	s.events.Fire(events.SubscribeSuccess, data)
}

func (s *MarketSession) OnRspUnSubMarketData(data *ctp.SpecificInstrument, info *ctp.RspInfo, requestID int, isLast bool) {
	if !info.OK() {
		s.events.Fire(events.UnsubscribeFailed, failure(info, data))
		return
	}
	s.events.Fire(events.UnsubscribeSuccess, data)
}

func (s *MarketSession) OnRtnDepthMarketData(data *ctp.DepthMarketData) {
	if data == nil {
		return
	}
	tick := *data
	s.cache.SetTick(tick)
	s.events.Fire(events.MarketData, &tick)
}
