package session

import (
	"time"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

// TradeSession runs the trading channel: connect, authenticate, login,
// settlement confirmation, then queries and order traffic.
type TradeSession struct {
	machine

	api     ctp.TdAPI
	address string
	creds   Credentials
	corr    *correlator.Correlator
	cache   *cache.State
	events  *events.Dispatcher
	now     func() time.Time
}

var _ ctp.TdSpi = (*TradeSession)(nil)

func NewTradeSession(api ctp.TdAPI, address string, creds Credentials, deps Deps) *TradeSession {
	s := &TradeSession{
		api:     api,
		address: address,
		creds:   creds,
		corr:    deps.Correlator,
		cache:   deps.Cache,
		events:  deps.Events,
		now:     deps.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.machine.init(ctp.ChannelTrade, deps.Logger.New("channel", string(ctp.ChannelTrade)), deps.Recorder)
	return s
}

// Credentials returns the identity orders are sent under.
func (s *TradeSession) Credentials() Credentials {
	return s.creds
}

func (s *TradeSession) Connect() error {
	if err := s.start(); err != nil {
		return err
	}
	s.logger.Info("Connecting trading front", "address", s.address)
	s.api.RegisterSpi(s)
	s.api.RegisterFront(s.address)
	s.api.Init()
	return nil
}

// Retry restarts the handshake after a rejected authentication or login.
func (s *TradeSession) Retry() error {
	switch s.State() {
	case Connected, AuthFailed:
		s.authenticate()
		return nil
	}
	return ErrNotConnected
}

func (s *TradeSession) authenticate() {
	id := s.corr.NextRequestID(s.ch)
	if !s.begin(id, Authenticating, Connected, AuthFailed) {
		return
	}
	req := &ctp.ReqAuthenticate{
		BrokerID:        s.creds.BrokerID,
		UserID:          s.creds.UserID,
		UserProductInfo: s.creds.ProductInfo,
		AuthCode:        s.creds.AuthCode,
		AppID:           s.creds.AppID,
	}
	code := s.api.ReqAuthenticate(req, id)
	s.record("ReqAuthenticate", code)
	if code != 0 {
		info := submitFailure(code, "ReqAuthenticate")
		if s.abort(id, Authenticating, AuthFailed, info) {
			s.events.Fire(events.TdAuthFailed, failure(info, nil))
		}
	}
}

func (s *TradeSession) login() {
	id := s.corr.NextRequestID(s.ch)
	if !s.begin(id, LoggingIn, Authenticated) {
		return
	}
	req := &ctp.ReqUserLogin{
		BrokerID:        s.creds.BrokerID,
		UserID:          s.creds.UserID,
		Password:        s.creds.Password,
		UserProductInfo: s.creds.ProductInfo,
	}
	code := s.api.ReqUserLogin(req, id)
	s.record("ReqUserLogin", code)
	if code != 0 {
		info := submitFailure(code, "ReqUserLogin")
		if s.abort(id, LoggingIn, Connected, info) {
			s.events.Fire(events.TdLoginFailed, failure(info, nil))
		}
	}
}

// ConfirmSettlement sends the settlement confirmation. It returns nil
// when the confirmation is already done or in flight.
func (s *TradeSession) ConfirmSettlement() error {
	id := s.corr.NextRequestID(s.ch)

	s.mu.Lock()
	switch {
	case !s.status.LoggedIn:
		s.mu.Unlock()
		return ErrNotLoggedIn
	case s.status.SettlementConfirmed, s.status.State == SettlementPending:
		s.mu.Unlock()
		return nil
	}
	s.pending = id
	s.status.SettlementRejected = false
	s.setStateLocked(SettlementPending)
	s.mu.Unlock()

	now := s.now()
	req := &ctp.SettlementInfoConfirm{
		BrokerID:    s.creds.BrokerID,
		InvestorID:  s.creds.UserID,
		ConfirmDate: now.Format("20060102"),
		ConfirmTime: now.Format("15:04:05"),
	}
	code := s.api.ReqSettlementInfoConfirm(req, id)
	s.record("ReqSettlementInfoConfirm", code)
	if code != 0 {
		info := submitFailure(code, "ReqSettlementInfoConfirm")
		if s.abort(id, SettlementPending, LoggedIn, info) {
			s.events.Fire(events.SettlementConfirmFailed, failure(info, req))
		}
		return ctp.CheckSubmit(s.ch, "ReqSettlementInfoConfirm", code)
	}
	return nil
}

func (s *TradeSession) QueryAccount() error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	req := &ctp.QryTradingAccount{BrokerID: s.creds.BrokerID, InvestorID: s.creds.UserID}
	code := s.api.ReqQryTradingAccount(req, s.corr.NextRequestID(s.ch))
	s.record("ReqQryTradingAccount", code)
	return ctp.CheckSubmit(s.ch, "ReqQryTradingAccount", code)
}

func (s *TradeSession) QueryPositions() error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	req := &ctp.QryInvestorPosition{BrokerID: s.creds.BrokerID, InvestorID: s.creds.UserID}
	code := s.api.ReqQryInvestorPosition(req, s.corr.NextRequestID(s.ch))
	s.record("ReqQryInvestorPosition", code)
	return ctp.CheckSubmit(s.ch, "ReqQryInvestorPosition", code)
}

// QueryInstruments queries one instrument, or all of them for an empty id.
func (s *TradeSession) QueryInstruments(instrumentID string) error {
	if err := s.requireLoggedIn(); err != nil {
		return err
	}
	req := &ctp.QryInstrument{InstrumentID: instrumentID}
	code := s.api.ReqQryInstrument(req, s.corr.NextRequestID(s.ch))
	s.record("ReqQryInstrument", code)
	return ctp.CheckSubmit(s.ch, "ReqQryInstrument", code)
}

// SubmitOrder sends an order insert. Preconditions are the caller's job.
func (s *TradeSession) SubmitOrder(req *ctp.InputOrder) error {
	code := s.api.ReqOrderInsert(req, s.corr.NextRequestID(s.ch))
	s.record("ReqOrderInsert", code)
	return ctp.CheckSubmit(s.ch, "ReqOrderInsert", code)
}

// SubmitAction sends an order action.
func (s *TradeSession) SubmitAction(req *ctp.InputOrderAction) error {
	code := s.api.ReqOrderAction(req, s.corr.NextRequestID(s.ch))
	s.record("ReqOrderAction", code)
	return ctp.CheckSubmit(s.ch, "ReqOrderAction", code)
}

func (s *TradeSession) Release() {
	s.api.Release()
	s.release()
}

// Callbacks

func (s *TradeSession) OnFrontConnected() {
	s.logger.Info("Trading front connected")
	s.onConnected()
	s.events.Fire(events.TdConnected, nil)
	s.authenticate()
}

func (s *TradeSession) OnFrontDisconnected(reason int) {
	s.logger.Warn("Trading front disconnected", "reason", reason)
	s.onDisconnected()
	s.events.Fire(events.TdDisconnected, reason)
}

func (s *TradeSession) OnRspAuthenticate(data *ctp.RspAuthenticate, info *ctp.RspInfo, requestID int, isLast bool) {
	s.mu.Lock()
	if !s.completeLocked(requestID, Authenticating) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale authenticate response", "requestID", requestID)
		return
	}
	if !info.OK() {
		s.status.LastError = copyInfo(info)
		s.setStateLocked(AuthFailed)
		s.mu.Unlock()
		s.logger.Error("Authentication failed", "errorID", info.ErrorID, "msg", info.ErrorMsg)
		s.events.Fire(events.TdAuthFailed, failure(info, data))
		return
	}
	s.status.Authenticated = true
	s.setStateLocked(Authenticated)
	s.mu.Unlock()

	s.logger.Info("Authentication succeeded")
	s.events.Fire(events.TdAuthSuccess, data)
	s.login()
}

func (s *TradeSession) OnRspUserLogin(data *ctp.RspUserLogin, info *ctp.RspInfo, requestID int, isLast bool) {
	s.mu.Lock()
	if !s.completeLocked(requestID, LoggingIn) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale login response", "requestID", requestID)
		return
	}
	if !info.OK() {
		s.status.LastError = copyInfo(info)
		s.setStateLocked(Connected)
		s.status.Authenticated = false
		s.mu.Unlock()
		s.logger.Error("Trading login failed", "errorID", info.ErrorID, "msg", info.ErrorMsg)
		s.events.Fire(events.TdLoginFailed, failure(info, data))
		return
	}
	s.status.LoggedIn = true
	if data != nil {
		s.status.TradingDay = data.TradingDay
		s.status.FrontID = data.FrontID
		s.status.SessionID = data.SessionID
		s.status.MaxOrderRef = data.MaxOrderRef
	}
	s.setStateLocked(LoggedIn)
	s.mu.Unlock()

	if data != nil {
		s.corr.SeedOrderRef(data.MaxOrderRef)
		s.logger.Info("Trading login succeeded", "tradingDay", data.TradingDay, "frontID", data.FrontID, "sessionID", data.SessionID)
	}
	s.events.Fire(events.TdLoginSuccess, data)
}

func (s *TradeSession) OnRspSettlementInfoConfirm(data *ctp.SettlementInfoConfirm, info *ctp.RspInfo, requestID int, isLast bool) {
	s.mu.Lock()
	if !s.completeLocked(requestID, SettlementPending) {
		s.mu.Unlock()
		s.logger.Debug("Ignoring stale settlement response", "requestID", requestID)
		return
	}
	if !info.OK() {
		s.status.LastError = copyInfo(info)
		s.status.SettlementRejected = true
		s.setStateLocked(LoggedIn)
		s.mu.Unlock()
		s.logger.Error("Settlement confirmation failed", "errorID", info.ErrorID, "msg", info.ErrorMsg)
		s.events.Fire(events.SettlementConfirmFailed, failure(info, data))
		return
	}
	s.status.SettlementConfirmed = true
	s.setStateLocked(Ready)
	s.mu.Unlock()

	s.logger.Info("Settlement confirmed, trading ready")
	s.events.Fire(events.SettlementConfirmed, data)
}

func (s *TradeSession) OnRspQryTradingAccount(data *ctp.TradingAccount, info *ctp.RspInfo, requestID int, isLast bool) {
	if !info.OK() {
		s.events.Fire(events.TdError, failure(info, nil))
		return
	}
	if data == nil {
		return
	}
	acct := *data
	s.cache.SetAccount(acct)
	s.events.Fire(events.AccountData, &acct)
}

func (s *TradeSession) OnRspQryInvestorPosition(data *ctp.InvestorPosition, info *ctp.RspInfo, requestID int, isLast bool) {
	if !info.OK() {
		s.events.Fire(events.TdError, failure(info, nil))
		return
	}
	if data == nil {
		return
	}
	pos := *data
	s.cache.SetPosition(pos)
	s.events.Fire(events.PositionData, &pos)
}

func (s *TradeSession) OnRspQryInstrument(data *ctp.Instrument, info *ctp.RspInfo, requestID int, isLast bool) {
	if !info.OK() {
		s.events.Fire(events.TdError, failure(info, nil))
		return
	}
	if data == nil {
		return
	}
	inst := *data
	s.cache.SetInstrument(inst)
	s.events.Fire(events.InstrumentData, &inst)
}

// OnRspOrderInsert is only called when the front rejects an insert.
func (s *TradeSession) OnRspOrderInsert(data *ctp.InputOrder, info *ctp.RspInfo, requestID int, isLast bool) {
	s.orderInsertFailed(data, info)
}

func (s *TradeSession) OnErrRtnOrderInsert(data *ctp.InputOrder, info *ctp.RspInfo) {
	s.orderInsertFailed(data, info)
}

func (s *TradeSession) orderInsertFailed(data *ctp.InputOrder, info *ctp.RspInfo) {
	if info.OK() {
		return
	}
	if data != nil {
		st := s.Status()
		s.cache.MarkOrder(cache.OrderKey(st.FrontID, st.SessionID, data.OrderRef), ctp.SubmitInsertRejected, info.ErrorMsg)
	}
	s.logger.Warn("Order insert rejected", "errorID", info.ErrorID, "msg", info.ErrorMsg)
	s.events.Fire(events.OrderInsertFailed, failure(info, data))
}

func (s *TradeSession) OnRspOrderAction(data *ctp.InputOrderAction, info *ctp.RspInfo, requestID int, isLast bool) {
	s.orderActionFailed(data, info)
}

func (s *TradeSession) OnErrRtnOrderAction(data *ctp.InputOrderAction, info *ctp.RspInfo) {
	s.orderActionFailed(data, info)
}

func (s *TradeSession) orderActionFailed(data *ctp.InputOrderAction, info *ctp.RspInfo) {
	if info.OK() {
		return
	}
	if data != nil {
		s.cache.MarkOrder(cache.OrderKey(data.FrontID, data.SessionID, data.OrderRef), ctp.SubmitCancelRejected, info.ErrorMsg)
	}
	s.logger.Warn("Order action rejected", "errorID", info.ErrorID, "msg", info.ErrorMsg)
	s.events.Fire(events.OrderActionFailed, failure(info, data))
}

func (s *TradeSession) OnRtnOrder(data *ctp.Order) {
	if data == nil {
		return
	}
	o := *data
	s.cache.UpdateOrder(o)
	s.events.Fire(events.OrderUpdate, &o)
}

func (s *TradeSession) OnRtnTrade(data *ctp.Trade) {
	if data == nil {
		return
	}
	t := *data
	if !s.cache.AddTrade(t) {
		s.logger.Debug("Dropping duplicate trade", "tradeID", t.TradeID)
		return
	}
	s.events.Fire(events.TradeUpdate, &t)
}

func (s *TradeSession) OnRspError(info *ctp.RspInfo, requestID int, isLast bool) {
	if info.OK() {
		return
	}
	s.logger.Error("Trading error response", "requestID", requestID, "errorID", info.ErrorID, "msg", info.ErrorMsg)
	s.events.Fire(events.TdError, failure(info, nil))
}
