package session

import (
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/ctp/sim"
	"github.com/luxfi/ctpgw/pkg/events"
)

var testCreds = Credentials{
	BrokerID:    "9999",
	UserID:      "000001",
	Password:    "secret",
	AppID:       "simnow_client_test",
	AuthCode:    "0000000000000000",
	ProductInfo: "ctpgw",
}

type eventLog struct {
	mu    sync.Mutex
	kinds []events.Kind
	last  map[events.Kind]interface{}
}

func (l *eventLog) listen(ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, ev.Kind)
	l.last[ev.Kind] = ev.Payload
	return nil
}

func (l *eventLog) Kinds() []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Kind(nil), l.kinds...)
}

func (l *eventLog) Last(k events.Kind) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last[k]
}

type transitions struct {
	mu     sync.Mutex
	states map[ctp.Channel][]State
	sent   map[string]int
}

func (r *transitions) RequestSent(ch ctp.Channel, method string, code int) {
	r.mu.Lock()
	r.sent[method]++
	r.mu.Unlock()
}

func (r *transitions) StateChanged(ch ctp.Channel, s State) {
	r.mu.Lock()
	r.states[ch] = append(r.states[ch], s)
	r.mu.Unlock()
}

func (r *transitions) Of(ch ctp.Channel) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states[ch]...)
}

type harness struct {
	deps  Deps
	log   *eventLog
	trans *transitions
}

var allKinds = []events.Kind{
	events.MdConnected, events.MdDisconnected, events.MdLoginSuccess, events.MdLoginFailed, events.MdError,
	events.SubscribeSuccess, events.SubscribeFailed, events.UnsubscribeSuccess, events.UnsubscribeFailed, events.MarketData,
	events.TdConnected, events.TdDisconnected, events.TdAuthSuccess, events.TdAuthFailed, events.TdLoginSuccess,
	events.TdLoginFailed, events.TdError, events.SettlementConfirmed, events.SettlementConfirmFailed,
	events.AccountData, events.PositionData, events.InstrumentData, events.OrderUpdate, events.TradeUpdate,
	events.OrderInsertFailed, events.OrderActionFailed,
}

func newHarness() *harness {
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	h := &harness{
		log:   &eventLog{last: map[events.Kind]interface{}{}},
		trans: &transitions{states: map[ctp.Channel][]State{}, sent: map[string]int{}},
	}
	d := events.NewDispatcher(logger)
	d.RegisterAll(h.log.listen, allKinds...)
	h.deps = Deps{
		Correlator: correlator.New(),
		Cache:      cache.New(),
		Events:     d,
		Logger:     logger,
		Recorder:   h.trans,
		Clock:      func() time.Time { return time.Date(2024, 10, 21, 8, 45, 3, 0, time.Local) },
	}
	return h
}

// waitState waits for the session to reach want, then drains the front so
// the callback that caused the transition has finished.
func waitState(t *testing.T, st interface{ State() State }, front interface{ Sync() }, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return st.State() == want }, 2*time.Second, 5*time.Millisecond,
		"want state %s, have %s", want, st.State())
	front.Sync()
}

func TestMarketHandshake(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{FrontID: 3, SessionID: 77})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md:41213", testCreds, h.deps)
	require.NoError(t, md.Connect())
	waitState(t, md, front, LoggedIn)

	st := md.Status()
	assert.True(t, st.Connected)
	assert.True(t, st.LoggedIn)
	assert.False(t, st.Authenticated)
	assert.Equal(t, "20241021", st.TradingDay)
	assert.Equal(t, "LoggedIn", st.StateName)
	assert.Equal(t, "tcp://md:41213", front.Address())

	assert.Equal(t, []events.Kind{events.MdConnected, events.MdLoginSuccess}, h.log.Kinds())
	assert.Equal(t, []State{Connecting, Connected, LoggingIn, LoggedIn}, h.trans.Of(ctp.ChannelMarket))

	req, ok := front.Last("ReqUserLogin")
	require.True(t, ok)
	assert.Equal(t, 1, req.RequestID)
	assert.Equal(t, "secret", req.Payload.(ctp.ReqUserLogin).Password)

	assert.ErrorIs(t, md.Connect(), ErrAlreadyStarted)
}

func TestMarketLoginFailureDoesNotRetry(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqUserLogin": {ErrorID: 3, ErrorMsg: "invalid login"}},
	})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	require.Eventually(t, func() bool { return h.log.Last(events.MdLoginFailed) != nil }, time.Second, 5*time.Millisecond)
	front.Sync()

	assert.Equal(t, Connected, md.State())
	assert.False(t, md.Status().LoggedIn)
	assert.Equal(t, 3, md.Status().LastError.ErrorID)
	assert.Equal(t, 1, front.Count("ReqUserLogin"))

	f := h.log.Last(events.MdLoginFailed).(events.Failure)
	assert.Equal(t, "invalid login", f.ErrorMsg)

	front.Fail("ReqUserLogin", nil)
	require.NoError(t, md.Retry())
	waitState(t, md, front, LoggedIn)
	assert.Equal(t, 2, front.Count("ReqUserLogin"))
}

func TestMarketLoginSubmitRejection(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{SubmitCodes: map[string]int{"ReqUserLogin": -2}})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	require.Eventually(t, func() bool { return h.log.Last(events.MdLoginFailed) != nil }, time.Second, 5*time.Millisecond)

	assert.Equal(t, Connected, md.State())
	assert.Equal(t, -2, h.log.Last(events.MdLoginFailed).(events.Failure).ErrorID)
}

func TestSubscribeRequiresLogin(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{ManualConnect: true})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	assert.ErrorIs(t, md.Subscribe("rb2501"), ErrNotLoggedIn)
	assert.ErrorIs(t, md.Unsubscribe("rb2501"), ErrNotLoggedIn)
	assert.Equal(t, 0, front.Count("SubscribeMarketData"))
	assert.Equal(t, 0, front.Count("UnSubscribeMarketData"))
}

func TestSubscribeAndTicks(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	waitState(t, md, front, LoggedIn)

	require.NoError(t, md.Subscribe("rb2501", "IF2412"))
	assert.Equal(t, 2, front.Count("SubscribeMarketData"))
	assert.Equal(t, []string{"IF2412", "rb2501"}, md.Subscriptions())

	front.PushTick(ctp.DepthMarketData{InstrumentID: "rb2501", LastPrice: 3500})
	front.PushTick(ctp.DepthMarketData{InstrumentID: "rb2501", LastPrice: 3502})
	front.Sync()

	tick, ok := h.deps.Cache.Tick("rb2501")
	require.True(t, ok)
	assert.Equal(t, 3502.0, tick.LastPrice)
	assert.Equal(t, 3502.0, h.log.Last(events.MarketData).(*ctp.DepthMarketData).LastPrice)
	assert.NotNil(t, h.log.Last(events.SubscribeSuccess))

	require.NoError(t, md.Unsubscribe("IF2412"))
	front.Sync()
	assert.Equal(t, []string{"rb2501"}, md.Subscriptions())
	assert.Equal(t, "IF2412", h.log.Last(events.UnsubscribeSuccess).(*ctp.SpecificInstrument).InstrumentID)
}

func TestSubscribeSubmitRejection(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	waitState(t, md, front, LoggedIn)

	front.SetSubmitCode("SubscribeMarketData", -1)
	err := md.Subscribe("rb2501")
	var se *ctp.SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, -1, se.Code)
	assert.NotNil(t, h.log.Last(events.SubscribeFailed))
}

func TestMarketDisconnectResetsAndResubscribes(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	waitState(t, md, front, LoggedIn)
	require.NoError(t, md.Subscribe("rb2501"))

	front.Disconnect(4097)
	waitState(t, md, front, Disconnected)
	st := md.Status()
	assert.False(t, st.Connected)
	assert.False(t, st.LoggedIn)
	assert.Equal(t, 4097, h.log.Last(events.MdDisconnected))

	front.Connect()
	waitState(t, md, front, LoggedIn)
	front.Sync()
	assert.Equal(t, 2, front.Count("ReqUserLogin"))
	assert.Equal(t, 2, front.Count("SubscribeMarketData"))
}

func TestMarketErrorEvent(t *testing.T) {
	h := newHarness()
	front := sim.NewMarketFront(sim.Options{})
	defer front.Close()

	md := NewMarketSession(front, "tcp://md", testCreds, h.deps)
	require.NoError(t, md.Connect())
	waitState(t, md, front, LoggedIn)

	front.PushError(ctp.RspInfo{ErrorID: 90, ErrorMsg: "query too frequent"})
	front.Sync()
	assert.Equal(t, 90, h.log.Last(events.MdError).(events.Failure).ErrorID)
}

func newTrade(t *testing.T, h *harness, opts sim.Options) (*TradeSession, *sim.TradeFront) {
	t.Helper()
	front := sim.NewTradeFront(opts)
	t.Cleanup(front.Close)
	return NewTradeSession(front, "tcp://td:41205", testCreds, h.deps), front
}

func TestTradeHandshakeAndSettlement(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{FrontID: 2, SessionID: 55, MaxOrderRef: "41"})

	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	st := td.Status()
	assert.True(t, st.Authenticated)
	assert.False(t, st.SettlementConfirmed)
	assert.Equal(t, 2, st.FrontID)
	assert.Equal(t, 55, st.SessionID)

	auth, ok := front.Last("ReqAuthenticate")
	require.True(t, ok)
	assert.Equal(t, "0000000000000000", auth.Payload.(ctp.ReqAuthenticate).AuthCode)
	assert.Equal(t, "simnow_client_test", auth.Payload.(ctp.ReqAuthenticate).AppID)

	require.NoError(t, td.ConfirmSettlement())
	waitState(t, td, front, Ready)
	assert.True(t, td.Status().SettlementConfirmed)

	req, ok := front.Last("ReqSettlementInfoConfirm")
	require.True(t, ok)
	confirm := req.Payload.(ctp.SettlementInfoConfirm)
	assert.Equal(t, "20241021", confirm.ConfirmDate)
	assert.Equal(t, "08:45:03", confirm.ConfirmTime)
	assert.Equal(t, "000001", confirm.InvestorID)

	assert.Equal(t, []events.Kind{
		events.TdConnected, events.TdAuthSuccess, events.TdLoginSuccess, events.SettlementConfirmed,
	}, h.log.Kinds())
	assert.Equal(t, []State{Connecting, Connected, Authenticating, Authenticated, LoggingIn, LoggedIn, SettlementPending, Ready},
		h.trans.Of(ctp.ChannelTrade))

	assert.Equal(t, "42", h.deps.Correlator.NextOrderRef())

	require.NoError(t, td.ConfirmSettlement())
	assert.Equal(t, 1, front.Count("ReqSettlementInfoConfirm"))
}

func TestTradeAuthFailureStopsChain(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqAuthenticate": {ErrorID: 63, ErrorMsg: "auth code mismatch"}},
	})

	require.NoError(t, td.Connect())
	waitState(t, td, front, AuthFailed)
	front.Sync()

	assert.Equal(t, 0, front.Count("ReqUserLogin"))
	assert.False(t, td.Status().Authenticated)
	assert.Contains(t, h.log.Kinds(), events.TdAuthFailed)

	front.Fail("ReqAuthenticate", nil)
	require.NoError(t, td.Retry())
	waitState(t, td, front, LoggedIn)
}

func TestTradeLoginFailureReturnsToConnected(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqUserLogin": {ErrorID: 3, ErrorMsg: "wrong password"}},
	})

	require.NoError(t, td.Connect())
	require.Eventually(t, func() bool { return h.log.Last(events.TdLoginFailed) != nil }, time.Second, 5*time.Millisecond)
	front.Sync()

	assert.Equal(t, Connected, td.State())
	assert.Equal(t, 1, front.Count("ReqUserLogin"))
	assert.ErrorIs(t, td.ConfirmSettlement(), ErrNotLoggedIn)
	assert.ErrorIs(t, td.QueryAccount(), ErrNotLoggedIn)
}

func TestSettlementRejected(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqSettlementInfoConfirm": {ErrorID: 42, ErrorMsg: "settlement not ready"}},
	})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	require.NoError(t, td.ConfirmSettlement())
	require.Eventually(t, func() bool { return td.Status().SettlementRejected }, time.Second, 5*time.Millisecond)

	assert.Equal(t, LoggedIn, td.State())
	assert.False(t, td.Status().SettlementConfirmed)
	assert.Equal(t, 42, h.log.Last(events.SettlementConfirmFailed).(events.Failure).ErrorID)

	front.Fail("ReqSettlementInfoConfirm", nil)
	require.NoError(t, td.ConfirmSettlement())
	assert.False(t, td.Status().SettlementRejected)
	waitState(t, td, front, Ready)
}

func TestSettlementSubmitRejection(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{SubmitCodes: map[string]int{"ReqSettlementInfoConfirm": -3}})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	var se *ctp.SubmitError
	require.ErrorAs(t, td.ConfirmSettlement(), &se)
	assert.Equal(t, LoggedIn, td.State())
	assert.True(t, td.Status().SettlementRejected)
}

func TestStaleResponsesAreIgnored(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{Silent: []string{"ReqUserLogin"}})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggingIn)

	req, ok := front.Last("ReqUserLogin")
	require.True(t, ok)

	td.OnRspUserLogin(&ctp.RspUserLogin{FrontID: 9}, nil, req.RequestID+100, true)
	assert.Equal(t, LoggingIn, td.State())

	td.OnRspSettlementInfoConfirm(nil, nil, req.RequestID, true)
	assert.Equal(t, LoggingIn, td.State())

	td.OnRspUserLogin(&ctp.RspUserLogin{FrontID: 9}, nil, req.RequestID, true)
	assert.Equal(t, LoggedIn, td.State())
	assert.Equal(t, 9, td.Status().FrontID)
}

func TestTradeDisconnectClearsEverything(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)
	require.NoError(t, td.ConfirmSettlement())
	waitState(t, td, front, Ready)

	front.Disconnect(0x1001)
	waitState(t, td, front, Disconnected)
	st := td.Status()
	assert.False(t, st.Connected)
	assert.False(t, st.Authenticated)
	assert.False(t, st.LoggedIn)
	assert.False(t, st.SettlementConfirmed)

	front.Connect()
	waitState(t, td, front, LoggedIn)
	assert.Equal(t, 2, front.Count("ReqAuthenticate"))
	assert.False(t, td.Status().SettlementConfirmed)
}

func TestReconnectWithoutDisconnectRestartsHandshake(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)
	require.NoError(t, td.ConfirmSettlement())
	waitState(t, td, front, Ready)

	front.Silence("ReqAuthenticate", true)
	front.Connect()
	waitState(t, td, front, Authenticating)

	st := td.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Authenticated)
	assert.False(t, st.LoggedIn)
	assert.False(t, st.SettlementConfirmed)
	assert.ErrorIs(t, td.QueryAccount(), ErrNotLoggedIn)
	assert.Equal(t, 0, front.Count("ReqQryTradingAccount"))
}

func TestQueriesFillCache(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Account: &ctp.TradingAccount{AccountID: "000001", Balance: 1e6, Available: 8e5},
		Positions: []ctp.InvestorPosition{
			{InstrumentID: "rb2501", PosiDirection: ctp.PosiLong, Position: 3},
			{InstrumentID: "IF2412", PosiDirection: ctp.PosiShort, Position: 1},
		},
		Instruments: []ctp.Instrument{{InstrumentID: "rb2501", ExchangeID: "SHFE", PriceTick: 1}},
	})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	require.NoError(t, td.QueryAccount())
	require.NoError(t, td.QueryPositions())
	require.NoError(t, td.QueryInstruments(""))
	front.Sync()

	acct, ok := h.deps.Cache.Account()
	require.True(t, ok)
	assert.Equal(t, 8e5, acct.Available)
	assert.Len(t, h.deps.Cache.Positions(), 2)
	inst, ok := h.deps.Cache.Instrument("rb2501")
	require.True(t, ok)
	assert.Equal(t, "SHFE", inst.ExchangeID)

	kinds := h.log.Kinds()
	assert.Contains(t, kinds, events.AccountData)
	assert.Contains(t, kinds, events.PositionData)
	assert.Contains(t, kinds, events.InstrumentData)
}

func TestQueryFailureFiresError(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqQryTradingAccount": {ErrorID: 90, ErrorMsg: "flow control"}},
	})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	require.NoError(t, td.QueryAccount())
	front.Sync()
	assert.Equal(t, 90, h.log.Last(events.TdError).(events.Failure).ErrorID)
	_, ok := h.deps.Cache.Account()
	assert.False(t, ok)
}

func TestOrderAndTradePushes(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	front.PushOrder(ctp.Order{FrontID: 1, SessionID: 1001, OrderRef: "1", OrderSysID: "88", OrderStatus: ctp.StatusNoTradeQueueing})
	front.PushTrade(ctp.Trade{TradeID: "T9", OrderSysID: "88", Price: 3500, Volume: 1})
	front.PushTrade(ctp.Trade{TradeID: "T9", OrderSysID: "88", Price: 9999, Volume: 1})
	front.Sync()

	o, ok := h.deps.Cache.OrderBySysID("88")
	require.True(t, ok)
	assert.Equal(t, ctp.StatusNoTradeQueueing, o.OrderStatus)

	trades := h.deps.Cache.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, 3500.0, trades[0].Price)

	n := 0
	for _, k := range h.log.Kinds() {
		if k == events.TradeUpdate {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestOrderInsertErrorMarksRecord(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqOrderInsert": {ErrorID: 31, ErrorMsg: "insufficient funds"}},
	})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	st := td.Status()
	h.deps.Cache.InsertOrder(ctp.Order{FrontID: st.FrontID, SessionID: st.SessionID, OrderRef: "5"})
	require.NoError(t, td.SubmitOrder(&ctp.InputOrder{OrderRef: "5"}))
	front.Sync()

	o, ok := h.deps.Cache.Order(cache.OrderKey(st.FrontID, st.SessionID, "5"))
	require.True(t, ok)
	assert.Equal(t, ctp.SubmitInsertRejected, o.OrderSubmitStatus)
	assert.Equal(t, "insufficient funds", o.StatusMsg)
	assert.Equal(t, 31, h.log.Last(events.OrderInsertFailed).(events.Failure).ErrorID)
}

func TestReleaseResetsState(t *testing.T) {
	h := newHarness()
	td, front := newTrade(t, h, sim.Options{})
	require.NoError(t, td.Connect())
	waitState(t, td, front, LoggedIn)

	changed := td.Changed()
	td.Release()
	assert.Equal(t, Disconnected, td.State())
	select {
	case <-changed:
	default:
		t.Fatal("release did not signal a transition")
	}
}
