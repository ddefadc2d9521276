package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/ctp/sim"
	"github.com/luxfi/ctpgw/pkg/events"
	"github.com/luxfi/ctpgw/pkg/order"
	"github.com/luxfi/ctpgw/pkg/session"
)

func testConfig() Config {
	return Config{
		BrokerID:          "9999",
		UserID:            "000001",
		Password:          "secret",
		AppID:             "simnow_client_test",
		AuthCode:          "0000000000000000",
		MdAddress:         "tcp://180.168.146.187:10131",
		TdAddress:         "tcp://180.168.146.187:10130",
		ConnectTimeout:    2 * time.Second,
		LoginTimeout:      2 * time.Second,
		SettlementTimeout: 2 * time.Second,
		PollInterval:      10 * time.Millisecond,
	}
}

type fixture struct {
	gw *Gateway
	md *sim.MarketFront
	td *sim.TradeFront
}

func newFixture(t *testing.T, mdOpts, tdOpts sim.Options, opts ...Option) *fixture {
	t.Helper()
	level, _ := log.ToLevel("debug")
	f := &fixture{
		md: sim.NewMarketFront(mdOpts),
		td: sim.NewTradeFront(tdOpts),
	}
	f.gw = New(testConfig(), f.md, f.td, log.NewTestLogger(level), opts...)
	t.Cleanup(f.gw.Close)
	return f
}

// ready drives the fixture through the whole handshake.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 30*time.Second))
	require.NoError(t, f.gw.ConfirmSettlement(ctx))
	f.md.Sync()
	f.td.Sync()
}

func TestConnectAndLogin(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	ctx := context.Background()

	require.NoError(t, f.gw.Connect(ctx))
	st := f.gw.Status()
	assert.True(t, st.Market.Connected)
	assert.True(t, st.Trade.Connected)

	require.NoError(t, f.gw.WaitForLogin(ctx, 30*time.Second))
	st = f.gw.Status()
	assert.True(t, st.Market.LoggedIn)
	assert.True(t, st.Trade.LoggedIn)
	assert.False(t, f.gw.Ready())

	assert.Equal(t, "tcp://180.168.146.187:10131", f.md.Address())
	assert.Equal(t, "tcp://180.168.146.187:10130", f.td.Address())
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, sim.Options{ManualConnect: true}, sim.Options{})
	f.gw.cfg.ConnectTimeout = 50 * time.Millisecond

	err := f.gw.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	// the attempt is still in flight and completes later
	f.md.Connect()
	require.NoError(t, f.gw.Connect(context.Background()))
}

func TestConnectHonoursContext(t *testing.T) {
	f := newFixture(t, sim.Options{ManualConnect: true}, sim.Options{ManualConnect: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.gw.Connect(ctx), context.Canceled)
}

func TestWaitForLoginTimeout(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqUserLogin": {ErrorID: 3, ErrorMsg: "invalid password"}},
	})
	require.NoError(t, f.gw.Connect(context.Background()))

	err := f.gw.WaitForLogin(context.Background(), 80*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, f.gw.Status().Market.LoggedIn)
	assert.False(t, f.gw.Status().Trade.LoggedIn)
}

func TestConfirmSettlement(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.gw.ConfirmSettlement(ctx), session.ErrNotLoggedIn)

	f.ready(t)
	assert.True(t, f.gw.Ready())
	assert.Equal(t, session.Ready, f.gw.Status().Trade.State)

	require.NoError(t, f.gw.ConfirmSettlement(ctx))
	assert.Equal(t, 1, f.td.Count("ReqSettlementInfoConfirm"))
}

func TestConfirmSettlementRejected(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqSettlementInfoConfirm": {ErrorID: 42, ErrorMsg: "settlement not ready"}},
	})
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))

	start := time.Now()
	err := f.gw.ConfirmSettlement(ctx)
	assert.ErrorIs(t, err, ErrSettlementRejected)
	assert.Contains(t, err.Error(), "settlement not ready")
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, f.gw.Ready())
	assert.Equal(t, 1, f.td.Count("ReqSettlementInfoConfirm"))
}

func TestConfirmSettlementSubmitRejected(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{SubmitCodes: map[string]int{"ReqSettlementInfoConfirm": -2}})
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))

	err := f.gw.ConfirmSettlement(ctx)
	assert.ErrorIs(t, err, ErrSettlementRejected)
	var se *ctp.SubmitError
	assert.ErrorAs(t, err, &se)
}

func TestConfirmSettlementTimeout(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{Silent: []string{"ReqSettlementInfoConfirm"}})
	f.gw.cfg.SettlementTimeout = 60 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))

	assert.ErrorIs(t, f.gw.ConfirmSettlement(ctx), ErrTimeout)
	assert.Equal(t, session.SettlementPending, f.gw.Status().Trade.State)
}

func TestSendOrderFirstReference(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)

	ref, err := f.gw.SendOrder("rb2505", "SHFE", "BUY", "OPEN", 3000.0, 1)
	require.NoError(t, err)
	assert.Equal(t, "1", ref)

	require.Equal(t, 1, f.td.Count("ReqOrderInsert"))
	req, _ := f.td.Last("ReqOrderInsert")
	in := req.Payload.(ctp.InputOrder)
	assert.Equal(t, "1", in.OrderRef)
	assert.Equal(t, "rb2505", in.InstrumentID)
	assert.Equal(t, ctp.DirectionBuy, in.Direction)
	assert.Equal(t, ctp.OffsetOpen, in.CombOffsetFlag)
	assert.Equal(t, 3000.0, in.LimitPrice)

	orders := f.gw.GetOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].OrderRef)
}

func TestSendOrderBeforeReady(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))

	_, err := f.gw.SendOrder("rb2505", "SHFE", "BUY", "OPEN", 3000.0, 1)
	assert.ErrorIs(t, err, order.ErrNotReady)
	assert.Equal(t, 0, f.td.Count("ReqOrderInsert"))
}

func TestSendOrderRejectsUnknownDirection(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)

	_, err := f.gw.SendOrder("rb2505", "SHFE", "LONG", "OPEN", 3000.0, 1)
	assert.ErrorIs(t, err, order.ErrInvalidOrder)
	_, err = f.gw.SendOrder("rb2505", "SHFE", "BUY", "FLAT", 3000.0, 1)
	assert.ErrorIs(t, err, order.ErrInvalidOrder)
	assert.Equal(t, 0, f.td.Count("ReqOrderInsert"))
}

func TestMarketDataReplaced(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)
	require.NoError(t, f.gw.SubscribeMarketData("rb2505"))

	f.md.PushTick(ctp.DepthMarketData{InstrumentID: "rb2505", LastPrice: 3005, BidPrice1: 3004, Volume: 10})
	f.md.Sync()
	tick, ok := f.gw.GetMarketData("rb2505")
	require.True(t, ok)
	assert.Equal(t, 3005.0, tick.LastPrice)

	f.md.PushTick(ctp.DepthMarketData{InstrumentID: "rb2505", LastPrice: 3010})
	f.md.Sync()
	tick, ok = f.gw.GetMarketData("rb2505")
	require.True(t, ok)
	assert.Equal(t, 3010.0, tick.LastPrice)
	assert.Zero(t, tick.BidPrice1)
	assert.Zero(t, tick.Volume)
	assert.Len(t, f.gw.GetAllMarketData(), 1)
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)

	err := f.gw.CancelOrder("rb2505", "SHFE", "never-seen")
	assert.ErrorIs(t, err, order.ErrUnknownOrder)
	assert.Equal(t, 0, f.td.Count("ReqOrderAction"))
}

func TestOrderRoundTrip(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{AutoAccept: true})
	f.ready(t)

	var updates atomic.Int32
	f.gw.RegisterCallback(events.OrderUpdate, func(events.Event) error {
		updates.Add(1)
		return nil
	})

	ref, err := f.gw.SendOrder("rb2505", "SHFE", "SELL", "CLOSETODAY", 3020, 2)
	require.NoError(t, err)
	f.td.Sync()

	var sysID string
	for id, o := range f.td.Book() {
		if o.OrderRef == ref {
			sysID = id
		}
	}
	require.NotEmpty(t, sysID)

	o, ok := f.gw.GetOrder(sysID)
	require.True(t, ok)
	assert.Equal(t, ctp.StatusNoTradeQueueing, o.OrderStatus)

	require.True(t, f.td.Fill(sysID, 1, 3020))
	f.td.Sync()
	trades := f.gw.GetTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, sysID, trades[0].OrderSysID)

	require.NoError(t, f.gw.CancelOrder("", "", sysID))
	f.td.Sync()

	req, _ := f.td.Last("ReqOrderAction")
	action := req.Payload.(ctp.InputOrderAction)
	st := f.gw.Status().Trade
	assert.Equal(t, st.FrontID, action.FrontID)
	assert.Equal(t, st.SessionID, action.SessionID)
	assert.Equal(t, ref, action.OrderRef)

	o, _ = f.gw.GetOrder(sysID)
	assert.Equal(t, ctp.StatusCanceled, o.OrderStatus)
	assert.Equal(t, int32(3), updates.Load())
	assert.Len(t, f.gw.GetOrders(), 1)
}

func TestFailingListenerIsolated(t *testing.T) {
	obs := newRecordingObserver()
	f := newFixture(t, sim.Options{}, sim.Options{}, WithMetrics(obs))
	f.ready(t)
	require.NoError(t, f.gw.SubscribeMarketData("rb2505"))

	f.gw.RegisterCallback(events.MarketData, func(events.Event) error {
		panic("listener bug")
	})
	var got []float64
	var mu sync.Mutex
	f.gw.RegisterCallback(events.MarketData, func(ev events.Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(*ctp.DepthMarketData).LastPrice)
		mu.Unlock()
		return nil
	})

	f.md.PushTick(ctp.DepthMarketData{InstrumentID: "rb2505", LastPrice: 3005})
	f.md.PushTick(ctp.DepthMarketData{InstrumentID: "rb2505", LastPrice: 3010})
	f.md.Sync()

	mu.Lock()
	assert.Equal(t, []float64{3005, 3010}, got)
	mu.Unlock()
	assert.Equal(t, 2, obs.faults(events.MarketData))
	assert.Greater(t, obs.requests("ReqOrderInsert")+obs.requests("ReqAuthenticate"), 0)
}

func TestQueriesLandInCache(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{
		Account:     &ctp.TradingAccount{AccountID: "000001", Balance: 500000},
		Positions:   []ctp.InvestorPosition{{InstrumentID: "rb2505", Position: 4}},
		Instruments: []ctp.Instrument{{InstrumentID: "rb2505", ExchangeID: "SHFE", PriceTick: 1}, {InstrumentID: "ag2506", ExchangeID: "SHFE"}},
	})
	ctx := context.Background()
	assert.ErrorIs(t, f.gw.QueryAccount(), session.ErrNotLoggedIn)

	require.NoError(t, f.gw.Connect(ctx))
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))
	require.NoError(t, f.gw.QueryAccount())
	require.NoError(t, f.gw.QueryPositions())
	require.NoError(t, f.gw.QueryInstruments("rb2505"))
	f.td.Sync()

	acct, ok := f.gw.GetAccountInfo()
	require.True(t, ok)
	assert.Equal(t, 500000.0, acct.Balance)
	assert.Equal(t, 4, f.gw.GetPositions()["rb2505"].Position)
	inst, ok := f.gw.GetInstrument("rb2505")
	require.True(t, ok)
	assert.Equal(t, "SHFE", inst.ExchangeID)
	assert.Len(t, f.gw.GetInstruments(), 1)
}

func TestDisconnectRequiresFullHandshake(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)

	var disconnects atomic.Int32
	f.gw.RegisterCallback(events.TdDisconnected, func(events.Event) error {
		disconnects.Add(1)
		return nil
	})

	f.td.Disconnect(4097)
	f.td.Sync()
	assert.False(t, f.gw.Ready())
	assert.False(t, f.gw.Status().Trade.Connected)
	assert.Equal(t, int32(1), disconnects.Load())

	_, err := f.gw.SendOrder("rb2505", "SHFE", "BUY", "OPEN", 3000, 1)
	assert.ErrorIs(t, err, order.ErrNotReady)

	f.td.Connect()
	ctx := context.Background()
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))
	require.NoError(t, f.gw.ConfirmSettlement(ctx))
	assert.True(t, f.gw.Ready())
	assert.Equal(t, 2, f.td.Count("ReqSettlementInfoConfirm"))
}

func TestRetryAfterAuthFailure(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{
		Failures: map[string]*ctp.RspInfo{"ReqAuthenticate": {ErrorID: 63, ErrorMsg: "bad auth code"}},
	})
	ctx := context.Background()
	require.NoError(t, f.gw.Connect(ctx))
	require.Eventually(t, func() bool { return f.gw.Status().Trade.State == session.AuthFailed }, time.Second, 5*time.Millisecond)

	f.td.Fail("ReqAuthenticate", nil)
	assert.True(t, f.gw.Retry())
	require.NoError(t, f.gw.WaitForLogin(ctx, 0))
}

func TestCloseReleasesBothFronts(t *testing.T) {
	f := newFixture(t, sim.Options{}, sim.Options{})
	f.ready(t)
	var closed int
	f.gw.RegisterCallback(events.GatewayClosed, func(events.Event) error {
		closed++
		return nil
	})
	f.gw.Close()
	f.gw.Close()
	assert.Equal(t, 1, closed)

	st := f.gw.Status()
	assert.Equal(t, session.Disconnected, st.Market.State)
	assert.Equal(t, session.Disconnected, st.Trade.State)
}

type recordingObserver struct {
	mu     sync.Mutex
	sent   map[string]int
	fault  map[events.Kind]int
	fired  map[events.Kind]int
	states []session.State
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		sent:  map[string]int{},
		fault: map[events.Kind]int{},
		fired: map[events.Kind]int{},
	}
}

func (r *recordingObserver) RequestSent(_ ctp.Channel, method string, _ int) {
	r.mu.Lock()
	r.sent[method]++
	r.mu.Unlock()
}

func (r *recordingObserver) StateChanged(_ ctp.Channel, s session.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recordingObserver) EventFired(k events.Kind) {
	r.mu.Lock()
	r.fired[k]++
	r.mu.Unlock()
}

func (r *recordingObserver) ListenerFault(k events.Kind, err error) {
	r.mu.Lock()
	r.fault[k]++
	r.mu.Unlock()
}

func (r *recordingObserver) faults(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault[k]
}

func (r *recordingObserver) requests(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[method]
}
