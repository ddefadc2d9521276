package natsfront

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/ctp/sim"
	"github.com/luxfi/ctpgw/pkg/gateway"
)

// loopback routes requests straight into a sidecar and callbacks back to
// whichever front subscribed to the wildcard subject.
type loopback struct {
	mu       sync.Mutex
	side     *Sidecar
	handlers map[string]nats.MsgHandler
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[string]nats.MsgHandler)}
}

func (l *loopback) Request(subj string, data []byte, _ time.Duration) (*nats.Msg, error) {
	return &nats.Msg{Subject: subj, Data: l.side.Serve(subj, data)}, nil
}

func (l *loopback) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[subj] = cb
	return nil, nil
}

func (l *loopback) Publish(subj string, data []byte) error {
	l.mu.Lock()
	cb := l.handlers[subj[:strings.LastIndexByte(subj, '.')]+".*"]
	l.mu.Unlock()
	if cb != nil {
		cb(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func TestSidecarRejectsBadRequests(t *testing.T) {
	bus := newLoopback()
	md, td := sim.NewMarketFront(sim.Options{}), sim.NewTradeFront(sim.Options{})
	defer md.Close()
	defer td.Close()
	side := NewSidecar(bus, "", md, td, testLogger())

	assert.JSONEq(t, `{"code":-1}`, string(side.Serve("ctp.td.req.ReqFly", []byte(`{"request_id":1}`))))
	assert.JSONEq(t, `{"code":-1}`, string(side.Serve("ctp.xx.req.Init", []byte(`{}`))))
	assert.JSONEq(t, `{"code":-1}`, string(side.Serve("ctp.td.req.ReqOrderInsert", []byte(`{`))))
	assert.JSONEq(t, `{"code":-1}`, string(side.Serve("other.td.req.Init", []byte(`{}`))))
	assert.Zero(t, td.Count("ReqOrderInsert"))
}

func TestGatewayOverSidecar(t *testing.T) {
	bus := newLoopback()
	mdSim := sim.NewMarketFront(sim.Options{})
	tdSim := sim.NewTradeFront(sim.Options{
		AutoAccept: true,
		Account:    &ctp.TradingAccount{AccountID: "000001", Balance: 500000},
	})
	defer mdSim.Close()
	defer tdSim.Close()

	bus.side = NewSidecar(bus, "", mdSim, tdSim, testLogger())
	require.NoError(t, bus.side.Start())
	defer bus.side.Stop()

	var received atomic.Int64
	hook := WithMessageHook(func(d string) {
		if d == "received" {
			received.Add(1)
		}
	})
	md := NewMdFront(bus, testLogger(), hook)
	td := NewTdFront(bus, testLogger())

	gw := gateway.New(gateway.Config{
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
	}, md, td, testLogger())
	defer gw.Close()

	ctx := context.Background()
	require.NoError(t, gw.Connect(ctx))
	require.NoError(t, gw.WaitForLogin(ctx, 2*time.Second))
	require.NoError(t, gw.ConfirmSettlement(ctx))
	assert.True(t, gw.Ready())
	assert.Equal(t, "tcp://180.168.146.187:10130", tdSim.Address())

	require.NoError(t, gw.SubscribeMarketData("rb2501"))
	mdSim.Sync()
	mdSim.PushTick(ctp.DepthMarketData{InstrumentID: "rb2501", LastPrice: 3512, Volume: 10})
	mdSim.Sync()
	tick, ok := gw.GetMarketData("rb2501")
	require.True(t, ok)
	assert.Equal(t, 3512.0, tick.LastPrice)

	ref, err := gw.SendOrder("rb2501", "SHFE", "BUY", "OPEN", 3510, 2)
	require.NoError(t, err)
	tdSim.Sync()

	orders := gw.GetOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, ref, orders[0].OrderRef)
	assert.Equal(t, ctp.DirectionBuy, orders[0].Direction)
	assert.Equal(t, 2, orders[0].VolumeTotalOriginal)

	require.True(t, tdSim.Fill(orders[0].OrderSysID, 2, 3510))
	tdSim.Sync()
	require.Len(t, gw.GetTrades(), 1)
	assert.Equal(t, 3510.0, gw.GetTrades()[0].Price)

	assert.Positive(t, received.Load())
}
