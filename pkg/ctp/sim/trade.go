package sim

import (
	"strconv"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

// TradeFront simulates the trading front with a tiny order book: inserts
// are acknowledged, cancels cancel, Fill produces trades.
type TradeFront struct {
	front

	opts Options
	spi  ctp.TdSpi

	nextSysID   int
	nextTradeID int
	book        map[string]ctp.Order
}

var _ ctp.TdAPI = (*TradeFront)(nil)

func NewTradeFront(opts Options) *TradeFront {
	t := &TradeFront{
		opts: withDefaults(opts),
		book: make(map[string]ctp.Order),
	}
	t.front.init(t.opts)
	return t
}

func (t *TradeFront) RegisterSpi(spi ctp.TdSpi) {
	t.mu.Lock()
	t.spi = spi
	t.mu.Unlock()
}

func (t *TradeFront) callbacks() ctp.TdSpi {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spi
}

func (t *TradeFront) Init() {
	if !t.manual {
		t.Connect()
	}
}

func (t *TradeFront) Release() {
	t.Close()
}

func (t *TradeFront) Connect() {
	t.loop.post(func() {
		t.setConnected(true)
		if spi := t.callbacks(); spi != nil {
			spi.OnFrontConnected()
		}
	})
}

func (t *TradeFront) Disconnect(reason int) {
	t.loop.post(func() {
		t.setConnected(false)
		if spi := t.callbacks(); spi != nil {
			spi.OnFrontDisconnected(reason)
		}
	})
}

func (t *TradeFront) ReqAuthenticate(req *ctp.ReqAuthenticate, requestID int) int {
	code, info, respond := t.accept("ReqAuthenticate", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	rsp := &ctp.RspAuthenticate{
		BrokerID:        req.BrokerID,
		UserID:          req.UserID,
		UserProductInfo: req.UserProductInfo,
		AppID:           req.AppID,
	}
	t.loop.post(func() {
		t.callbacks().OnRspAuthenticate(rsp, info, requestID, true)
	})
	return 0
}

func (t *TradeFront) ReqUserLogin(req *ctp.ReqUserLogin, requestID int) int {
	code, info, respond := t.accept("ReqUserLogin", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	rsp := &ctp.RspUserLogin{
		TradingDay:  t.opts.TradingDay,
		BrokerID:    req.BrokerID,
		UserID:      req.UserID,
		FrontID:     t.opts.FrontID,
		SessionID:   t.opts.SessionID,
		MaxOrderRef: t.opts.MaxOrderRef,
	}
	t.loop.post(func() {
		t.callbacks().OnRspUserLogin(rsp, info, requestID, true)
	})
	return 0
}

func (t *TradeFront) ReqSettlementInfoConfirm(req *ctp.SettlementInfoConfirm, requestID int) int {
	code, info, respond := t.accept("ReqSettlementInfoConfirm", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	rsp := *req
	t.loop.post(func() {
		t.callbacks().OnRspSettlementInfoConfirm(&rsp, info, requestID, true)
	})
	return 0
}

func (t *TradeFront) ReqQryTradingAccount(req *ctp.QryTradingAccount, requestID int) int {
	code, info, respond := t.accept("ReqQryTradingAccount", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	var acct *ctp.TradingAccount
	if t.opts.Account != nil {
		a := *t.opts.Account
		acct = &a
	}
	t.loop.post(func() {
		t.callbacks().OnRspQryTradingAccount(acct, info, requestID, true)
	})
	return 0
}

func (t *TradeFront) ReqQryInvestorPosition(req *ctp.QryInvestorPosition, requestID int) int {
	code, info, respond := t.accept("ReqQryInvestorPosition", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	var positions []ctp.InvestorPosition
	for _, p := range t.opts.Positions {
		if req.InstrumentID == "" || req.InstrumentID == p.InstrumentID {
			positions = append(positions, p)
		}
	}
	t.loop.post(func() {
		spi := t.callbacks()
		if len(positions) == 0 || info != nil {
			spi.OnRspQryInvestorPosition(nil, info, requestID, true)
			return
		}
		for i := range positions {
			spi.OnRspQryInvestorPosition(&positions[i], nil, requestID, i == len(positions)-1)
		}
	})
	return 0
}

func (t *TradeFront) ReqQryInstrument(req *ctp.QryInstrument, requestID int) int {
	code, info, respond := t.accept("ReqQryInstrument", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	var instruments []ctp.Instrument
	for _, inst := range t.opts.Instruments {
		if req.InstrumentID == "" || req.InstrumentID == inst.InstrumentID {
			instruments = append(instruments, inst)
		}
	}
	t.loop.post(func() {
		spi := t.callbacks()
		if len(instruments) == 0 || info != nil {
			spi.OnRspQryInstrument(nil, info, requestID, true)
			return
		}
		for i := range instruments {
			spi.OnRspQryInstrument(&instruments[i], nil, requestID, i == len(instruments)-1)
		}
	})
	return 0
}

func (t *TradeFront) ReqOrderInsert(req *ctp.InputOrder, requestID int) int {
	in := *req
	code, info, respond := t.accept("ReqOrderInsert", requestID, in)
	if code != 0 || !respond {
		return code
	}
	if info != nil {
		t.loop.post(func() {
			t.callbacks().OnRspOrderInsert(&in, info, requestID, true)
		})
		return 0
	}
	if !t.opts.AutoAccept {
		return 0
	}

	t.mu.Lock()
	t.nextSysID++
	o := ctp.Order{
		BrokerID:            in.BrokerID,
		InvestorID:          in.InvestorID,
		InstrumentID:        in.InstrumentID,
		ExchangeID:          in.ExchangeID,
		OrderRef:            in.OrderRef,
		OrderSysID:          strconv.Itoa(t.nextSysID),
		FrontID:             t.opts.FrontID,
		SessionID:           t.opts.SessionID,
		Direction:           in.Direction,
		CombOffsetFlag:      in.CombOffsetFlag,
		CombHedgeFlag:       in.CombHedgeFlag,
		OrderPriceType:      in.OrderPriceType,
		LimitPrice:          in.LimitPrice,
		VolumeTotalOriginal: in.VolumeTotalOriginal,
		VolumeTotal:         in.VolumeTotalOriginal,
		OrderStatus:         ctp.StatusNoTradeQueueing,
		OrderSubmitStatus:   ctp.SubmitAccepted,
		TradingDay:          t.opts.TradingDay,
	}
	t.book[o.OrderSysID] = o
	t.mu.Unlock()

	t.loop.post(func() {
		t.callbacks().OnRtnOrder(&o)
	})
	return 0
}

func (t *TradeFront) ReqOrderAction(req *ctp.InputOrderAction, requestID int) int {
	in := *req
	code, info, respond := t.accept("ReqOrderAction", requestID, in)
	if code != 0 || !respond {
		return code
	}
	if info != nil {
		t.loop.post(func() {
			t.callbacks().OnRspOrderAction(&in, info, requestID, true)
		})
		return 0
	}
	if !t.opts.AutoAccept {
		return 0
	}

	t.mu.Lock()
	o, ok := t.book[in.OrderSysID]
	if ok && !o.OrderStatus.Terminal() {
		o.OrderStatus = ctp.StatusCanceled
		t.book[o.OrderSysID] = o
	}
	t.mu.Unlock()

	t.loop.post(func() {
		switch {
		case !ok:
			t.callbacks().OnRspOrderAction(&in, &ctp.RspInfo{ErrorID: 25, ErrorMsg: "order not found"}, requestID, true)
		case o.OrderStatus == ctp.StatusCanceled:
			t.callbacks().OnRtnOrder(&o)
		default:
			t.callbacks().OnErrRtnOrderAction(&in, &ctp.RspInfo{ErrorID: 26, ErrorMsg: "order already closed"})
		}
	})
	return 0
}

// Fill trades volume of a booked order at price, pushing the order update
// and the trade.
func (t *TradeFront) Fill(orderSysID string, volume int, price float64) bool {
	t.mu.Lock()
	o, ok := t.book[orderSysID]
	if !ok || o.OrderStatus.Terminal() {
		t.mu.Unlock()
		return false
	}
	if volume > o.VolumeTotal {
		volume = o.VolumeTotal
	}
	o.VolumeTraded += volume
	o.VolumeTotal -= volume
	if o.VolumeTotal == 0 {
		o.OrderStatus = ctp.StatusAllTraded
	} else {
		o.OrderStatus = ctp.StatusPartTradedQueueing
	}
	t.book[orderSysID] = o
	t.nextTradeID++
	tr := ctp.Trade{
		BrokerID:     o.BrokerID,
		InvestorID:   o.InvestorID,
		InstrumentID: o.InstrumentID,
		ExchangeID:   o.ExchangeID,
		OrderRef:     o.OrderRef,
		OrderSysID:   o.OrderSysID,
		TradeID:      "T" + strconv.Itoa(t.nextTradeID),
		Direction:    o.Direction,
		OffsetFlag:   o.CombOffsetFlag,
		HedgeFlag:    o.CombHedgeFlag,
		Price:        price,
		Volume:       volume,
		TradingDay:   o.TradingDay,
	}
	t.mu.Unlock()

	t.loop.post(func() {
		spi := t.callbacks()
		spi.OnRtnOrder(&o)
		spi.OnRtnTrade(&tr)
	})
	return true
}

// PushOrder delivers an arbitrary order update.
func (t *TradeFront) PushOrder(o ctp.Order) {
	t.loop.post(func() {
		t.callbacks().OnRtnOrder(&o)
	})
}

// PushTrade delivers an arbitrary trade.
func (t *TradeFront) PushTrade(tr ctp.Trade) {
	t.loop.post(func() {
		t.callbacks().OnRtnTrade(&tr)
	})
}

// PushError delivers an unsolicited error response.
func (t *TradeFront) PushError(info ctp.RspInfo) {
	t.loop.post(func() {
		t.callbacks().OnRspError(&info, 0, true)
	})
}

// Book returns the orders the front has accepted, keyed by order system id.
func (t *TradeFront) Book() map[string]ctp.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ctp.Order, len(t.book))
	for k, v := range t.book {
		out[k] = v
	}
	return out
}
