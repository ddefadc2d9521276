package sim

import (
	"github.com/luxfi/ctpgw/pkg/ctp"
)

// MarketFront simulates the market data front.
type MarketFront struct {
	front

	opts Options
	spi  ctp.MdSpi
}

var _ ctp.MdAPI = (*MarketFront)(nil)

func NewMarketFront(opts Options) *MarketFront {
	m := &MarketFront{opts: withDefaults(opts)}
	m.front.init(m.opts)
	return m
}

func (m *MarketFront) RegisterSpi(spi ctp.MdSpi) {
	m.mu.Lock()
	m.spi = spi
	m.mu.Unlock()
}

func (m *MarketFront) callbacks() ctp.MdSpi {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spi
}

func (m *MarketFront) Init() {
	if !m.manual {
		m.Connect()
	}
}

func (m *MarketFront) Release() {
	m.Close()
}

// Connect delivers OnFrontConnected.
func (m *MarketFront) Connect() {
	m.loop.post(func() {
		m.setConnected(true)
		if spi := m.callbacks(); spi != nil {
			spi.OnFrontConnected()
		}
	})
}

// Disconnect delivers OnFrontDisconnected.
func (m *MarketFront) Disconnect(reason int) {
	m.loop.post(func() {
		m.setConnected(false)
		if spi := m.callbacks(); spi != nil {
			spi.OnFrontDisconnected(reason)
		}
	})
}

func (m *MarketFront) ReqUserLogin(req *ctp.ReqUserLogin, requestID int) int {
	code, info, respond := m.accept("ReqUserLogin", requestID, *req)
	if code != 0 || !respond {
		return code
	}
	rsp := &ctp.RspUserLogin{
		TradingDay: m.opts.TradingDay,
		BrokerID:   req.BrokerID,
		UserID:     req.UserID,
		FrontID:    m.opts.FrontID,
		SessionID:  m.opts.SessionID,
	}
	m.loop.post(func() {
		m.callbacks().OnRspUserLogin(rsp, info, requestID, true)
	})
	return 0
}

func (m *MarketFront) SubscribeMarketData(instrumentID string) int {
	code, info, respond := m.accept("SubscribeMarketData", 0, instrumentID)
	if code != 0 || !respond {
		return code
	}
	m.loop.post(func() {
		m.callbacks().OnRspSubMarketData(&ctp.SpecificInstrument{InstrumentID: instrumentID}, info, 0, true)
	})
	return 0
}

func (m *MarketFront) UnSubscribeMarketData(instrumentID string) int {
	code, info, respond := m.accept("UnSubscribeMarketData", 0, instrumentID)
	if code != 0 || !respond {
		return code
	}
	m.loop.post(func() {
		m.callbacks().OnRspUnSubMarketData(&ctp.SpecificInstrument{InstrumentID: instrumentID}, info, 0, true)
	})
	return 0
}

// PushTick delivers a depth market data update.
func (m *MarketFront) PushTick(tick ctp.DepthMarketData) {
	m.loop.post(func() {
		m.callbacks().OnRtnDepthMarketData(&tick)
	})
}

// PushError delivers an unsolicited error response.
func (m *MarketFront) PushError(info ctp.RspInfo) {
	m.loop.post(func() {
		m.callbacks().OnRspError(&info, 0, true)
	})
}

func withDefaults(opts Options) Options {
	if opts.FrontID == 0 {
		opts.FrontID = 1
	}
	if opts.SessionID == 0 {
		opts.SessionID = 1001
	}
	if opts.TradingDay == "" {
		opts.TradingDay = "20241021"
	}
	return opts
}
