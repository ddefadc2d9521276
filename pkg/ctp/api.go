// Package ctp describes the boundary to the native trading front: the typed
// request and response records, the request API the gateway calls, and the
// callback hooks the front invokes on its own threads.
package ctp

import "fmt"

// MdAPI is the market data request surface. Every Req method returns 0 when
// the request was accepted for transmission.
type MdAPI interface {
	RegisterSpi(spi MdSpi)
	RegisterFront(address string)
	Init()
	Release()
	ReqUserLogin(req *ReqUserLogin, requestID int) int
	SubscribeMarketData(instrumentID string) int
	UnSubscribeMarketData(instrumentID string) int
}

// TdAPI is the trading request surface.
type TdAPI interface {
	RegisterSpi(spi TdSpi)
	RegisterFront(address string)
	Init()
	Release()
	ReqAuthenticate(req *ReqAuthenticate, requestID int) int
	ReqUserLogin(req *ReqUserLogin, requestID int) int
	ReqSettlementInfoConfirm(req *SettlementInfoConfirm, requestID int) int
	ReqQryTradingAccount(req *QryTradingAccount, requestID int) int
	ReqQryInvestorPosition(req *QryInvestorPosition, requestID int) int
	ReqQryInstrument(req *QryInstrument, requestID int) int
	ReqOrderInsert(req *InputOrder, requestID int) int
	ReqOrderAction(req *InputOrderAction, requestID int) int
}

// MdSpi receives market data callbacks. Data pointers may be nil.
type MdSpi interface {
	OnFrontConnected()
	OnFrontDisconnected(reason int)
	OnRspUserLogin(data *RspUserLogin, info *RspInfo, requestID int, isLast bool)
	OnRspError(info *RspInfo, requestID int, isLast bool)
	OnRspSubMarketData(data *SpecificInstrument, info *RspInfo, requestID int, isLast bool)
	OnRspUnSubMarketData(data *SpecificInstrument, info *RspInfo, requestID int, isLast bool)
	OnRtnDepthMarketData(data *DepthMarketData)
}

// TdSpi receives trading callbacks.
type TdSpi interface {
	OnFrontConnected()
	OnFrontDisconnected(reason int)
	OnRspAuthenticate(data *RspAuthenticate, info *RspInfo, requestID int, isLast bool)
	OnRspUserLogin(data *RspUserLogin, info *RspInfo, requestID int, isLast bool)
	OnRspSettlementInfoConfirm(data *SettlementInfoConfirm, info *RspInfo, requestID int, isLast bool)
	OnRspQryTradingAccount(data *TradingAccount, info *RspInfo, requestID int, isLast bool)
	OnRspQryInvestorPosition(data *InvestorPosition, info *RspInfo, requestID int, isLast bool)
	OnRspQryInstrument(data *Instrument, info *RspInfo, requestID int, isLast bool)
	OnRspOrderInsert(data *InputOrder, info *RspInfo, requestID int, isLast bool)
	OnErrRtnOrderInsert(data *InputOrder, info *RspInfo)
	OnRspOrderAction(data *InputOrderAction, info *RspInfo, requestID int, isLast bool)
	OnErrRtnOrderAction(data *InputOrderAction, info *RspInfo)
	OnRtnOrder(data *Order)
	OnRtnTrade(data *Trade)
	OnRspError(info *RspInfo, requestID int, isLast bool)
}

// SubmitError is returned when the front refuses to transmit a request.
type SubmitError struct {
	Channel Channel
	Method  string
	Code    int
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s %s rejected at submit: code %d", e.Channel, e.Method, e.Code)
}

// CheckSubmit converts a request return code into an error.
func CheckSubmit(ch Channel, method string, code int) error {
	if code == 0 {
		return nil
	}
	return &SubmitError{Channel: ch, Method: method, Code: code}
}
