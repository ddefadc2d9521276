package ctp

import (
	"encoding/json"
	"strconv"
)

// Fields is a loosely-typed record as delivered by foreign bridges. It is
// converted to the typed records here and nowhere else.
type Fields map[string]interface{}

func (f Fields) String(key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

func (f Fields) Float(key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		n, _ := v.Float64()
		return n
	case string:
		n, _ := strconv.ParseFloat(v, 64)
		return n
	}
	return 0
}

func (f Fields) Int(key string) int {
	switch v := f[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func (f Fields) Bool(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Char reads a single-character code. Bridges send either a one-letter
// string or the byte value as a number.
func (f Fields) Char(key string) byte {
	switch v := f[key].(type) {
	case string:
		if len(v) > 0 {
			return v[0]
		}
	case float64:
		return byte(v)
	case int:
		return byte(v)
	}
	return 0
}

func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// RspInfo returns nil for an absent or empty error object, which the
// front uses to signal success.
func (f Fields) RspInfo() *RspInfo {
	if len(f) == 0 {
		return nil
	}
	return &RspInfo{ErrorID: f.Int("ErrorID"), ErrorMsg: f.String("ErrorMsg")}
}

func (f Fields) RspUserLogin() *RspUserLogin {
	if f == nil {
		return nil
	}
	return &RspUserLogin{
		TradingDay:  f.String("TradingDay"),
		LoginTime:   f.String("LoginTime"),
		BrokerID:    f.String("BrokerID"),
		UserID:      f.String("UserID"),
		SystemName:  f.String("SystemName"),
		FrontID:     f.Int("FrontID"),
		SessionID:   f.Int("SessionID"),
		MaxOrderRef: f.String("MaxOrderRef"),
	}
}

func (f Fields) RspAuthenticate() *RspAuthenticate {
	if f == nil {
		return nil
	}
	return &RspAuthenticate{
		BrokerID:        f.String("BrokerID"),
		UserID:          f.String("UserID"),
		UserProductInfo: f.String("UserProductInfo"),
		AppID:           f.String("AppID"),
	}
}

func (f Fields) SettlementInfoConfirm() *SettlementInfoConfirm {
	if f == nil {
		return nil
	}
	return &SettlementInfoConfirm{
		BrokerID:    f.String("BrokerID"),
		InvestorID:  f.String("InvestorID"),
		ConfirmDate: f.String("ConfirmDate"),
		ConfirmTime: f.String("ConfirmTime"),
	}
}

func (f Fields) SpecificInstrument() *SpecificInstrument {
	if f == nil {
		return nil
	}
	return &SpecificInstrument{InstrumentID: f.String("InstrumentID")}
}

func (f Fields) TradingAccount() *TradingAccount {
	if f == nil {
		return nil
	}
	return &TradingAccount{
		BrokerID:       f.String("BrokerID"),
		AccountID:      f.String("AccountID"),
		PreBalance:     f.Float("PreBalance"),
		Balance:        f.Float("Balance"),
		Available:      f.Float("Available"),
		CurrMargin:     f.Float("CurrMargin"),
		FrozenMargin:   f.Float("FrozenMargin"),
		Commission:     f.Float("Commission"),
		CloseProfit:    f.Float("CloseProfit"),
		PositionProfit: f.Float("PositionProfit"),
		WithdrawQuota:  f.Float("WithdrawQuota"),
		TradingDay:     f.String("TradingDay"),
	}
}

func (f Fields) InvestorPosition() *InvestorPosition {
	if f == nil {
		return nil
	}
	return &InvestorPosition{
		InstrumentID:   f.String("InstrumentID"),
		BrokerID:       f.String("BrokerID"),
		InvestorID:     f.String("InvestorID"),
		PosiDirection:  PosiDirection(f.Char("PosiDirection")),
		HedgeFlag:      HedgeFlag(f.Char("HedgeFlag")),
		YdPosition:     f.Int("YdPosition"),
		Position:       f.Int("Position"),
		TodayPosition:  f.Int("TodayPosition"),
		OpenCost:       f.Float("OpenCost"),
		PositionCost:   f.Float("PositionCost"),
		UseMargin:      f.Float("UseMargin"),
		PositionProfit: f.Float("PositionProfit"),
		TradingDay:     f.String("TradingDay"),
	}
}

func (f Fields) Instrument() *Instrument {
	if f == nil {
		return nil
	}
	return &Instrument{
		InstrumentID:        f.String("InstrumentID"),
		ExchangeID:          f.String("ExchangeID"),
		InstrumentName:      f.String("InstrumentName"),
		ProductID:           f.String("ProductID"),
		VolumeMultiple:      f.Int("VolumeMultiple"),
		PriceTick:           f.Float("PriceTick"),
		ExpireDate:          f.String("ExpireDate"),
		IsTrading:           f.Bool("IsTrading"),
		LongMarginRatio:     f.Float("LongMarginRatio"),
		ShortMarginRatio:    f.Float("ShortMarginRatio"),
		MaxLimitOrderVolume: f.Int("MaxLimitOrderVolume"),
		MinLimitOrderVolume: f.Int("MinLimitOrderVolume"),
	}
}

func (f Fields) DepthMarketData() *DepthMarketData {
	if f == nil {
		return nil
	}
	return &DepthMarketData{
		TradingDay:         f.String("TradingDay"),
		InstrumentID:       f.String("InstrumentID"),
		ExchangeID:         f.String("ExchangeID"),
		LastPrice:          f.Float("LastPrice"),
		PreSettlementPrice: f.Float("PreSettlementPrice"),
		PreClosePrice:      f.Float("PreClosePrice"),
		OpenPrice:          f.Float("OpenPrice"),
		HighestPrice:       f.Float("HighestPrice"),
		LowestPrice:        f.Float("LowestPrice"),
		Volume:             f.Int("Volume"),
		Turnover:           f.Float("Turnover"),
		OpenInterest:       f.Float("OpenInterest"),
		UpperLimitPrice:    f.Float("UpperLimitPrice"),
		LowerLimitPrice:    f.Float("LowerLimitPrice"),
		BidPrice1:          f.Float("BidPrice1"),
		BidVolume1:         f.Int("BidVolume1"),
		AskPrice1:          f.Float("AskPrice1"),
		AskVolume1:         f.Int("AskVolume1"),
		AveragePrice:       f.Float("AveragePrice"),
		UpdateTime:         f.String("UpdateTime"),
		UpdateMillisec:     f.Int("UpdateMillisec"),
		ActionDay:          f.String("ActionDay"),
	}
}

func (f Fields) InputOrder() *InputOrder {
	if f == nil {
		return nil
	}
	return &InputOrder{
		BrokerID:            f.String("BrokerID"),
		InvestorID:          f.String("InvestorID"),
		UserID:              f.String("UserID"),
		InstrumentID:        f.String("InstrumentID"),
		ExchangeID:          f.String("ExchangeID"),
		OrderRef:            f.String("OrderRef"),
		OrderPriceType:      OrderPriceType(f.Char("OrderPriceType")),
		Direction:           Direction(f.Char("Direction")),
		CombOffsetFlag:      OffsetFlag(f.Char("CombOffsetFlag")),
		CombHedgeFlag:       HedgeFlag(f.Char("CombHedgeFlag")),
		LimitPrice:          f.Float("LimitPrice"),
		VolumeTotalOriginal: f.Int("VolumeTotalOriginal"),
		TimeCondition:       TimeCondition(f.Char("TimeCondition")),
		VolumeCondition:     VolumeCondition(f.Char("VolumeCondition")),
		MinVolume:           f.Int("MinVolume"),
		ContingentCondition: ContingentCondition(f.Char("ContingentCondition")),
		ForceCloseReason:    ForceCloseReason(f.Char("ForceCloseReason")),
		IsAutoSuspend:       f.Bool("IsAutoSuspend"),
		UserForceClose:      f.Bool("UserForceClose"),
	}
}

func (f Fields) InputOrderAction() *InputOrderAction {
	if f == nil {
		return nil
	}
	return &InputOrderAction{
		BrokerID:     f.String("BrokerID"),
		InvestorID:   f.String("InvestorID"),
		UserID:       f.String("UserID"),
		InstrumentID: f.String("InstrumentID"),
		ExchangeID:   f.String("ExchangeID"),
		OrderSysID:   f.String("OrderSysID"),
		OrderRef:     f.String("OrderRef"),
		FrontID:      f.Int("FrontID"),
		SessionID:    f.Int("SessionID"),
		ActionFlag:   ActionFlag(f.Char("ActionFlag")),
	}
}

func (f Fields) Order() *Order {
	if f == nil {
		return nil
	}
	return &Order{
		BrokerID:            f.String("BrokerID"),
		InvestorID:          f.String("InvestorID"),
		InstrumentID:        f.String("InstrumentID"),
		ExchangeID:          f.String("ExchangeID"),
		OrderRef:            f.String("OrderRef"),
		OrderSysID:          f.String("OrderSysID"),
		FrontID:             f.Int("FrontID"),
		SessionID:           f.Int("SessionID"),
		Direction:           Direction(f.Char("Direction")),
		CombOffsetFlag:      OffsetFlag(f.Char("CombOffsetFlag")),
		CombHedgeFlag:       HedgeFlag(f.Char("CombHedgeFlag")),
		OrderPriceType:      OrderPriceType(f.Char("OrderPriceType")),
		LimitPrice:          f.Float("LimitPrice"),
		VolumeTotalOriginal: f.Int("VolumeTotalOriginal"),
		VolumeTraded:        f.Int("VolumeTraded"),
		VolumeTotal:         f.Int("VolumeTotal"),
		OrderStatus:         OrderStatus(f.Char("OrderStatus")),
		OrderSubmitStatus:   OrderSubmitStatus(f.Char("OrderSubmitStatus")),
		StatusMsg:           f.String("StatusMsg"),
		InsertDate:          f.String("InsertDate"),
		InsertTime:          f.String("InsertTime"),
		CancelTime:          f.String("CancelTime"),
		TradingDay:          f.String("TradingDay"),
	}
}

func (f Fields) Trade() *Trade {
	if f == nil {
		return nil
	}
	return &Trade{
		BrokerID:     f.String("BrokerID"),
		InvestorID:   f.String("InvestorID"),
		InstrumentID: f.String("InstrumentID"),
		ExchangeID:   f.String("ExchangeID"),
		OrderRef:     f.String("OrderRef"),
		OrderSysID:   f.String("OrderSysID"),
		TradeID:      f.String("TradeID"),
		Direction:    Direction(f.Char("Direction")),
		OffsetFlag:   OffsetFlag(f.Char("OffsetFlag")),
		HedgeFlag:    HedgeFlag(f.Char("HedgeFlag")),
		Price:        f.Float("Price"),
		Volume:       f.Int("Volume"),
		TradeDate:    f.String("TradeDate"),
		TradeTime:    f.String("TradeTime"),
		TradingDay:   f.String("TradingDay"),
	}
}
