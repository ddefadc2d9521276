package ctp

// RspInfo carries the outcome of a response. A nil *RspInfo means success.
type RspInfo struct {
	ErrorID  int    `json:"ErrorID"`
	ErrorMsg string `json:"ErrorMsg"`
}

// OK reports whether the response signals success.
func (r *RspInfo) OK() bool {
	return r == nil || r.ErrorID == 0
}

type ReqUserLogin struct {
	BrokerID        string `json:"BrokerID"`
	UserID          string `json:"UserID"`
	Password        string `json:"Password"`
	UserProductInfo string `json:"UserProductInfo,omitempty"`
}

type RspUserLogin struct {
	TradingDay  string `json:"TradingDay"`
	LoginTime   string `json:"LoginTime"`
	BrokerID    string `json:"BrokerID"`
	UserID      string `json:"UserID"`
	SystemName  string `json:"SystemName"`
	FrontID     int    `json:"FrontID"`
	SessionID   int    `json:"SessionID"`
	MaxOrderRef string `json:"MaxOrderRef"`
}

type ReqAuthenticate struct {
	BrokerID        string `json:"BrokerID"`
	UserID          string `json:"UserID"`
	UserProductInfo string `json:"UserProductInfo"`
	AuthCode        string `json:"AuthCode"`
	AppID           string `json:"AppID"`
}

type RspAuthenticate struct {
	BrokerID        string `json:"BrokerID"`
	UserID          string `json:"UserID"`
	UserProductInfo string `json:"UserProductInfo"`
	AppID           string `json:"AppID"`
}

type SettlementInfoConfirm struct {
	BrokerID    string `json:"BrokerID"`
	InvestorID  string `json:"InvestorID"`
	ConfirmDate string `json:"ConfirmDate"`
	ConfirmTime string `json:"ConfirmTime"`
}

type QryTradingAccount struct {
	BrokerID   string `json:"BrokerID"`
	InvestorID string `json:"InvestorID"`
}

type QryInvestorPosition struct {
	BrokerID     string `json:"BrokerID"`
	InvestorID   string `json:"InvestorID"`
	InstrumentID string `json:"InstrumentID,omitempty"`
}

type QryInstrument struct {
	InstrumentID string `json:"InstrumentID,omitempty"`
	ExchangeID   string `json:"ExchangeID,omitempty"`
}

type SpecificInstrument struct {
	InstrumentID string `json:"InstrumentID"`
}

type TradingAccount struct {
	BrokerID       string  `json:"BrokerID"`
	AccountID      string  `json:"AccountID"`
	PreBalance     float64 `json:"PreBalance"`
	Balance        float64 `json:"Balance"`
	Available      float64 `json:"Available"`
	CurrMargin     float64 `json:"CurrMargin"`
	FrozenMargin   float64 `json:"FrozenMargin"`
	Commission     float64 `json:"Commission"`
	CloseProfit    float64 `json:"CloseProfit"`
	PositionProfit float64 `json:"PositionProfit"`
	WithdrawQuota  float64 `json:"WithdrawQuota"`
	TradingDay     string  `json:"TradingDay"`
}

type InvestorPosition struct {
	InstrumentID   string        `json:"InstrumentID"`
	BrokerID       string        `json:"BrokerID"`
	InvestorID     string        `json:"InvestorID"`
	PosiDirection  PosiDirection `json:"PosiDirection"`
	HedgeFlag      HedgeFlag     `json:"HedgeFlag"`
	YdPosition     int           `json:"YdPosition"`
	Position       int           `json:"Position"`
	TodayPosition  int           `json:"TodayPosition"`
	OpenCost       float64       `json:"OpenCost"`
	PositionCost   float64       `json:"PositionCost"`
	UseMargin      float64       `json:"UseMargin"`
	PositionProfit float64       `json:"PositionProfit"`
	TradingDay     string        `json:"TradingDay"`
}

type Instrument struct {
	InstrumentID        string  `json:"InstrumentID"`
	ExchangeID          string  `json:"ExchangeID"`
	InstrumentName      string  `json:"InstrumentName"`
	ProductID           string  `json:"ProductID"`
	VolumeMultiple      int     `json:"VolumeMultiple"`
	PriceTick           float64 `json:"PriceTick"`
	ExpireDate          string  `json:"ExpireDate"`
	IsTrading           bool    `json:"IsTrading"`
	LongMarginRatio     float64 `json:"LongMarginRatio"`
	ShortMarginRatio    float64 `json:"ShortMarginRatio"`
	MaxLimitOrderVolume int     `json:"MaxLimitOrderVolume"`
	MinLimitOrderVolume int     `json:"MinLimitOrderVolume"`
}

// DepthMarketData is one tick.
type DepthMarketData struct {
	TradingDay         string  `json:"TradingDay"`
	InstrumentID       string  `json:"InstrumentID"`
	ExchangeID         string  `json:"ExchangeID"`
	LastPrice          float64 `json:"LastPrice"`
	PreSettlementPrice float64 `json:"PreSettlementPrice"`
	PreClosePrice      float64 `json:"PreClosePrice"`
	OpenPrice          float64 `json:"OpenPrice"`
	HighestPrice       float64 `json:"HighestPrice"`
	LowestPrice        float64 `json:"LowestPrice"`
	Volume             int     `json:"Volume"`
	Turnover           float64 `json:"Turnover"`
	OpenInterest       float64 `json:"OpenInterest"`
	UpperLimitPrice    float64 `json:"UpperLimitPrice"`
	LowerLimitPrice    float64 `json:"LowerLimitPrice"`
	BidPrice1          float64 `json:"BidPrice1"`
	BidVolume1         int     `json:"BidVolume1"`
	AskPrice1          float64 `json:"AskPrice1"`
	AskVolume1         int     `json:"AskVolume1"`
	AveragePrice       float64 `json:"AveragePrice"`
	UpdateTime         string  `json:"UpdateTime"`
	UpdateMillisec     int     `json:"UpdateMillisec"`
	ActionDay          string  `json:"ActionDay"`
}

// InputOrder is the order insert request.
type InputOrder struct {
	BrokerID            string              `json:"BrokerID"`
	InvestorID          string              `json:"InvestorID"`
	UserID              string              `json:"UserID"`
	InstrumentID        string              `json:"InstrumentID"`
	ExchangeID          string              `json:"ExchangeID"`
	OrderRef            string              `json:"OrderRef"`
	OrderPriceType      OrderPriceType      `json:"OrderPriceType"`
	Direction           Direction           `json:"Direction"`
	CombOffsetFlag      OffsetFlag          `json:"CombOffsetFlag"`
	CombHedgeFlag       HedgeFlag           `json:"CombHedgeFlag"`
	LimitPrice          float64             `json:"LimitPrice"`
	VolumeTotalOriginal int                 `json:"VolumeTotalOriginal"`
	TimeCondition       TimeCondition       `json:"TimeCondition"`
	VolumeCondition     VolumeCondition     `json:"VolumeCondition"`
	MinVolume           int                 `json:"MinVolume"`
	ContingentCondition ContingentCondition `json:"ContingentCondition"`
	ForceCloseReason    ForceCloseReason    `json:"ForceCloseReason"`
	IsAutoSuspend       bool                `json:"IsAutoSuspend"`
	UserForceClose      bool                `json:"UserForceClose"`
}

// InputOrderAction is the cancel request.
type InputOrderAction struct {
	BrokerID     string     `json:"BrokerID"`
	InvestorID   string     `json:"InvestorID"`
	UserID       string     `json:"UserID"`
	InstrumentID string     `json:"InstrumentID"`
	ExchangeID   string     `json:"ExchangeID"`
	OrderSysID   string     `json:"OrderSysID"`
	OrderRef     string     `json:"OrderRef"`
	FrontID      int        `json:"FrontID"`
	SessionID    int        `json:"SessionID"`
	ActionFlag   ActionFlag `json:"ActionFlag"`
}

// Order is the server's view of an order, pushed on every change.
type Order struct {
	BrokerID            string            `json:"BrokerID"`
	InvestorID          string            `json:"InvestorID"`
	InstrumentID        string            `json:"InstrumentID"`
	ExchangeID          string            `json:"ExchangeID"`
	OrderRef            string            `json:"OrderRef"`
	OrderSysID          string            `json:"OrderSysID"`
	FrontID             int               `json:"FrontID"`
	SessionID           int               `json:"SessionID"`
	Direction           Direction         `json:"Direction"`
	CombOffsetFlag      OffsetFlag        `json:"CombOffsetFlag"`
	CombHedgeFlag       HedgeFlag         `json:"CombHedgeFlag"`
	OrderPriceType      OrderPriceType    `json:"OrderPriceType"`
	LimitPrice          float64           `json:"LimitPrice"`
	VolumeTotalOriginal int               `json:"VolumeTotalOriginal"`
	VolumeTraded        int               `json:"VolumeTraded"`
	VolumeTotal         int               `json:"VolumeTotal"`
	OrderStatus         OrderStatus       `json:"OrderStatus"`
	OrderSubmitStatus   OrderSubmitStatus `json:"OrderSubmitStatus"`
	StatusMsg           string            `json:"StatusMsg"`
	InsertDate          string            `json:"InsertDate"`
	InsertTime          string            `json:"InsertTime"`
	CancelTime          string            `json:"CancelTime"`
	TradingDay          string            `json:"TradingDay"`
}

// Trade is one fill. Trades are immutable once reported.
type Trade struct {
	BrokerID     string     `json:"BrokerID"`
	InvestorID   string     `json:"InvestorID"`
	InstrumentID string     `json:"InstrumentID"`
	ExchangeID   string     `json:"ExchangeID"`
	OrderRef     string     `json:"OrderRef"`
	OrderSysID   string     `json:"OrderSysID"`
	TradeID      string     `json:"TradeID"`
	Direction    Direction  `json:"Direction"`
	OffsetFlag   OffsetFlag `json:"OffsetFlag"`
	HedgeFlag    HedgeFlag  `json:"HedgeFlag"`
	Price        float64    `json:"Price"`
	Volume       int        `json:"Volume"`
	TradeDate    string     `json:"TradeDate"`
	TradeTime    string     `json:"TradeTime"`
	TradingDay   string     `json:"TradingDay"`
}
