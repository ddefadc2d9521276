package ctp

import (
	"fmt"
	"strings"
)

// Channel identifies one of the two independent connections to the front.
type Channel string

const (
	ChannelMarket Channel = "md"
	ChannelTrade  Channel = "td"
)

// Direction of an order or trade
type Direction byte

const (
	DirectionBuy  Direction = '0'
	DirectionSell Direction = '1'
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return fmt.Sprintf("Direction(%q)", byte(d))
	}
}

// ParseDirection accepts BUY or SELL, case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return DirectionBuy, nil
	case "SELL":
		return DirectionSell, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// OffsetFlag tells the exchange whether an order opens or closes a position.
type OffsetFlag byte

const (
	OffsetOpen           OffsetFlag = '0'
	OffsetClose          OffsetFlag = '1'
	OffsetForceClose     OffsetFlag = '2'
	OffsetCloseToday     OffsetFlag = '3'
	OffsetCloseYesterday OffsetFlag = '4'
)

func (o OffsetFlag) String() string {
	switch o {
	case OffsetOpen:
		return "OPEN"
	case OffsetClose:
		return "CLOSE"
	case OffsetForceClose:
		return "FORCECLOSE"
	case OffsetCloseToday:
		return "CLOSETODAY"
	case OffsetCloseYesterday:
		return "CLOSEYESTERDAY"
	default:
		return fmt.Sprintf("OffsetFlag(%q)", byte(o))
	}
}

// ParseOffset accepts OPEN, CLOSE, CLOSETODAY or CLOSEYESTERDAY.
func ParseOffset(s string) (OffsetFlag, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN":
		return OffsetOpen, nil
	case "CLOSE":
		return OffsetClose, nil
	case "CLOSETODAY":
		return OffsetCloseToday, nil
	case "CLOSEYESTERDAY":
		return OffsetCloseYesterday, nil
	}
	return 0, fmt.Errorf("unknown offset %q", s)
}

type HedgeFlag byte

const (
	HedgeSpeculation HedgeFlag = '1'
	HedgeArbitrage   HedgeFlag = '2'
	HedgeHedge       HedgeFlag = '3'
)

type OrderPriceType byte

const (
	PriceAny   OrderPriceType = '1'
	PriceLimit OrderPriceType = '2'
)

type TimeCondition byte

const (
	TimeIOC TimeCondition = '1'
	TimeGFD TimeCondition = '3'
	TimeGTC TimeCondition = '6'
)

type VolumeCondition byte

const (
	VolumeAny VolumeCondition = '1'
	VolumeMin VolumeCondition = '2'
	VolumeAll VolumeCondition = '3'
)

type ContingentCondition byte

const ContingentImmediately ContingentCondition = '1'

type ForceCloseReason byte

const ForceCloseNotForceClose ForceCloseReason = '0'

type ActionFlag byte

const ActionDelete ActionFlag = '0'

type PosiDirection byte

const (
	PosiNet   PosiDirection = '1'
	PosiLong  PosiDirection = '2'
	PosiShort PosiDirection = '3'
)

// OrderStatus as reported by the exchange.
type OrderStatus byte

const (
	StatusAllTraded             OrderStatus = '0'
	StatusPartTradedQueueing    OrderStatus = '1'
	StatusPartTradedNotQueueing OrderStatus = '2'
	StatusNoTradeQueueing       OrderStatus = '3'
	StatusNoTradeNotQueueing    OrderStatus = '4'
	StatusCanceled              OrderStatus = '5'
	StatusUnknown               OrderStatus = 'a'
	StatusNotTouched            OrderStatus = 'b'
	StatusTouched               OrderStatus = 'c'
)

var orderStatusNames = map[OrderStatus]string{
	StatusAllTraded:             "AllTraded",
	StatusPartTradedQueueing:    "PartTradedQueueing",
	StatusPartTradedNotQueueing: "PartTradedNotQueueing",
	StatusNoTradeQueueing:       "NoTradeQueueing",
	StatusNoTradeNotQueueing:    "NoTradeNotQueueing",
	StatusCanceled:              "Canceled",
	StatusUnknown:               "Unknown",
	StatusNotTouched:            "NotTouched",
	StatusTouched:               "Touched",
}

func (s OrderStatus) String() string {
	if n, ok := orderStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("OrderStatus(%q)", byte(s))
}

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	return s == StatusAllTraded || s == StatusCanceled || s == StatusPartTradedNotQueueing || s == StatusNoTradeNotQueueing
}

// OrderSubmitStatus tracks the order through the front before it reaches the book.
type OrderSubmitStatus byte

const (
	SubmitInsertSubmitted OrderSubmitStatus = '0'
	SubmitCancelSubmitted OrderSubmitStatus = '1'
	SubmitModifySubmitted OrderSubmitStatus = '2'
	SubmitAccepted        OrderSubmitStatus = '3'
	SubmitInsertRejected  OrderSubmitStatus = '4'
	SubmitCancelRejected  OrderSubmitStatus = '5'
)

func (s OrderSubmitStatus) String() string {
	switch s {
	case SubmitInsertSubmitted:
		return "InsertSubmitted"
	case SubmitCancelSubmitted:
		return "CancelSubmitted"
	case SubmitModifySubmitted:
		return "ModifySubmitted"
	case SubmitAccepted:
		return "Accepted"
	case SubmitInsertRejected:
		return "InsertRejected"
	case SubmitCancelRejected:
		return "CancelRejected"
	default:
		return fmt.Sprintf("OrderSubmitStatus(%q)", byte(s))
	}
}

// The single-character codes travel as one-letter JSON strings.

func marshalChar(b byte) ([]byte, error) {
	if b == 0 {
		return []byte{}, nil
	}
	return []byte{b}, nil
}

func unmarshalChar(text []byte) (byte, error) {
	switch len(text) {
	case 0:
		return 0, nil
	case 1:
		return text[0], nil
	}
	return 0, fmt.Errorf("expected a single character, got %q", text)
}

func (d Direction) MarshalText() ([]byte, error) { return marshalChar(byte(d)) }
func (d *Direction) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*d = Direction(b)
	return err
}

func (o OffsetFlag) MarshalText() ([]byte, error) { return marshalChar(byte(o)) }
func (o *OffsetFlag) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*o = OffsetFlag(b)
	return err
}

func (h HedgeFlag) MarshalText() ([]byte, error) { return marshalChar(byte(h)) }
func (h *HedgeFlag) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*h = HedgeFlag(b)
	return err
}

func (p OrderPriceType) MarshalText() ([]byte, error) { return marshalChar(byte(p)) }
func (p *OrderPriceType) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*p = OrderPriceType(b)
	return err
}

func (t TimeCondition) MarshalText() ([]byte, error) { return marshalChar(byte(t)) }
func (t *TimeCondition) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*t = TimeCondition(b)
	return err
}

func (v VolumeCondition) MarshalText() ([]byte, error) { return marshalChar(byte(v)) }
func (v *VolumeCondition) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*v = VolumeCondition(b)
	return err
}

func (c ContingentCondition) MarshalText() ([]byte, error) { return marshalChar(byte(c)) }
func (c *ContingentCondition) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*c = ContingentCondition(b)
	return err
}

func (f ForceCloseReason) MarshalText() ([]byte, error) { return marshalChar(byte(f)) }
func (f *ForceCloseReason) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*f = ForceCloseReason(b)
	return err
}

func (a ActionFlag) MarshalText() ([]byte, error) { return marshalChar(byte(a)) }
func (a *ActionFlag) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*a = ActionFlag(b)
	return err
}

func (p PosiDirection) MarshalText() ([]byte, error) { return marshalChar(byte(p)) }
func (p *PosiDirection) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*p = PosiDirection(b)
	return err
}

func (s OrderStatus) MarshalText() ([]byte, error) { return marshalChar(byte(s)) }
func (s *OrderStatus) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*s = OrderStatus(b)
	return err
}

func (s OrderSubmitStatus) MarshalText() ([]byte, error) { return marshalChar(byte(s)) }
func (s *OrderSubmitStatus) UnmarshalText(text []byte) error {
	b, err := unmarshalChar(text)
	*s = OrderSubmitStatus(b)
	return err
}
