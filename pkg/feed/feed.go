// Package feed turns gateway events into topic-addressed frames for
// message-bus fan-out. Topics are prefix-filterable: "tick.<instrument>",
// "order", "trade", "account", "position" and "session.<md|td>".
package feed

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

const (
	TickPrefix    = "tick."
	OrderTopic    = "order"
	TradeTopic    = "trade"
	AccountTopic  = "account"
	PositionTopic = "position"
	SessionPrefix = "session."
)

// Envelope is the body of every frame.
type Envelope struct {
	Kind      events.Kind     `json:"kind"`
	Sequence  uint64          `json:"seq"`
	Timestamp int64           `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers one encoded frame.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Registrar is satisfied by the gateway facade.
type Registrar interface {
	RegisterCallback(kind events.Kind, l events.Listener)
}

// Topic maps an event onto its frame topic. Events with no topic are not
// published.
func Topic(e events.Event) (string, bool) {
	switch e.Kind {
	case events.MarketData:
		tick, ok := e.Payload.(*ctp.DepthMarketData)
		if !ok {
			return "", false
		}
		return TickPrefix + tick.InstrumentID, true
	case events.OrderUpdate, events.OrderInsertFailed, events.OrderActionFailed:
		return OrderTopic, true
	case events.TradeUpdate:
		return TradeTopic, true
	case events.AccountData:
		return AccountTopic, true
	case events.PositionData:
		return PositionTopic, true
	case events.MdConnected, events.MdDisconnected, events.MdLoginSuccess, events.MdLoginFailed:
		return SessionPrefix + string(ctp.ChannelMarket), true
	case events.TdConnected, events.TdDisconnected, events.TdAuthSuccess, events.TdAuthFailed,
		events.TdLoginSuccess, events.TdLoginFailed, events.SettlementConfirmed, events.SettlementConfirmFailed:
		return SessionPrefix + string(ctp.ChannelTrade), true
	}
	return "", false
}

// Encoder numbers frames in publish order.
type Encoder struct {
	seq uint64
	now func() time.Time
}

func NewEncoder() *Encoder {
	return &Encoder{now: time.Now}
}

// Encode returns the topic and body for e, or ok=false when e has no topic.
func (enc *Encoder) Encode(e events.Event) (topic string, body []byte, ok bool, err error) {
	topic, ok = Topic(e)
	if !ok {
		return "", nil, false, nil
	}

	env := Envelope{
		Kind:      e.Kind,
		Sequence:  atomic.AddUint64(&enc.seq, 1),
		Timestamp: enc.now().UnixMilli(),
	}
	if e.Payload != nil {
		if env.Data, err = json.Marshal(e.Payload); err != nil {
			return "", nil, false, fmt.Errorf("encode %s: %w", e.Kind, err)
		}
	}
	body, err = json.Marshal(env)
	if err != nil {
		return "", nil, false, err
	}
	return topic, body, true, nil
}

// Decode parses a frame body.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Feed publishes every topic-mapped gateway event through a Publisher.
type Feed struct {
	pub    Publisher
	enc    *Encoder
	logger log.Logger

	published uint64
	failed    uint64
}

func New(pub Publisher, logger log.Logger) *Feed {
	return &Feed{pub: pub, enc: NewEncoder(), logger: logger.New("module", "feed")}
}

var publishedKinds = []events.Kind{
	events.MarketData,
	events.OrderUpdate, events.OrderInsertFailed, events.OrderActionFailed,
	events.TradeUpdate, events.AccountData, events.PositionData,
	events.MdConnected, events.MdDisconnected, events.MdLoginSuccess, events.MdLoginFailed,
	events.TdConnected, events.TdDisconnected, events.TdAuthSuccess, events.TdAuthFailed,
	events.TdLoginSuccess, events.TdLoginFailed, events.SettlementConfirmed, events.SettlementConfirmFailed,
}

// Attach registers the feed for every published kind.
func (f *Feed) Attach(r Registrar) {
	for _, kind := range publishedKinds {
		r.RegisterCallback(kind, f.Handle)
	}
}

// Handle publishes one event. It is an events.Listener.
func (f *Feed) Handle(e events.Event) error {
	topic, body, ok, err := f.enc.Encode(e)
	if err != nil || !ok {
		return err
	}
	if err := f.pub.Publish(topic, body); err != nil {
		atomic.AddUint64(&f.failed, 1)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	atomic.AddUint64(&f.published, 1)
	return nil
}

// Stats reports published and failed frame counts.
func (f *Feed) Stats() (published, failed uint64) {
	return atomic.LoadUint64(&f.published), atomic.LoadUint64(&f.failed)
}
