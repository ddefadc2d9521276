package natsfront

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

// Bus is the subset of *nats.Conn the sidecar uses.
type Bus interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Sidecar serves a pair of front APIs over NATS: the far end of MdFront
// and TdFront. Requests are decoded into typed records and passed to the
// APIs; their callbacks are published back as envelopes.
type Sidecar struct {
	bus    Bus
	prefix string
	md     ctp.MdAPI
	td     ctp.TdAPI
	logger log.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// callback is the outbound form of Envelope.
type callback struct {
	Data      interface{}  `json:"data,omitempty"`
	Error     *ctp.RspInfo `json:"error,omitempty"`
	RequestID int          `json:"request_id"`
	IsLast    bool         `json:"is_last"`
	Reason    int          `json:"reason,omitempty"`
}

func NewSidecar(bus Bus, prefix string, md ctp.MdAPI, td ctp.TdAPI, logger log.Logger) *Sidecar {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Sidecar{
		bus:    bus,
		prefix: prefix,
		md:     md,
		td:     td,
		logger: logger.New("module", "sidecar"),
	}
	md.RegisterSpi(&mdBridge{s})
	td.RegisterSpi(&tdBridge{s})
	return s
}

// Start subscribes to both request subjects.
func (s *Sidecar) Start() error {
	for _, ch := range []ctp.Channel{ctp.ChannelMarket, ctp.ChannelTrade} {
		subject := fmt.Sprintf("%s.%s.req.*", s.prefix, ch)
		sub, err := s.bus.Subscribe(subject, func(m *nats.Msg) {
			body := s.Serve(m.Subject, m.Data)
			if m.Reply == "" {
				return
			}
			if err := m.Respond(body); err != nil {
				s.logger.Warn("Failed to reply", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("Sidecar serving", "prefix", s.prefix)
	return nil
}

func (s *Sidecar) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
}

// Serve handles one request and returns the reply body.
func (s *Sidecar) Serve(subject string, data []byte) []byte {
	code := s.serve(subject, data)
	body, _ := json.Marshal(reply{Code: code})
	return body
}

func (s *Sidecar) serve(subject string, data []byte) int {
	parts := strings.Split(strings.TrimPrefix(subject, s.prefix+"."), ".")
	if len(parts) != 3 || parts[1] != "req" {
		s.logger.Warn("Unexpected request subject", "subject", subject)
		return TransportFailure
	}
	var req struct {
		RequestID int             `json:"request_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("Unreadable request", "subject", subject, "error", err)
		return TransportFailure
	}

	var (
		code int
		err  error
	)
	switch ctp.Channel(parts[0]) {
	case ctp.ChannelMarket:
		code, err = s.serveMarket(parts[2], req.RequestID, req.Data)
	case ctp.ChannelTrade:
		code, err = s.serveTrade(parts[2], req.RequestID, req.Data)
	default:
		err = fmt.Errorf("unknown channel %q", parts[0])
	}
	if err != nil {
		s.logger.Warn("Rejected request", "subject", subject, "error", err)
		return TransportFailure
	}
	return code
}

func decodeInto(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *Sidecar) serveMarket(method string, id int, data json.RawMessage) (int, error) {
	switch method {
	case "Init":
		var p struct {
			Front string `json:"front"`
		}
		if err := decodeInto(data, &p); err != nil {
			return 0, err
		}
		s.md.RegisterFront(p.Front)
		s.md.Init()
		return 0, nil
	case "Release":
		s.md.Release()
		return 0, nil
	case "ReqUserLogin":
		var req ctp.ReqUserLogin
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.md.ReqUserLogin(&req, id), nil
	case "SubscribeMarketData", "UnSubscribeMarketData":
		var p ctp.SpecificInstrument
		if err := decodeInto(data, &p); err != nil {
			return 0, err
		}
		if method == "SubscribeMarketData" {
			return s.md.SubscribeMarketData(p.InstrumentID), nil
		}
		return s.md.UnSubscribeMarketData(p.InstrumentID), nil
	}
	return 0, fmt.Errorf("unknown method %q", method)
}

func (s *Sidecar) serveTrade(method string, id int, data json.RawMessage) (int, error) {
	switch method {
	case "Init":
		var p struct {
			Front string `json:"front"`
		}
		if err := decodeInto(data, &p); err != nil {
			return 0, err
		}
		s.td.RegisterFront(p.Front)
		s.td.Init()
		return 0, nil
	case "Release":
		s.td.Release()
		return 0, nil
	case "ReqAuthenticate":
		var req ctp.ReqAuthenticate
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqAuthenticate(&req, id), nil
	case "ReqUserLogin":
		var req ctp.ReqUserLogin
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqUserLogin(&req, id), nil
	case "ReqSettlementInfoConfirm":
		var req ctp.SettlementInfoConfirm
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqSettlementInfoConfirm(&req, id), nil
	case "ReqQryTradingAccount":
		var req ctp.QryTradingAccount
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqQryTradingAccount(&req, id), nil
	case "ReqQryInvestorPosition":
		var req ctp.QryInvestorPosition
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqQryInvestorPosition(&req, id), nil
	case "ReqQryInstrument":
		var req ctp.QryInstrument
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqQryInstrument(&req, id), nil
	case "ReqOrderInsert":
		var req ctp.InputOrder
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqOrderInsert(&req, id), nil
	case "ReqOrderAction":
		var req ctp.InputOrderAction
		if err := decodeInto(data, &req); err != nil {
			return 0, err
		}
		return s.td.ReqOrderAction(&req, id), nil
	}
	return 0, fmt.Errorf("unknown method %q", method)
}

func (s *Sidecar) publish(ch ctp.Channel, hook string, cb callback) {
	body, err := json.Marshal(cb)
	if err != nil {
		s.logger.Error("Failed to encode callback", "hook", hook, "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%s.rsp.%s", s.prefix, ch, hook)
	if err := s.bus.Publish(subject, body); err != nil {
		s.logger.Warn("Failed to publish callback", "subject", subject, "error", err)
	}
}

// record turns a nil pointer into a nil interface so omitempty drops it.
func record[T any](p *T) interface{} {
	if p == nil {
		return nil
	}
	return p
}

type mdBridge struct{ s *Sidecar }

func (b *mdBridge) emit(hook string, cb callback) { b.s.publish(ctp.ChannelMarket, hook, cb) }

func (b *mdBridge) OnFrontConnected() { b.emit("OnFrontConnected", callback{}) }
func (b *mdBridge) OnFrontDisconnected(reason int) {
	b.emit("OnFrontDisconnected", callback{Reason: reason})
}
func (b *mdBridge) OnRspUserLogin(data *ctp.RspUserLogin, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspUserLogin", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *mdBridge) OnRspError(info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspError", callback{Error: info, RequestID: id, IsLast: last})
}
func (b *mdBridge) OnRspSubMarketData(data *ctp.SpecificInstrument, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspSubMarketData", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *mdBridge) OnRspUnSubMarketData(data *ctp.SpecificInstrument, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspUnSubMarketData", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *mdBridge) OnRtnDepthMarketData(data *ctp.DepthMarketData) {
	b.emit("OnRtnDepthMarketData", callback{Data: record(data)})
}

type tdBridge struct{ s *Sidecar }

func (b *tdBridge) emit(hook string, cb callback) { b.s.publish(ctp.ChannelTrade, hook, cb) }

func (b *tdBridge) OnFrontConnected() { b.emit("OnFrontConnected", callback{}) }
func (b *tdBridge) OnFrontDisconnected(reason int) {
	b.emit("OnFrontDisconnected", callback{Reason: reason})
}
func (b *tdBridge) OnRspAuthenticate(data *ctp.RspAuthenticate, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspAuthenticate", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspUserLogin(data *ctp.RspUserLogin, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspUserLogin", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspSettlementInfoConfirm(data *ctp.SettlementInfoConfirm, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspSettlementInfoConfirm", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspQryTradingAccount(data *ctp.TradingAccount, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspQryTradingAccount", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspQryInvestorPosition(data *ctp.InvestorPosition, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspQryInvestorPosition", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspQryInstrument(data *ctp.Instrument, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspQryInstrument", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnRspOrderInsert(data *ctp.InputOrder, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspOrderInsert", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnErrRtnOrderInsert(data *ctp.InputOrder, info *ctp.RspInfo) {
	b.emit("OnErrRtnOrderInsert", callback{Data: record(data), Error: info})
}
func (b *tdBridge) OnRspOrderAction(data *ctp.InputOrderAction, info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspOrderAction", callback{Data: record(data), Error: info, RequestID: id, IsLast: last})
}
func (b *tdBridge) OnErrRtnOrderAction(data *ctp.InputOrderAction, info *ctp.RspInfo) {
	b.emit("OnErrRtnOrderAction", callback{Data: record(data), Error: info})
}
func (b *tdBridge) OnRtnOrder(data *ctp.Order) { b.emit("OnRtnOrder", callback{Data: record(data)}) }
func (b *tdBridge) OnRtnTrade(data *ctp.Trade) { b.emit("OnRtnTrade", callback{Data: record(data)}) }
func (b *tdBridge) OnRspError(info *ctp.RspInfo, id int, last bool) {
	b.emit("OnRspError", callback{Error: info, RequestID: id, IsLast: last})
}
