// Package natsfront implements the front APIs over NATS for deployments
// where the native SDK runs in a sidecar process.
//
// Requests go to "<prefix>.<md|td>.req.<Method>" as request/reply and the
// sidecar answers with the submit code. Callbacks arrive on
// "<prefix>.<md|td>.rsp.<Hook>" and are converted to typed records before
// they reach the registered SPI.
package natsfront

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

const (
	DefaultPrefix  = "ctp"
	DefaultTimeout = 5 * time.Second

	// TransportFailure is returned by every Req method when the request
	// never reached the sidecar or its reply was unreadable.
	TransportFailure = -1
)

// Conn is the subset of *nats.Conn the fronts use.
type Conn interface {
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Envelope is the body of every callback message.
type Envelope struct {
	Data      ctp.Fields `json:"data,omitempty"`
	Error     ctp.Fields `json:"error,omitempty"`
	RequestID int        `json:"request_id"`
	IsLast    bool       `json:"is_last"`
	Reason    int        `json:"reason,omitempty"`
}

type request struct {
	RequestID int         `json:"request_id"`
	Data      interface{} `json:"data,omitempty"`
}

type reply struct {
	Code int `json:"code"`
}

type Option func(*link)

func WithPrefix(prefix string) Option {
	return func(l *link) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(l *link) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMessageHook calls fn with "published" for every request sent and
// "received" for every callback delivered.
func WithMessageHook(fn func(direction string)) Option {
	return func(l *link) { l.onMessage = fn }
}

// link is one channel's request and callback plumbing.
type link struct {
	conn      Conn
	channel   ctp.Channel
	prefix    string
	timeout   time.Duration
	logger    log.Logger
	onMessage func(string)

	mu       sync.Mutex
	front    string
	sub      *nats.Subscription
	dispatch func(hook string, env *Envelope)
}

func newLink(conn Conn, ch ctp.Channel, logger log.Logger, opts []Option) *link {
	l := &link{
		conn:    conn,
		channel: ch,
		prefix:  DefaultPrefix,
		timeout: DefaultTimeout,
		logger:  logger.New("module", "natsfront", "channel", string(ch)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *link) subject(kind, name string) string {
	return fmt.Sprintf("%s.%s.%s.%s", l.prefix, l.channel, kind, name)
}

func (l *link) count(direction string) {
	if l.onMessage != nil {
		l.onMessage(direction)
	}
}

// request sends one call and returns the sidecar's submit code.
func (l *link) request(method string, requestID int, data interface{}) int {
	body, err := json.Marshal(request{RequestID: requestID, Data: data})
	if err != nil {
		l.logger.Error("Failed to encode request", "method", method, "error", err)
		return TransportFailure
	}
	msg, err := l.conn.Request(l.subject("req", method), body, l.timeout)
	if err != nil {
		l.logger.Warn("Request failed", "method", method, "requestId", requestID, "error", err)
		return TransportFailure
	}
	l.count("published")

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		l.logger.Warn("Unreadable reply", "method", method, "error", err)
		return TransportFailure
	}
	return r.Code
}

func (l *link) registerFront(address string) {
	l.mu.Lock()
	l.front = address
	l.mu.Unlock()
}

// start subscribes to the channel's callbacks and asks the sidecar to
// connect. A single subscription delivers callbacks one at a time in
// arrival order.
func (l *link) start() {
	l.mu.Lock()
	if l.sub == nil {
		sub, err := l.conn.Subscribe(l.subject("rsp", "*"), l.handle)
		if err != nil {
			l.mu.Unlock()
			l.logger.Error("Failed to subscribe to callbacks", "error", err)
			return
		}
		l.sub = sub
	}
	front := l.front
	l.mu.Unlock()

	if code := l.request("Init", 0, map[string]string{"front": front}); code != 0 {
		l.logger.Error("Sidecar refused Init", "front", front, "code", code)
	}
}

func (l *link) stop() {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			l.logger.Debug("Unsubscribe failed", "error", err)
		}
	}
	l.request("Release", 0, nil)
}

func (l *link) handle(m *nats.Msg) {
	hook := m.Subject[strings.LastIndexByte(m.Subject, '.')+1:]
	var env Envelope
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &env); err != nil {
			l.logger.Warn("Dropping unreadable callback", "hook", hook, "error", err)
			return
		}
	}
	l.count("received")
	l.dispatch(hook, &env)
}

// MdFront is a market data front served by a sidecar.
type MdFront struct {
	*link
	spi ctp.MdSpi
}

var _ ctp.MdAPI = (*MdFront)(nil)

func NewMdFront(conn Conn, logger log.Logger, opts ...Option) *MdFront {
	f := &MdFront{link: newLink(conn, ctp.ChannelMarket, logger, opts)}
	f.link.dispatch = f.dispatch
	return f
}

func (f *MdFront) RegisterSpi(spi ctp.MdSpi)     { f.spi = spi }
func (f *MdFront) RegisterFront(address string) { f.registerFront(address) }
func (f *MdFront) Init()                        { f.start() }
func (f *MdFront) Release()                     { f.stop() }

func (f *MdFront) ReqUserLogin(req *ctp.ReqUserLogin, requestID int) int {
	return f.request("ReqUserLogin", requestID, req)
}

func (f *MdFront) SubscribeMarketData(instrumentID string) int {
	return f.request("SubscribeMarketData", 0, map[string]string{"InstrumentID": instrumentID})
}

func (f *MdFront) UnSubscribeMarketData(instrumentID string) int {
	return f.request("UnSubscribeMarketData", 0, map[string]string{"InstrumentID": instrumentID})
}

func (f *MdFront) dispatch(hook string, env *Envelope) {
	if f.spi == nil {
		return
	}
	info := env.Error.RspInfo()
	switch hook {
	case "OnFrontConnected":
		f.spi.OnFrontConnected()
	case "OnFrontDisconnected":
		f.spi.OnFrontDisconnected(env.Reason)
	case "OnRspUserLogin":
		f.spi.OnRspUserLogin(env.Data.RspUserLogin(), info, env.RequestID, env.IsLast)
	case "OnRspError":
		f.spi.OnRspError(info, env.RequestID, env.IsLast)
	case "OnRspSubMarketData":
		f.spi.OnRspSubMarketData(env.Data.SpecificInstrument(), info, env.RequestID, env.IsLast)
	case "OnRspUnSubMarketData":
		f.spi.OnRspUnSubMarketData(env.Data.SpecificInstrument(), info, env.RequestID, env.IsLast)
	case "OnRtnDepthMarketData":
		if tick := env.Data.DepthMarketData(); tick != nil {
			f.spi.OnRtnDepthMarketData(tick)
		}
	default:
		f.logger.Debug("Ignoring unknown callback", "hook", hook)
	}
}

// TdFront is a trading front served by a sidecar.
type TdFront struct {
	*link
	spi ctp.TdSpi
}

var _ ctp.TdAPI = (*TdFront)(nil)

func NewTdFront(conn Conn, logger log.Logger, opts ...Option) *TdFront {
	f := &TdFront{link: newLink(conn, ctp.ChannelTrade, logger, opts)}
	f.link.dispatch = f.dispatch
	return f
}

func (f *TdFront) RegisterSpi(spi ctp.TdSpi)     { f.spi = spi }
func (f *TdFront) RegisterFront(address string) { f.registerFront(address) }
func (f *TdFront) Init()                        { f.start() }
func (f *TdFront) Release()                     { f.stop() }

func (f *TdFront) ReqAuthenticate(req *ctp.ReqAuthenticate, requestID int) int {
	return f.request("ReqAuthenticate", requestID, req)
}

func (f *TdFront) ReqUserLogin(req *ctp.ReqUserLogin, requestID int) int {
	return f.request("ReqUserLogin", requestID, req)
}

func (f *TdFront) ReqSettlementInfoConfirm(req *ctp.SettlementInfoConfirm, requestID int) int {
	return f.request("ReqSettlementInfoConfirm", requestID, req)
}

func (f *TdFront) ReqQryTradingAccount(req *ctp.QryTradingAccount, requestID int) int {
	return f.request("ReqQryTradingAccount", requestID, req)
}

func (f *TdFront) ReqQryInvestorPosition(req *ctp.QryInvestorPosition, requestID int) int {
	return f.request("ReqQryInvestorPosition", requestID, req)
}

func (f *TdFront) ReqQryInstrument(req *ctp.QryInstrument, requestID int) int {
	return f.request("ReqQryInstrument", requestID, req)
}

func (f *TdFront) ReqOrderInsert(req *ctp.InputOrder, requestID int) int {
	return f.request("ReqOrderInsert", requestID, req)
}

func (f *TdFront) ReqOrderAction(req *ctp.InputOrderAction, requestID int) int {
	return f.request("ReqOrderAction", requestID, req)
}

func (f *TdFront) dispatch(hook string, env *Envelope) {
	if f.spi == nil {
		return
	}
	info := env.Error.RspInfo()
	id, last := env.RequestID, env.IsLast
	switch hook {
	case "OnFrontConnected":
		f.spi.OnFrontConnected()
	case "OnFrontDisconnected":
		f.spi.OnFrontDisconnected(env.Reason)
	case "OnRspAuthenticate":
		f.spi.OnRspAuthenticate(env.Data.RspAuthenticate(), info, id, last)
	case "OnRspUserLogin":
		f.spi.OnRspUserLogin(env.Data.RspUserLogin(), info, id, last)
	case "OnRspSettlementInfoConfirm":
		f.spi.OnRspSettlementInfoConfirm(env.Data.SettlementInfoConfirm(), info, id, last)
	case "OnRspQryTradingAccount":
		f.spi.OnRspQryTradingAccount(env.Data.TradingAccount(), info, id, last)
	case "OnRspQryInvestorPosition":
		f.spi.OnRspQryInvestorPosition(env.Data.InvestorPosition(), info, id, last)
	case "OnRspQryInstrument":
		f.spi.OnRspQryInstrument(env.Data.Instrument(), info, id, last)
	case "OnRspOrderInsert":
		f.spi.OnRspOrderInsert(env.Data.InputOrder(), info, id, last)
	case "OnErrRtnOrderInsert":
		f.spi.OnErrRtnOrderInsert(env.Data.InputOrder(), info)
	case "OnRspOrderAction":
		f.spi.OnRspOrderAction(env.Data.InputOrderAction(), info, id, last)
	case "OnErrRtnOrderAction":
		f.spi.OnErrRtnOrderAction(env.Data.InputOrderAction(), info)
	case "OnRtnOrder":
		if o := env.Data.Order(); o != nil {
			f.spi.OnRtnOrder(o)
		}
	case "OnRtnTrade":
		if t := env.Data.Trade(); t != nil {
			f.spi.OnRtnTrade(t)
		}
	case "OnRspError":
		f.spi.OnRspError(info, id, last)
	default:
		f.logger.Debug("Ignoring unknown callback", "hook", hook)
	}
}
