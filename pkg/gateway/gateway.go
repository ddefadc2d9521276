// Package gateway composes the channel sessions, the cache, the event
// dispatcher and the order manager into one entry point with blocking
// adapters over the push-only front.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
	"github.com/luxfi/ctpgw/pkg/order"
	"github.com/luxfi/ctpgw/pkg/session"
)

var (
	ErrTimeout            = errors.New("timed out")
	ErrSettlementRejected = errors.New("settlement confirmation rejected")
)

// Config for a gateway.
type Config struct {
	BrokerID    string
	UserID      string
	Password    string
	AppID       string
	AuthCode    string
	ProductInfo string
	MdAddress   string
	TdAddress   string

	ConnectTimeout    time.Duration
	LoginTimeout      time.Duration
	SettlementTimeout time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 30 * time.Second
	}
	if c.SettlementTimeout <= 0 {
		c.SettlementTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

func (c Config) credentials() session.Credentials {
	return session.Credentials{
		BrokerID:    c.BrokerID,
		UserID:      c.UserID,
		Password:    c.Password,
		AppID:       c.AppID,
		AuthCode:    c.AuthCode,
		ProductInfo: c.ProductInfo,
	}
}

// Observer receives request, transition and dispatch notifications.
type Observer interface {
	session.Recorder
	EventFired(kind events.Kind)
	ListenerFault(kind events.Kind, err error)
}

type options struct {
	observer Observer
	policy   order.Policy
	clock    func() time.Time
}

type Option func(*options)

// WithMetrics reports gateway activity to o.
func WithMetrics(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithPolicy replaces the default order policy.
func WithPolicy(p order.Policy) Option {
	return func(opts *options) { opts.policy = p }
}

// WithClock sets the clock used for settlement confirmation timestamps.
func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.clock = now }
}

// Status of both channels.
type Status struct {
	Market session.Status `json:"md"`
	Trade  session.Status `json:"td"`
}

type Gateway struct {
	cfg    Config
	logger log.Logger

	corr   *correlator.Correlator
	cache  *cache.State
	events *events.Dispatcher
	md     *session.MarketSession
	td     *session.TradeSession
	orders *order.Manager

	closeOnce sync.Once
}

func New(cfg Config, mdAPI ctp.MdAPI, tdAPI ctp.TdAPI, logger log.Logger, opts ...Option) *Gateway {
	o := options{policy: order.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	var dispatchOpts []events.Option
	var recorder session.Recorder
	if o.observer != nil {
		recorder = o.observer
		dispatchOpts = append(dispatchOpts,
			events.WithFireHook(o.observer.EventFired),
			events.WithFaultHook(o.observer.ListenerFault))
	}

	g := &Gateway{
		cfg:    cfg,
		logger: logger,
		corr:   correlator.New(),
		cache:  cache.New(),
		events: events.NewDispatcher(logger.New("module", "events"), dispatchOpts...),
	}
	deps := session.Deps{
		Correlator: g.corr,
		Cache:      g.cache,
		Events:     g.events,
		Logger:     logger,
		Recorder:   recorder,
		Clock:      o.clock,
	}
	creds := cfg.credentials()
	g.md = session.NewMarketSession(mdAPI, cfg.MdAddress, creds, deps)
	g.td = session.NewTradeSession(tdAPI, cfg.TdAddress, creds, deps)
	g.orders = order.NewManager(g.td, g.corr, g.cache, o.policy, logger)
	return g
}

// Connect starts both channels and waits until both report connected.
// A timeout leaves the connection attempts running.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.md.Connect(); err != nil && !errors.Is(err, session.ErrAlreadyStarted) {
		return err
	}
	if err := g.td.Connect(); err != nil && !errors.Is(err, session.ErrAlreadyStarted) {
		return err
	}
	err := g.wait(ctx, g.cfg.ConnectTimeout, func(md, td session.Status) (bool, error) {
		return md.Connected && td.Connected, nil
	})
	if err != nil {
		st := g.Status()
		g.logger.Warn("Connect did not complete", "mdConnected", st.Market.Connected, "tdConnected", st.Trade.Connected, "error", err)
		return fmt.Errorf("connect: %w", err)
	}
	g.logger.Info("Both fronts connected")
	return nil
}

// WaitForLogin waits until both channels are logged in. A zero timeout
// uses the configured login timeout.
func (g *Gateway) WaitForLogin(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = g.cfg.LoginTimeout
	}
	err := g.wait(ctx, timeout, func(md, td session.Status) (bool, error) {
		return md.LoggedIn && td.LoggedIn, nil
	})
	if err != nil {
		return fmt.Errorf("wait for login: %w", err)
	}
	return nil
}

// ConfirmSettlement confirms the settlement statement and waits until the
// trading channel is ready. Rejections are not retried.
func (g *Gateway) ConfirmSettlement(ctx context.Context) error {
	if err := g.td.ConfirmSettlement(); err != nil {
		var se *ctp.SubmitError
		if errors.As(err, &se) {
			return fmt.Errorf("%w: %w", ErrSettlementRejected, err)
		}
		return err
	}
	err := g.wait(ctx, g.cfg.SettlementTimeout, func(_, td session.Status) (bool, error) {
		if td.SettlementConfirmed {
			return true, nil
		}
		if td.SettlementRejected {
			if td.LastError != nil {
				return false, fmt.Errorf("%w: error %d: %s", ErrSettlementRejected, td.LastError.ErrorID, td.LastError.ErrorMsg)
			}
			return false, ErrSettlementRejected
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("confirm settlement: %w", err)
	}
	return nil
}

// wait re-evaluates done on every session transition and on every poll
// tick until it reports true, fails, or the timeout or context expires.
func (g *Gateway) wait(ctx context.Context, timeout time.Duration, done func(md, td session.Status) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		mdChanged, tdChanged := g.md.Changed(), g.td.Changed()
		ok, err := done(g.md.Status(), g.td.Status())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		case <-mdChanged:
		case <-tdChanged:
		}
	}
}

func (g *Gateway) SubscribeMarketData(instruments ...string) error {
	return g.md.Subscribe(instruments...)
}

func (g *Gateway) UnsubscribeMarketData(instruments ...string) error {
	return g.md.Unsubscribe(instruments...)
}

func (g *Gateway) QueryAccount() error {
	return g.td.QueryAccount()
}

func (g *Gateway) QueryPositions() error {
	return g.td.QueryPositions()
}

// QueryInstruments queries one instrument, or all for an empty id.
func (g *Gateway) QueryInstruments(instrumentID string) error {
	return g.td.QueryInstruments(instrumentID)
}

// SendOrder places a limit order. direction is BUY or SELL; offset is
// OPEN, CLOSE, CLOSETODAY or CLOSEYESTERDAY.
func (g *Gateway) SendOrder(instrumentID, exchangeID, direction, offset string, price float64, volume int) (string, error) {
	d, err := ctp.ParseDirection(direction)
	if err != nil {
		return "", fmt.Errorf("%w: %v", order.ErrInvalidOrder, err)
	}
	o, err := ctp.ParseOffset(offset)
	if err != nil {
		return "", fmt.Errorf("%w: %v", order.ErrInvalidOrder, err)
	}
	return g.orders.SendOrder(instrumentID, exchangeID, d, o, price, volume)
}

func (g *Gateway) CancelOrder(instrumentID, exchangeID, orderSysID string) error {
	return g.orders.CancelOrder(instrumentID, exchangeID, orderSysID)
}

// RegisterCallback registers a listener for kind.
func (g *Gateway) RegisterCallback(kind events.Kind, l events.Listener) {
	g.events.Register(kind, l)
}

// Cache accessors

func (g *Gateway) GetMarketData(instrumentID string) (ctp.DepthMarketData, bool) {
	return g.cache.Tick(instrumentID)
}

func (g *Gateway) GetAllMarketData() map[string]ctp.DepthMarketData {
	return g.cache.Ticks()
}

func (g *Gateway) GetAccountInfo() (ctp.TradingAccount, bool) {
	return g.cache.Account()
}

func (g *Gateway) GetPositions() map[string]ctp.InvestorPosition {
	return g.cache.Positions()
}

// GetOrders returns every order record, including ones the exchange has
// not acknowledged yet.
func (g *Gateway) GetOrders() []ctp.Order {
	return g.cache.Orders()
}

func (g *Gateway) GetOrder(orderSysID string) (ctp.Order, bool) {
	return g.cache.OrderBySysID(orderSysID)
}

func (g *Gateway) GetTrades() []ctp.Trade {
	return g.cache.Trades()
}

func (g *Gateway) GetInstrument(instrumentID string) (ctp.Instrument, bool) {
	return g.cache.Instrument(instrumentID)
}

func (g *Gateway) GetInstruments() map[string]ctp.Instrument {
	return g.cache.Instruments()
}

func (g *Gateway) Status() Status {
	return Status{Market: g.md.Status(), Trade: g.td.Status()}
}

// Ready reports whether orders can be sent.
func (g *Gateway) Ready() bool {
	return g.td.State() == session.Ready
}

// Subscriptions lists the instruments kept subscribed.
func (g *Gateway) Subscriptions() []string {
	return g.md.Subscriptions()
}

// Retry restarts the handshake of every channel whose last attempt was
// rejected. It reports whether anything was restarted.
func (g *Gateway) Retry() bool {
	retried := false
	if g.md.State() == session.Connected && g.md.Retry() == nil {
		retried = true
	}
	if st := g.td.State(); (st == session.Connected || st == session.AuthFailed) && g.td.Retry() == nil {
		retried = true
	}
	return retried
}

// Close releases both channels.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.logger.Info("Releasing gateway")
		g.md.Release()
		g.td.Release()
		g.events.Fire(events.GatewayClosed, nil)
	})
}
