// Package order builds, submits and cancels orders on the trading channel.
package order

import (
	"errors"
	"fmt"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/session"
)

var (
	ErrNotReady     = errors.New("trading session not ready")
	ErrNotLoggedIn  = errors.New("trading session not logged in")
	ErrUnknownOrder = errors.New("unknown order")
	ErrInvalidOrder = errors.New("invalid order")
)

// Trader is the part of the trading session the manager needs.
type Trader interface {
	Status() session.Status
	Credentials() session.Credentials
	SubmitOrder(req *ctp.InputOrder) error
	SubmitAction(req *ctp.InputOrderAction) error
}

// Policy holds the order attributes that are not chosen per order.
type Policy struct {
	PriceType        ctp.OrderPriceType
	TimeCondition    ctp.TimeCondition
	VolumeCondition  ctp.VolumeCondition
	MinVolume        int
	HedgeFlag        ctp.HedgeFlag
	Contingent       ctp.ContingentCondition
	ForceCloseReason ctp.ForceCloseReason
	AutoSuspend      bool
	// RoundToTick snaps limit prices to the instrument's tick size when the
	// instrument is known.
	RoundToTick bool
}

// DefaultPolicy is a good-for-day speculative limit order.
func DefaultPolicy() Policy {
	return Policy{
		PriceType:        ctp.PriceLimit,
		TimeCondition:    ctp.TimeGFD,
		VolumeCondition:  ctp.VolumeAny,
		MinVolume:        1,
		HedgeFlag:        ctp.HedgeSpeculation,
		Contingent:       ctp.ContingentImmediately,
		ForceCloseReason: ctp.ForceCloseNotForceClose,
	}
}

type Manager struct {
	trader Trader
	corr   *correlator.Correlator
	cache  *cache.State
	policy Policy
	logger log.Logger
}

func NewManager(trader Trader, corr *correlator.Correlator, state *cache.State, policy Policy, logger log.Logger) *Manager {
	return &Manager{
		trader: trader,
		corr:   corr,
		cache:  state,
		policy: policy,
		logger: logger.New("module", "order"),
	}
}

// SendOrder submits a limit order and returns its order reference.
func (m *Manager) SendOrder(instrumentID, exchangeID string, direction ctp.Direction, offset ctp.OffsetFlag, price float64, volume int) (string, error) {
	st := m.trader.Status()
	if st.State != session.Ready {
		return "", ErrNotReady
	}
	if volume <= 0 {
		return "", fmt.Errorf("%w: volume %d", ErrInvalidOrder, volume)
	}
	if instrumentID == "" {
		return "", fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	}

	creds := m.trader.Credentials()
	ref := m.corr.NextOrderRef()
	req := &ctp.InputOrder{
		BrokerID:            creds.BrokerID,
		InvestorID:          creds.UserID,
		UserID:              creds.UserID,
		InstrumentID:        instrumentID,
		ExchangeID:          exchangeID,
		OrderRef:            ref,
		OrderPriceType:      m.policy.PriceType,
		Direction:           direction,
		CombOffsetFlag:      offset,
		CombHedgeFlag:       m.policy.HedgeFlag,
		LimitPrice:          m.price(instrumentID, price),
		VolumeTotalOriginal: volume,
		TimeCondition:       m.policy.TimeCondition,
		VolumeCondition:     m.policy.VolumeCondition,
		MinVolume:           m.policy.MinVolume,
		ContingentCondition: m.policy.Contingent,
		ForceCloseReason:    m.policy.ForceCloseReason,
		IsAutoSuspend:       m.policy.AutoSuspend,
	}

	m.cache.InsertOrder(ctp.Order{
		BrokerID:            req.BrokerID,
		InvestorID:          req.InvestorID,
		InstrumentID:        req.InstrumentID,
		ExchangeID:          req.ExchangeID,
		OrderRef:            ref,
		FrontID:             st.FrontID,
		SessionID:           st.SessionID,
		Direction:           direction,
		CombOffsetFlag:      offset,
		CombHedgeFlag:       req.CombHedgeFlag,
		OrderPriceType:      req.OrderPriceType,
		LimitPrice:          req.LimitPrice,
		VolumeTotalOriginal: volume,
		VolumeTotal:         volume,
		OrderStatus:         ctp.StatusUnknown,
		OrderSubmitStatus:   ctp.SubmitInsertSubmitted,
		TradingDay:          st.TradingDay,
	})

	if err := m.trader.SubmitOrder(req); err != nil {
		m.cache.MarkOrder(cache.OrderKey(st.FrontID, st.SessionID, ref), ctp.SubmitInsertRejected, err.Error())
		m.logger.Warn("Order submit rejected", "orderRef", ref, "instrument", instrumentID, "error", err)
		return "", err
	}

	m.logger.Info("Order sent",
		"orderRef", ref,
		"instrument", instrumentID,
		"direction", direction.String(),
		"offset", offset.String(),
		"price", req.LimitPrice,
		"volume", volume)
	return ref, nil
}

// CancelOrder cancels the order known by its exchange system id.
func (m *Manager) CancelOrder(instrumentID, exchangeID, orderSysID string) error {
	if !m.trader.Status().LoggedIn {
		return ErrNotLoggedIn
	}
	o, ok := m.cache.OrderBySysID(orderSysID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderSysID)
	}
	if instrumentID == "" {
		instrumentID = o.InstrumentID
	}
	if exchangeID == "" {
		exchangeID = o.ExchangeID
	}

	creds := m.trader.Credentials()
	req := &ctp.InputOrderAction{
		BrokerID:     creds.BrokerID,
		InvestorID:   creds.UserID,
		UserID:       creds.UserID,
		InstrumentID: instrumentID,
		ExchangeID:   exchangeID,
		OrderSysID:   orderSysID,
		OrderRef:     o.OrderRef,
		FrontID:      o.FrontID,
		SessionID:    o.SessionID,
		ActionFlag:   ctp.ActionDelete,
	}
	if err := m.trader.SubmitAction(req); err != nil {
		m.logger.Warn("Cancel submit rejected", "orderSysID", orderSysID, "error", err)
		return err
	}
	m.logger.Info("Cancel sent", "orderSysID", orderSysID, "orderRef", o.OrderRef)
	return nil
}

func (m *Manager) price(instrumentID string, price float64) float64 {
	if !m.policy.RoundToTick {
		return price
	}
	inst, ok := m.cache.Instrument(instrumentID)
	if !ok || inst.PriceTick <= 0 {
		return price
	}
	return RoundToTick(price, inst.PriceTick)
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	rounded := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t)
	f, _ := rounded.Float64()
	return f
}
