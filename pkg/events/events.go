// Package events fans gateway notifications out to registered listeners.
package events

import (
	"fmt"
	"sync"

	"github.com/luxfi/log"
)

// Kind names an event.
type Kind string

const (
	MdConnected        Kind = "md_connected"
	MdDisconnected     Kind = "md_disconnected"
	MdLoginSuccess     Kind = "md_login_success"
	MdLoginFailed      Kind = "md_login_failed"
	MdError            Kind = "md_error"
	SubscribeSuccess   Kind = "subscribe_success"
	SubscribeFailed    Kind = "subscribe_failed"
	UnsubscribeSuccess Kind = "unsubscribe_success"
	UnsubscribeFailed  Kind = "unsubscribe_failed"
	MarketData         Kind = "market_data"

	TdConnected             Kind = "td_connected"
	TdDisconnected          Kind = "td_disconnected"
	TdAuthSuccess           Kind = "td_auth_success"
	TdAuthFailed            Kind = "td_auth_failed"
	TdLoginSuccess          Kind = "td_login_success"
	TdLoginFailed           Kind = "td_login_failed"
	TdError                 Kind = "td_error"
	SettlementConfirmed     Kind = "settlement_confirmed"
	SettlementConfirmFailed Kind = "settlement_confirm_failed"
	AccountData             Kind = "account_data"
	PositionData            Kind = "position_data"
	InstrumentData          Kind = "instrument_data"
	OrderUpdate             Kind = "order_update"
	TradeUpdate             Kind = "trade_update"
	OrderInsertFailed       Kind = "order_insert_failed"
	OrderActionFailed       Kind = "order_action_failed"

	GatewayClosed Kind = "gateway_closed"
)

// Event is what listeners receive. Payload is the typed record for the
// kind (a *ctp.Order for OrderUpdate, a Failure for the failed kinds, the
// reason code for disconnects) or nil.
type Event struct {
	Kind    Kind
	Payload interface{}
}

// Failure is the payload of the failed and error kinds. Data is the record
// the failure refers to, when the front supplied one.
type Failure struct {
	ErrorID  int         `json:"errorId"`
	ErrorMsg string      `json:"errorMsg"`
	Data     interface{} `json:"data,omitempty"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("error %d: %s", f.ErrorID, f.ErrorMsg)
}

// Listener handles one event. Returned errors are logged and otherwise ignored.
type Listener func(Event) error

// FaultHook is told about every listener that errored or panicked.
type FaultHook func(kind Kind, err error)

// FireHook is told about every fired event.
type FireHook func(kind Kind)

type Option func(*Dispatcher)

func WithFaultHook(h FaultHook) Option {
	return func(d *Dispatcher) { d.onFault = h }
}

func WithFireHook(h FireHook) Option {
	return func(d *Dispatcher) { d.onFire = h }
}

// Dispatcher delivers events synchronously, in registration order, on the
// goroutine that fires them. A failing listener never stops the others.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	logger    log.Logger
	onFault   FaultHook
	onFire    FireHook
}

func NewDispatcher(logger log.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[Kind][]Listener),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register appends a listener for the kind. Registration is allowed at any
// time; a Fire already in progress does not see it.
func (d *Dispatcher) Register(kind Kind, l Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.listeners[kind] = append(d.listeners[kind], l)
	d.mu.Unlock()
}

// RegisterAll registers the same listener for several kinds.
func (d *Dispatcher) RegisterAll(l Listener, kinds ...Kind) {
	for _, k := range kinds {
		d.Register(k, l)
	}
}

// Fire invokes every listener registered for kind.
func (d *Dispatcher) Fire(kind Kind, payload interface{}) {
	d.mu.RLock()
	snapshot := make([]Listener, len(d.listeners[kind]))
	copy(snapshot, d.listeners[kind])
	d.mu.RUnlock()

	if d.onFire != nil {
		d.onFire(kind)
	}

	ev := Event{Kind: kind, Payload: payload}
	for i, l := range snapshot {
		if err := d.invoke(l, ev); err != nil {
			d.logger.Warn("Event listener failed", "event", string(kind), "listener", i, "error", err)
			if d.onFault != nil {
				d.onFault(kind, err)
			}
		}
	}
}

func (d *Dispatcher) invoke(l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l(ev)
}

// Count returns how many listeners are registered for kind.
func (d *Dispatcher) Count(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[kind])
}
