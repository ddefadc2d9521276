// Package session drives the handshake of the market data and trading
// channels and turns front callbacks into cache updates and events.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/cache"
	"github.com/luxfi/ctpgw/pkg/correlator"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotConnected   = errors.New("session not connected")
	ErrNotLoggedIn    = errors.New("session not logged in")
)

// State of a channel session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	LoggingIn
	LoggedIn
	SettlementPending
	Ready
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case LoggingIn:
		return "LoggingIn"
	case LoggedIn:
		return "LoggedIn"
	case SettlementPending:
		return "SettlementPending"
	case Ready:
		return "Ready"
	case AuthFailed:
		return "AuthFailed"
	default:
		return "Unknown"
	}
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	Channel             ctp.Channel  `json:"channel"`
	State               State        `json:"-"`
	StateName           string       `json:"state"`
	Connected           bool         `json:"connected"`
	Authenticated       bool         `json:"authenticated"`
	LoggedIn            bool         `json:"loggedIn"`
	SettlementConfirmed bool         `json:"settlementConfirmed"`
	SettlementRejected  bool         `json:"settlementRejected"`
	FrontID             int          `json:"frontId"`
	SessionID           int          `json:"sessionId"`
	TradingDay          string       `json:"tradingDay"`
	MaxOrderRef         string       `json:"maxOrderRef"`
	LastError           *ctp.RspInfo `json:"lastError,omitempty"`
}

// Credentials used by the handshake.
type Credentials struct {
	BrokerID    string
	UserID      string
	Password    string
	AppID       string
	AuthCode    string
	ProductInfo string
}

// Recorder observes requests and transitions, typically for metrics.
type Recorder interface {
	RequestSent(ch ctp.Channel, method string, code int)
	StateChanged(ch ctp.Channel, s State)
}

// Deps are the collaborators shared by both sessions.
type Deps struct {
	Correlator *correlator.Correlator
	Cache      *cache.State
	Events     *events.Dispatcher
	Logger     log.Logger
	Recorder   Recorder
	Clock      func() time.Time
}

// machine holds the state shared by both channel sessions. The mutex is
// never held while calling the front or firing events.
type machine struct {
	ch       ctp.Channel
	mu       sync.Mutex
	status   Status
	started  bool
	pending  int
	changed  chan struct{}
	logger   log.Logger
	recorder Recorder
}

func (m *machine) init(ch ctp.Channel, logger log.Logger, rec Recorder) {
	m.ch = ch
	m.status = Status{Channel: ch, State: Disconnected}
	m.changed = make(chan struct{})
	m.logger = logger
	m.recorder = rec
}

// Status returns a snapshot of the session.
func (m *machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.StateName = st.State.String()
	if st.LastError != nil {
		e := *st.LastError
		st.LastError = &e
	}
	return st
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State
}

// Changed returns a channel that is closed on the next state transition.
func (m *machine) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *machine) setStateLocked(s State) {
	if m.status.State == s {
		return
	}
	m.logger.Debug("Session state changed", "from", m.status.State.String(), "to", s.String())
	m.status.State = s
	close(m.changed)
	m.changed = make(chan struct{})
	if m.recorder != nil {
		m.recorder.StateChanged(m.ch, s)
	}
}

// start marks the session started and moves it to Connecting.
func (m *machine) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.setStateLocked(Connecting)
	return nil
}

// onConnected restarts the handshake. A front may reconnect without
// reporting the disconnect, so every downstream flag is cleared here too.
func (m *machine) onConnected() {
	m.mu.Lock()
	m.status = Status{
		Channel:    m.ch,
		State:      m.status.State,
		TradingDay: m.status.TradingDay,
		Connected:  true,
	}
	m.pending = 0
	m.setStateLocked(Connected)
	m.mu.Unlock()
}

// onDisconnected clears every flag; the front reconnects on its own.
func (m *machine) onDisconnected() {
	m.mu.Lock()
	m.status = Status{
		Channel:    m.ch,
		State:      m.status.State,
		TradingDay: m.status.TradingDay,
	}
	m.pending = 0
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
}

// begin moves the session into a handshake stage and records the request
// id whose response will complete it. It fails when the session is not in
// one of the allowed states.
func (m *machine) begin(id int, stage State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Connected || !m.inLocked(from...) {
		return false
	}
	m.pending = id
	m.setStateLocked(stage)
	return true
}

// complete claims the response for the pending request of stage. Stale
// responses return false and must be ignored. Callers hold m.mu.
func (m *machine) completeLocked(id int, stage State) bool {
	if m.status.State != stage || m.pending != id {
		return false
	}
	m.pending = 0
	return true
}

// abort rolls a stage back after the front refused to send its request.
func (m *machine) abort(id int, stage, back State, info *ctp.RspInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.completeLocked(id, stage) {
		return false
	}
	m.status.LastError = info
	switch back {
	case Connected:
		m.status.Authenticated = false
	case LoggedIn:
		m.status.SettlementRejected = true
	}
	m.setStateLocked(back)
	return true
}

func (m *machine) inLocked(states ...State) bool {
	for _, s := range states {
		if m.status.State == s {
			return true
		}
	}
	return false
}

func (m *machine) requireLoggedIn() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.LoggedIn {
		return ErrNotLoggedIn
	}
	return nil
}

func (m *machine) record(method string, code int) {
	if code != 0 {
		m.logger.Warn("Request rejected at submit", "method", method, "code", code)
	}
	if m.recorder != nil {
		m.recorder.RequestSent(m.ch, method, code)
	}
}

func (m *machine) release() {
	m.mu.Lock()
	m.status = Status{Channel: m.ch, State: m.status.State}
	m.pending = 0
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
}

func submitFailure(code int, method string) *ctp.RspInfo {
	return &ctp.RspInfo{ErrorID: code, ErrorMsg: method + " rejected at submit"}
}

func failure(info *ctp.RspInfo, data interface{}) events.Failure {
	f := events.Failure{Data: data}
	if info != nil {
		f.ErrorID = info.ErrorID
		f.ErrorMsg = info.ErrorMsg
	}
	return f
}

func copyInfo(info *ctp.RspInfo) *ctp.RspInfo {
	if info == nil {
		return nil
	}
	c := *info
	return &c
}
