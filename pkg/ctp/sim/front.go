// Package sim is an in-process front for both channels. It answers every
// request asynchronously from its own goroutine and lets callers script
// failures, disconnects and pushes.
package sim

import (
	"sync"

	"github.com/luxfi/ctpgw/pkg/ctp"
)

// Request is one call the gateway made against the front.
type Request struct {
	Method    string
	RequestID int
	Payload   interface{}
}

// Options script the front's behaviour. Zero values give a front that
// connects on Init and accepts everything.
type Options struct {
	// ManualConnect leaves the front unconnected until Connect is called.
	ManualConnect bool

	FrontID     int
	SessionID   int
	TradingDay  string
	MaxOrderRef string

	// Failures answers the named request with the given error.
	Failures map[string]*ctp.RspInfo
	// SubmitCodes makes the named request return a non-zero code.
	SubmitCodes map[string]int
	// Silent requests are accepted but never answered.
	Silent []string

	// AutoAccept acknowledges inserts and cancels with order pushes.
	AutoAccept bool

	Account     *ctp.TradingAccount
	Positions   []ctp.InvestorPosition
	Instruments []ctp.Instrument
}

type front struct {
	loop *loop

	mu        sync.Mutex
	address   string
	connected bool
	requests  []Request
	failures  map[string]*ctp.RspInfo
	codes     map[string]int
	silent    map[string]bool
	manual    bool
}

func (f *front) init(opts Options) {
	f.loop = newLoop()
	f.manual = opts.ManualConnect
	f.failures = make(map[string]*ctp.RspInfo)
	f.codes = make(map[string]int)
	f.silent = make(map[string]bool)
	for k, v := range opts.Failures {
		f.failures[k] = v
	}
	for k, v := range opts.SubmitCodes {
		f.codes[k] = v
	}
	for _, m := range opts.Silent {
		f.silent[m] = true
	}
}

// accept records the request and returns its submit code, the scripted
// error and whether a response should be delivered.
func (f *front) accept(method string, id int, payload interface{}) (int, *ctp.RspInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, Request{Method: method, RequestID: id, Payload: payload})
	if code := f.codes[method]; code != 0 {
		return code, nil, false
	}
	var info *ctp.RspInfo
	if e := f.failures[method]; e != nil {
		c := *e
		info = &c
	}
	return 0, info, !f.silent[method]
}

// Fail scripts an error response for method; nil clears it.
func (f *front) Fail(method string, info *ctp.RspInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = info
}

// SetSubmitCode scripts the return code of method; 0 clears it.
func (f *front) SetSubmitCode(method string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == 0 {
		delete(f.codes, method)
		return
	}
	f.codes[method] = code
}

// Silence stops the front from answering method.
func (f *front) Silence(method string, silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[method] = silent
}

func (f *front) RegisterFront(address string) {
	f.mu.Lock()
	f.address = address
	f.mu.Unlock()
}

// Address returns the registered front address.
func (f *front) Address() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

// Requests returns every request seen so far.
func (f *front) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Count returns how many times method was requested.
func (f *front) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Last returns the most recent request for method.
func (f *front) Last(method string) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Method == method {
			return f.requests[i], true
		}
	}
	return Request{}, false
}

// Connected reports whether the front considers itself connected.
func (f *front) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *front) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// Sync waits until every callback posted so far has been delivered.
func (f *front) Sync() {
	f.loop.sync()
}

// Close stops callback delivery.
func (f *front) Close() {
	f.loop.close()
}
