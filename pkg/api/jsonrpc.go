package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/gateway"
	"github.com/luxfi/ctpgw/pkg/marketdata"
	"github.com/luxfi/ctpgw/pkg/order"
	"github.com/luxfi/ctpgw/pkg/session"
)

const Version = "1.0.0"

// Gateway is the facade surface the RPC server drives.
type Gateway interface {
	SubscribeMarketData(instruments ...string) error
	UnsubscribeMarketData(instruments ...string) error
	QueryAccount() error
	QueryPositions() error
	QueryInstruments(instrumentID string) error
	SendOrder(instrumentID, exchangeID, direction, offset string, price float64, volume int) (string, error)
	CancelOrder(instrumentID, exchangeID, orderSysID string) error

	GetMarketData(instrumentID string) (ctp.DepthMarketData, bool)
	GetAllMarketData() map[string]ctp.DepthMarketData
	GetAccountInfo() (ctp.TradingAccount, bool)
	GetPositions() map[string]ctp.InvestorPosition
	GetOrders() []ctp.Order
	GetOrder(orderSysID string) (ctp.Order, bool)
	GetTrades() []ctp.Trade
	GetInstrument(instrumentID string) (ctp.Instrument, bool)

	Status() gateway.Status
	Ready() bool
	Subscriptions() []string
}

// CandleSource serves completed and in-progress candles.
type CandleSource interface {
	Candles(instrumentID string, interval marketdata.Interval, limit int) ([]marketdata.Candle, error)
	Latest(instrumentID string, interval marketdata.Interval) (marketdata.Candle, bool)
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	gw      Gateway
	candles CandleSource
	logger  log.Logger
}

type ServerOption func(*JSONRPCServer)

// WithCandles enables gw_getCandles.
func WithCandles(src CandleSource) ServerOption {
	return func(s *JSONRPCServer) { s.candles = src }
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(gw Gateway, logger log.Logger, opts ...ServerOption) *JSONRPCServer {
	s := &JSONRPCServer{
		gw:     gw,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Gateway error codes
const (
	NotReady       = -32000
	UnknownOrder   = -32001
	SubmitRejected = -32002
	NotFound       = -32003
)

const maxBodyBytes = 1 << 20

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, toRPCError(err))
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write RPC response", "method", req.Method, "error", err)
	}
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Order methods
	case "gw_sendOrder":
		return s.sendOrder(params)
	case "gw_cancelOrder":
		return s.cancelOrder(params)
	case "gw_getOrder":
		return s.getOrder(params)
	case "gw_getOrders":
		return s.gw.GetOrders(), nil
	case "gw_getTrades":
		return s.getTrades(params)

	// Market data methods
	case "gw_subscribe":
		return s.subscribe(params, s.gw.SubscribeMarketData)
	case "gw_unsubscribe":
		return s.subscribe(params, s.gw.UnsubscribeMarketData)
	case "gw_getMarketData":
		return s.getMarketData(params)
	case "gw_getCandles":
		return s.getCandles(params)

	// Query methods
	case "gw_queryAccount":
		return submitted(s.gw.QueryAccount())
	case "gw_queryPositions":
		return submitted(s.gw.QueryPositions())
	case "gw_queryInstruments":
		var p struct {
			InstrumentID string `json:"instrumentId"`
		}
		if err := decodeOptional(params, &p); err != nil {
			return nil, err
		}
		return submitted(s.gw.QueryInstruments(p.InstrumentID))
	case "gw_getAccount":
		acct, ok := s.gw.GetAccountInfo()
		if !ok {
			return nil, &RPCError{Code: NotFound, Message: "No account snapshot"}
		}
		return acct, nil
	case "gw_getPositions":
		return s.gw.GetPositions(), nil
	case "gw_getInstrument":
		return s.getInstrument(params)

	// Info methods
	case "gw_status":
		return s.gw.Status(), nil
	case "gw_getInfo":
		return s.getInfo(), nil
	case "gw_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) sendOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		InstrumentID string  `json:"instrumentId"`
		ExchangeID   string  `json:"exchangeId"`
		Direction    string  `json:"direction"`
		Offset       string  `json:"offset"`
		Price        float64 `json:"price"`
		Volume       int     `json:"volume"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if p.Offset == "" {
		p.Offset = "OPEN"
	}

	ref, err := s.gw.SendOrder(p.InstrumentID, p.ExchangeID, p.Direction, p.Offset, p.Price, p.Volume)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Order submitted over RPC", "orderRef", ref, "instrument", p.InstrumentID)
	return map[string]interface{}{
		"orderRef": ref,
		"status":   "submitted",
	}, nil
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		InstrumentID string `json:"instrumentId"`
		ExchangeID   string `json:"exchangeId"`
		OrderSysID   string `json:"orderSysId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.OrderSysID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.gw.CancelOrder(p.InstrumentID, p.ExchangeID, p.OrderSysID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"orderSysId": p.OrderSysID,
		"status":     "cancel_submitted",
	}, nil
}

func (s *JSONRPCServer) getOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		OrderSysID string `json:"orderSysId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	o, ok := s.gw.GetOrder(p.OrderSysID)
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: "Order not found"}
	}
	return o, nil
}

// Get recent trades
func (s *JSONRPCServer) getTrades(params json.RawMessage) (interface{}, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	p.Limit = 100
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}

	trades := s.gw.GetTrades()

	// Limit results
	if p.Limit > 0 && len(trades) > p.Limit {
		trades = trades[len(trades)-p.Limit:]
	}
	return trades, nil
}

func (s *JSONRPCServer) subscribe(params json.RawMessage, fn func(...string) error) (interface{}, error) {
	var p struct {
		Instruments []string `json:"instruments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || len(p.Instruments) == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := fn(p.Instruments...); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"instruments": p.Instruments,
		"status":      "submitted",
	}, nil
}

// Latest tick for one instrument, or every cached tick
func (s *JSONRPCServer) getMarketData(params json.RawMessage) (interface{}, error) {
	var p struct {
		InstrumentID string `json:"instrumentId"`
	}
	if err := decodeOptional(params, &p); err != nil {
		return nil, err
	}
	if p.InstrumentID == "" {
		return s.gw.GetAllMarketData(), nil
	}

	tick, ok := s.gw.GetMarketData(p.InstrumentID)
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: "No market data"}
	}
	return tick, nil
}

// Completed candles oldest first, followed by the one still open
func (s *JSONRPCServer) getCandles(params json.RawMessage) (interface{}, error) {
	if s.candles == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Candles not enabled"}
	}
	var p struct {
		InstrumentID string `json:"instrumentId"`
		Interval     string `json:"interval"`
		Limit        int    `json:"limit"`
	}
	p.Interval = string(marketdata.Interval1m)
	p.Limit = 100
	if err := json.Unmarshal(params, &p); err != nil || p.InstrumentID == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	interval, err := marketdata.ParseInterval(p.Interval)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	candles, err := s.candles.Candles(p.InstrumentID, interval, p.Limit)
	if err != nil {
		return nil, err
	}
	if open, ok := s.candles.Latest(p.InstrumentID, interval); ok {
		candles = append(candles, open)
	}
	if candles == nil {
		candles = []marketdata.Candle{}
	}
	return candles, nil
}

func (s *JSONRPCServer) getInstrument(params json.RawMessage) (interface{}, error) {
	var p struct {
		InstrumentID string `json:"instrumentId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	inst, ok := s.gw.GetInstrument(p.InstrumentID)
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: "Instrument not found"}
	}
	return inst, nil
}

func (s *JSONRPCServer) getInfo() interface{} {
	st := s.gw.Status()
	return map[string]interface{}{
		"version":       Version,
		"ready":         s.gw.Ready(),
		"tradingDay":    st.Trade.TradingDay,
		"subscriptions": s.gw.Subscriptions(),
		"orderCount":    len(s.gw.GetOrders()),
		"tradeCount":    len(s.gw.GetTrades()),
		"timestamp":     time.Now().Unix(),
	}
}

func submitted(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "submitted"}, nil
}

func decodeOptional(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return nil
}

// toRPCError maps gateway errors onto RPC error codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var se *ctp.SubmitError
	switch {
	case errors.As(err, &se):
		return &RPCError{Code: SubmitRejected, Message: err.Error(), Data: map[string]interface{}{"code": se.Code}}
	case errors.Is(err, order.ErrInvalidOrder):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	case errors.Is(err, order.ErrUnknownOrder):
		return &RPCError{Code: UnknownOrder, Message: err.Error()}
	case errors.Is(err, order.ErrNotReady), errors.Is(err, order.ErrNotLoggedIn), errors.Is(err, session.ErrNotLoggedIn):
		return &RPCError{Code: NotReady, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write RPC error", "error", err)
	}
}

// StartJSONRPCServer serves the RPC endpoint on port until ctx is done
func StartJSONRPCServer(ctx context.Context, port int, gw Gateway, logger log.Logger, opts ...ServerOption) error {
	server := NewJSONRPCServer(gw, logger, opts...)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
