package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/gateway"
	"github.com/luxfi/ctpgw/pkg/marketdata"
)

// Client calls a gateway's JSON-RPC endpoint. Error responses are returned
// as *RPCError.
type Client struct {
	url    string
	http   *http.Client
	logger log.Logger
	nextID uint64
}

func NewClient(url string, logger log.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Call invokes method and decodes the result into out when out is non-nil.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
		ID      uint64      `json:"id"`
	}{"2.0", method, params, atomic.AddUint64(&c.nextID, 1)}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.logger.Warn("Failed to parse RPC response", "method", method, "status", resp.StatusCode, "error", err)
		return fmt.Errorf("failed to parse response: %s", string(body))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// OrderRequest mirrors the gw_sendOrder params.
type OrderRequest struct {
	InstrumentID string  `json:"instrumentId"`
	ExchangeID   string  `json:"exchangeId,omitempty"`
	Direction    string  `json:"direction"`
	Offset       string  `json:"offset,omitempty"`
	Price        float64 `json:"price"`
	Volume       int     `json:"volume"`
}

// SendOrder returns the order reference assigned by the gateway.
func (c *Client) SendOrder(ctx context.Context, req OrderRequest) (string, error) {
	var out struct {
		OrderRef string `json:"orderRef"`
	}
	if err := c.Call(ctx, "gw_sendOrder", req, &out); err != nil {
		return "", err
	}
	return out.OrderRef, nil
}

func (c *Client) CancelOrder(ctx context.Context, instrumentID, exchangeID, orderSysID string) error {
	return c.Call(ctx, "gw_cancelOrder", map[string]string{
		"instrumentId": instrumentID,
		"exchangeId":   exchangeID,
		"orderSysId":   orderSysID,
	}, nil)
}

func (c *Client) Subscribe(ctx context.Context, instruments ...string) error {
	return c.Call(ctx, "gw_subscribe", map[string][]string{"instruments": instruments}, nil)
}

func (c *Client) MarketData(ctx context.Context, instrumentID string) (ctp.DepthMarketData, error) {
	var tick ctp.DepthMarketData
	err := c.Call(ctx, "gw_getMarketData", map[string]string{"instrumentId": instrumentID}, &tick)
	return tick, err
}

func (c *Client) Candles(ctx context.Context, instrumentID string, interval marketdata.Interval, limit int) ([]marketdata.Candle, error) {
	var candles []marketdata.Candle
	err := c.Call(ctx, "gw_getCandles", map[string]interface{}{
		"instrumentId": instrumentID,
		"interval":     interval,
		"limit":        limit,
	}, &candles)
	return candles, err
}

func (c *Client) Orders(ctx context.Context) ([]ctp.Order, error) {
	var orders []ctp.Order
	err := c.Call(ctx, "gw_getOrders", nil, &orders)
	return orders, err
}

func (c *Client) Account(ctx context.Context) (ctp.TradingAccount, error) {
	var acct ctp.TradingAccount
	err := c.Call(ctx, "gw_getAccount", nil, &acct)
	return acct, err
}

func (c *Client) Status(ctx context.Context) (gateway.Status, error) {
	var st gateway.Status
	err := c.Call(ctx, "gw_status", nil, &st)
	return st, err
}
