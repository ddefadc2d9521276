package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/gateway"
	"github.com/luxfi/ctpgw/pkg/order"
)

// stubGateway answers every call with canned values and records requests.
type stubGateway struct {
	mu        sync.Mutex
	sendErr   error
	cancelErr error
	subs      []string
	canceled  []string
}

func (g *stubGateway) SubscribeMarketData(instruments ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, instruments...)
	return nil
}
func (g *stubGateway) UnsubscribeMarketData(instruments ...string) error { return nil }
func (g *stubGateway) QueryAccount() error { return nil }
func (g *stubGateway) QueryPositions() error { return nil }
func (g *stubGateway) QueryInstruments(string) error { return nil }

func (g *stubGateway) SendOrder(instrumentID, exchangeID, direction, offset string, price float64, volume int) (string, error) {
	if g.sendErr != nil {
		return "", g.sendErr
	}
	return "7", nil
}

func (g *stubGateway) CancelOrder(instrumentID, exchangeID, orderSysID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = append(g.canceled, orderSysID)
	return g.cancelErr
}

func (g *stubGateway) GetMarketData(string) (ctp.DepthMarketData, bool) {
	return ctp.DepthMarketData{}, false
}
func (g *stubGateway) GetAllMarketData() map[string]ctp.DepthMarketData {
	return map[string]ctp.DepthMarketData{}
}
func (g *stubGateway) GetAccountInfo() (ctp.TradingAccount, bool) { return ctp.TradingAccount{}, false }
func (g *stubGateway) GetPositions() map[string]ctp.InvestorPosition { return nil }
func (g *stubGateway) GetOrders() []ctp.Order { return nil }
func (g *stubGateway) GetOrder(string) (ctp.Order, bool) { return ctp.Order{}, false }
func (g *stubGateway) GetTrades() []ctp.Trade { return nil }
func (g *stubGateway) GetInstrument(string) (ctp.Instrument, bool) { return ctp.Instrument{}, false }
func (g *stubGateway) Status() gateway.Status { return gateway.Status{} }
func (g *stubGateway) Ready() bool { return false }
func (g *stubGateway) Subscriptions() []string { return nil }

func newStubServer(gw *stubGateway) *JSONRPCServer {
	level, _ := log.ToLevel("error")
	return NewJSONRPCServer(gw, log.NewTestLogger(level))
}

func post(server http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestJSONRPCServer_ErrorCodes(t *testing.T) {
	server := newStubServer(&stubGateway{})

	testCases := []struct {
		name         string
		reqBody      string
		expectedCode float64
		expectedMsg  string
	}{
		{
			name:         "Parse Error",
			reqBody:      `{invalid json`,
			expectedCode: ParseError,
			expectedMsg:  "Parse error",
		},
		{
			name:         "Invalid Request",
			reqBody:      `{"jsonrpc":"1.0","method":"gw_ping","id":1}`,
			expectedCode: InvalidRequest,
			expectedMsg:  "Invalid Request",
		},
		{
			name:         "Missing Method",
			reqBody:      `{"jsonrpc":"2.0","id":1}`,
			expectedCode: InvalidRequest,
			expectedMsg:  "Invalid Request",
		},
		{
			name:         "Method Not Found",
			reqBody:      `{"jsonrpc":"2.0","method":"invalid.method","id":1}`,
			expectedCode: MethodNotFound,
			expectedMsg:  "Method not found",
		},
		{
			name:         "Invalid Params",
			reqBody:      `{"jsonrpc":"2.0","method":"gw_cancelOrder","params":{"orderSysId":""},"id":1}`,
			expectedCode: InvalidParams,
			expectedMsg:  "Invalid params",
		},
		{
			name:         "Empty Subscribe",
			reqBody:      `{"jsonrpc":"2.0","method":"gw_subscribe","params":{"instruments":[]},"id":1}`,
			expectedCode: InvalidParams,
			expectedMsg:  "Invalid params",
		},
		{
			name:         "Missing Account",
			reqBody:      `{"jsonrpc":"2.0","method":"gw_getAccount","id":1}`,
			expectedCode: NotFound,
			expectedMsg:  "No account snapshot",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := post(server, tc.reqBody)
			resp := decode(t, w)

			errorObj, ok := resp["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tc.expectedCode, errorObj["code"])
			assert.Equal(t, tc.expectedMsg, errorObj["message"])
		})
	}
}

func TestJSONRPCServer_GatewayErrors(t *testing.T) {
	testCases := []struct {
		name         string
		sendErr      error
		expectedCode float64
	}{
		{"Not Ready", order.ErrNotReady, NotReady},
		{"Invalid Order", fmt.Errorf("%w: unknown direction", order.ErrInvalidOrder), InvalidParams},
		{"Submit Rejected", &ctp.SubmitError{Channel: ctp.ChannelTrade, Method: "ReqOrderInsert", Code: -2}, SubmitRejected},
		{"Other", fmt.Errorf("boom"), InternalError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := newStubServer(&stubGateway{sendErr: tc.sendErr})
			w := post(server, `{"jsonrpc":"2.0","method":"gw_sendOrder","params":{"instrumentId":"rb2501","direction":"BUY","price":3500,"volume":1},"id":1}`)
			resp := decode(t, w)

			errorObj, ok := resp["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tc.expectedCode, errorObj["code"])
		})
	}

	server := newStubServer(&stubGateway{cancelErr: order.ErrUnknownOrder})
	resp := decode(t, post(server, `{"jsonrpc":"2.0","method":"gw_cancelOrder","params":{"orderSysId":"404"},"id":2}`))
	errorObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(UnknownOrder), errorObj["code"])
}

func TestJSONRPCServer_SubmitErrorCarriesCode(t *testing.T) {
	server := newStubServer(&stubGateway{sendErr: &ctp.SubmitError{Channel: ctp.ChannelTrade, Method: "ReqOrderInsert", Code: -3}})
	resp := decode(t, post(server, `{"jsonrpc":"2.0","method":"gw_sendOrder","params":{"instrumentId":"rb2501","direction":"BUY","price":3500,"volume":1},"id":1}`))

	errorObj := resp["error"].(map[string]interface{})
	data := errorObj["data"].(map[string]interface{})
	assert.Equal(t, float64(-3), data["code"])
}

// Test handling of different HTTP methods
func TestJSONRPCServer_HTTPMethods(t *testing.T) {
	server := newStubServer(&stubGateway{})

	methods := []string{"GET", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/rpc", nil)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}

	// POST should work
	t.Run("POST", func(t *testing.T) {
		w := post(server, `{"jsonrpc":"2.0","method":"gw_ping","id":1}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, "pong", decode(t, w)["result"])
	})
}

func TestJSONRPCServer_BodySizeLimit(t *testing.T) {
	server := newStubServer(&stubGateway{})

	largeBody := `{"jsonrpc":"2.0","method":"gw_ping","params":"` + strings.Repeat("a", 2*maxBodyBytes) + `","id":1}`
	resp := decode(t, post(server, largeBody))

	errorObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(ParseError), errorObj["code"])
}

func TestJSONRPCServer_EmptyBody(t *testing.T) {
	server := newStubServer(&stubGateway{})

	req := httptest.NewRequest("POST", "/rpc", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["error"])
}

// Test with various id types
func TestJSONRPCServer_IDTypes(t *testing.T) {
	server := newStubServer(&stubGateway{})

	testCases := []struct {
		name     string
		idStr    string
		expected interface{}
	}{
		{"Number ID", "123", float64(123)},
		{"String ID", `"test-id"`, "test-id"},
		{"Null ID", "null", nil},
		{"Negative ID", "-1", float64(-1)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := decode(t, post(server, `{"jsonrpc":"2.0","method":"gw_ping","id":`+tc.idStr+`}`))
			assert.Equal(t, tc.expected, resp["id"])
		})
	}
}

func TestJSONRPCServer_ConcurrentRequests(t *testing.T) {
	gw := &stubGateway{}
	server := newStubServer(gw)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"gw_cancelOrder","params":{"orderSysId":"%d"},"id":%d}`, id, id)
			w := post(server, body)
			assert.Equal(t, http.StatusOK, w.Code)
		}(i)
	}
	wg.Wait()

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Len(t, gw.canceled, 50)
}
