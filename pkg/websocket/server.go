// Package websocket streams gateway events to WebSocket clients
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/events"
	"github.com/luxfi/ctpgw/pkg/gateway"
)

// Stream channels a client can subscribe to. Tick channels are
// TickerPrefix followed by the instrument id.
const (
	TickerPrefix    = "ticker:"
	OrdersChannel   = "orders"
	TradesChannel   = "trades"
	SessionChannel  = "session"
	AccountChannel  = "account"
	PositionChannel = "positions"
)

// Source is the part of the gateway the server streams from.
type Source interface {
	RegisterCallback(kind events.Kind, l events.Listener)
	GetMarketData(instrumentID string) (ctp.DepthMarketData, bool)
	GetOrders() []ctp.Order
	GetTrades() []ctp.Trade
	Status() gateway.Status
}

// Server represents a WebSocket server for gateway events
type Server struct {
	source Source
	logger log.Logger
	config Config

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	sequence    uint64
	clientCount int32

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Event     events.Kind `json:"event,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest represents a subscription request
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	Port            int
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration

	// ClientGauge, when set, is told the client count after every change.
	ClientGauge func(n int)
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		Port:            8081,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024, // 512KB
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongTimeout {
		c.PingPeriod = c.PongTimeout * 9 / 10
	}
	return c
}

// NewServer creates a new WebSocket server
func NewServer(source Source, logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		source:        source,
		logger:        logger.New("module", "websocket"),
		config:        config.withDefaults(),
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Attach registers the listeners that feed the streams.
func (s *Server) Attach() {
	s.source.RegisterCallback(events.MarketData, func(e events.Event) error {
		tick, ok := e.Payload.(*ctp.DepthMarketData)
		if !ok {
			return fmt.Errorf("websocket: unexpected tick payload %T", e.Payload)
		}
		s.publish(TickerPrefix+tick.InstrumentID, "ticker", e.Kind, tick)
		return nil
	})

	s.source.RegisterCallback(events.TradeUpdate, s.forward(TradesChannel, "trade"))
	s.source.RegisterCallback(events.AccountData, s.forward(AccountChannel, "account"))
	s.source.RegisterCallback(events.PositionData, s.forward(PositionChannel, "position"))
	s.registerAll(s.forward(OrdersChannel, "order"),
		events.OrderUpdate, events.OrderInsertFailed, events.OrderActionFailed)

	s.registerAll(func(e events.Event) error {
		s.publish(SessionChannel, "session", e.Kind, s.source.Status())
		return nil
	},
		events.MdConnected, events.MdDisconnected, events.MdLoginSuccess, events.MdLoginFailed,
		events.TdConnected, events.TdDisconnected, events.TdAuthSuccess, events.TdAuthFailed,
		events.TdLoginSuccess, events.TdLoginFailed, events.SettlementConfirmed, events.SettlementConfirmFailed)
}

func (s *Server) registerAll(l events.Listener, kinds ...events.Kind) {
	for _, kind := range kinds {
		s.source.RegisterCallback(kind, l)
	}
}

func (s *Server) forward(channel, msgType string) events.Listener {
	return func(e events.Event) error {
		s.publish(channel, msgType, e.Kind, e.Payload)
		return nil
	}
}

// publish queues a message for the hub without blocking the caller.
func (s *Server) publish(channel, msgType string, kind events.Kind, data interface{}) {
	msg := Message{
		Type:      msgType,
		Channel:   channel,
		Event:     kind,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
	}
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("Broadcast queue full, dropping message", "channel", channel, "event", kind)
	}
}

// Handler serves /ws and /health. Run must be called for messages to flow.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run starts the hub goroutine once.
func (s *Server) Run() {
	s.runOnce.Do(func() {
		s.wg.Add(1)
		go s.runHub()
	})
}

// Start begins the WebSocket server
func (s *Server) Start(port int) error {
	s.Run()

	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("WebSocket server starting", "port", port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-s.ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}

	return nil
}

// Stop shuts down the WebSocket server
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			// Close all client connections
			s.clientsMu.Lock()
			for client := range s.clients {
				client.close()
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			n := atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.reportClients(n)
			s.logger.Debug("Client connected", "id", client.id, "total", n)

		case client := <-s.unregister:
			s.removeClient(client)

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			// Log stats periodically
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

// leave hands a client to the hub. Once the hub has stopped it already
// closed every client, so the request is dropped.
func (s *Server) leave(c *Client) {
	select {
	case s.unregister <- c:
	case <-s.ctx.Done():
	}
}

func (s *Server) removeClient(client *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		client.close()
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	// Remove from all subscriptions
	s.unsubscribeAll(client)
	n := atomic.AddInt32(&s.clientCount, -1)
	s.reportClients(n)
	s.logger.Debug("Client disconnected", "id", client.id, "total", n)
}

func (s *Server) reportClients(n int32) {
	if s.config.ClientGauge != nil {
		s.config.ClientGauge(int(n))
	}
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       generateClientID(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
	}

	s.register <- client

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	// Send welcome message
	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.leave(c)
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var msg json.RawMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			break
		}

		// Process message
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().UnixMilli()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}

	for _, channel := range channels {
		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()

		c.server.subscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().UnixMilli(),
	})

	for _, channel := range channels {
		c.sendSnapshot(channel)
	}
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}

	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().UnixMilli(),
	})
}

// sendSnapshot sends the cached state behind a channel
func (c *Client) sendSnapshot(channel string) {
	src := c.server.source
	var data interface{}
	switch {
	case strings.HasPrefix(channel, TickerPrefix):
		tick, ok := src.GetMarketData(strings.TrimPrefix(channel, TickerPrefix))
		if !ok {
			return
		}
		data = tick
	case channel == OrdersChannel:
		data = src.GetOrders()
	case channel == TradesChannel:
		data = src.GetTrades()
	case channel == SessionChannel:
		data = src.Status()
	default:
		return
	}

	c.sendMessage(Message{
		Type:      "snapshot",
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// sendMessage sends a message to the client
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		c.server.logger.Warn("Client send buffer full, disconnecting", "id", c.id)
		go c.server.leave(c)
	}
}

// enqueue reports false when the buffer is full. Closed clients swallow
// messages.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().UnixMilli(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends a message to all subscribed clients
func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	clients := make([]*Client, 0, len(s.subscriptions[msg.Channel]))
	for client := range s.subscriptions[msg.Channel] {
		clients = append(clients, client)
	}
	s.subMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for _, client := range clients {
		if !client.enqueue(data) {
			s.logger.Warn("Client send buffer full, disconnecting", "id", client.id)
			s.removeClient(client)
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}

var clientSeq uint64

// generateClientID generates a unique client ID
func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().Unix(), atomic.AddUint64(&clientSeq, 1))
}
