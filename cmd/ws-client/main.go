package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	gws "github.com/luxfi/ctpgw/pkg/websocket"
)

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "Gateway WebSocket URL")
		channels = flag.String("channels", "ticker:rb2501,orders,trades,session", "Comma-separated channels")
		timeout  = flag.Duration("timeout", 0, "Exit after this long; zero runs until interrupted")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	logger.Info("Connecting to gateway WebSocket", "url", *wsURL)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := gws.SubscribeRequest{
		Type:     "subscribe",
		Channels: strings.Split(*channels, ","),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}
	logger.Info("Subscription sent", "channels", sub.Channels)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			var msg struct {
				Type     string          `json:"type"`
				Channel  string          `json:"channel"`
				Event    string          `json:"event"`
				Sequence uint64          `json:"sequence"`
				Data     json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Info("Raw message", "data", string(message))
				continue
			}
			logger.Info("Message received",
				"type", msg.Type,
				"channel", msg.Channel,
				"event", msg.Event,
				"seq", msg.Sequence,
				"data", string(msg.Data))
		}
	}()

	var deadline <-chan time.Time
	if *timeout > 0 {
		deadline = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-deadline:
		logger.Info("Timeout reached")
	}
}
