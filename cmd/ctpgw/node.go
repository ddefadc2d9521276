package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ctpgw/pkg/api"
	"github.com/luxfi/ctpgw/pkg/config"
	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/ctp/natsfront"
	"github.com/luxfi/ctpgw/pkg/ctp/sim"
	"github.com/luxfi/ctpgw/pkg/feed"
	"github.com/luxfi/ctpgw/pkg/feed/zmq"
	"github.com/luxfi/ctpgw/pkg/gateway"
	"github.com/luxfi/ctpgw/pkg/grpc"
	"github.com/luxfi/ctpgw/pkg/journal"
	"github.com/luxfi/ctpgw/pkg/marketdata"
	"github.com/luxfi/ctpgw/pkg/metrics"
	"github.com/luxfi/ctpgw/pkg/websocket"
)

// node owns the gateway and every surface built on it.
type node struct {
	cfg    *config.Config
	logger log.Logger

	gw      *gateway.Gateway
	metrics *metrics.GatewayMetrics
	journal *journal.Journal
	candles *marketdata.Aggregator
	ws      *websocket.Server
	pub     *zmq.Publisher
	nc      *nats.Conn

	closers []func()
	wg      sync.WaitGroup
}

func newNode(cfg *config.Config, logger log.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}
	n.metrics = metrics.NewGatewayMetrics("ctpgw", logger)

	md, td, err := n.fronts()
	if err != nil {
		n.stop()
		return nil, err
	}

	n.gw = gateway.New(cfg.GatewayConfig(), md, td, logger, gateway.WithMetrics(n.metrics))

	n.journal, err = journal.Open(cfg.Journal.Dir, logger)
	if err != nil {
		n.stop()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	n.journal.Register(n.gw)

	n.candles = marketdata.NewAggregator(logger, n.journal.Database())
	n.candles.Attach(n.gw)

	if cfg.ZMQ.Endpoint != "" {
		n.pub, err = zmq.NewPublisher(cfg.ZMQ.Endpoint, logger, zmq.WithSendHook(n.metrics.RecordZMQMessage))
		if err != nil {
			n.stop()
			return nil, err
		}
		feed.New(n.pub, logger).Attach(n.gw)
	}

	if cfg.HTTP.WSPort > 0 {
		wsCfg := websocket.DefaultConfig()
		wsCfg.Port = cfg.HTTP.WSPort
		wsCfg.ClientGauge = n.metrics.SetWebSocketClients
		n.ws = websocket.NewServer(n.gw, logger, wsCfg)
		n.ws.Attach()
	}
	return n, nil
}

// fronts picks the simulated front, the NATS sidecar, or fails when
// neither is configured. The native SDK binding is not linked in.
func (n *node) fronts() (ctp.MdAPI, ctp.TdAPI, error) {
	switch {
	case n.cfg.Sim:
		md := sim.NewMarketFront(sim.Options{})
		td := sim.NewTradeFront(sim.Options{
			AutoAccept: true,
			Account:    &ctp.TradingAccount{AccountID: n.cfg.UserID, Balance: 1_000_000, Available: 1_000_000},
		})
		n.closers = append(n.closers, md.Close, td.Close)
		n.logger.Info("Using simulated front")
		return md, td, nil

	case n.cfg.NATS.URL != "":
		nc, err := nats.Connect(n.cfg.NATS.URL,
			nats.Name("ctpgw"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				n.logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				n.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		n.nc = nc
		opts := []natsfront.Option{
			natsfront.WithPrefix(n.cfg.NATS.Prefix),
			natsfront.WithMessageHook(n.metrics.RecordNATSMessage),
		}
		n.logger.Info("Using NATS sidecar front", "url", n.cfg.NATS.URL, "prefix", n.cfg.NATS.Prefix)
		return natsfront.NewMdFront(nc, n.logger, opts...), natsfront.NewTdFront(nc, n.logger, opts...), nil
	}
	return nil, nil, errors.New("no front configured: set nats.url or run with -sim")
}

func (n *node) start(ctx context.Context) error {
	n.logger.Info("Starting CTP gateway",
		"broker", n.cfg.BrokerID,
		"user", n.cfg.UserID,
		"mdAddress", n.cfg.MdAddress,
		"tdAddress", n.cfg.TdAddress)

	n.candles.Start()

	if port := n.cfg.HTTP.MetricsPort; port > 0 {
		n.metrics.StartServer(ctx, fmt.Sprintf(":%d", port))
		go n.metrics.CollectSystemMetrics(ctx, 10*time.Second)
	}
	if port := n.cfg.HTTP.RPCPort; port > 0 {
		n.serve("JSON-RPC", func() error {
			return api.StartJSONRPCServer(ctx, port, n.gw, n.logger, api.WithCandles(n.candles))
		})
	}
	if n.ws != nil {
		n.serve("WebSocket", func() error { return n.ws.Start(n.cfg.HTTP.WSPort) })
	}
	if port := n.cfg.GRPC.Port; port > 0 {
		n.serve("gRPC", func() error { return grpc.StartGRPCServer(ctx, port, n.gw, n.logger) })
	}

	if err := n.gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := n.gw.WaitForLogin(ctx, n.cfg.LoginTimeout); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := n.gw.ConfirmSettlement(ctx); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}
	if len(n.cfg.Instruments) > 0 {
		if err := n.gw.SubscribeMarketData(n.cfg.Instruments...); err != nil {
			n.logger.Warn("Subscribe failed", "instruments", n.cfg.Instruments, "error", err)
		}
	}
	if err := n.gw.QueryAccount(); err != nil {
		n.logger.Warn("Account query failed", "error", err)
	}

	n.wg.Add(1)
	go n.printStats(ctx)

	n.logger.Info("CTP gateway ready", "status", n.gw.Status())
	return nil
}

func (n *node) serve(name string, run func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := run(); err != nil {
			n.logger.Error("Server failed", "server", name, "error", err)
		}
	}()
}

func (n *node) printStats(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orders, trades := n.journal.Stats()
			status := n.gw.Status()
			n.logger.Info("Gateway stats",
				"md", status.Market.State,
				"td", status.Trade.State,
				"subscriptions", len(n.gw.Subscriptions()),
				"journalOrders", orders,
				"journalTrades", trades,
				"candles", n.candles.Stats()["candles"])
			n.metrics.LogMetrics()
		}
	}
}

// stop tears down in reverse order of construction.
func (n *node) stop() {
	if n.ws != nil {
		n.ws.Stop()
	}
	if n.gw != nil {
		n.gw.Close()
	}
	n.wg.Wait()

	if n.candles != nil {
		n.candles.Stop()
	}
	if n.pub != nil {
		if err := n.pub.Close(); err != nil {
			n.logger.Warn("Failed to close feed publisher", "error", err)
		}
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Warn("Failed to close journal", "error", err)
		}
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	if n.nc != nil {
		n.nc.Close()
	}
}
