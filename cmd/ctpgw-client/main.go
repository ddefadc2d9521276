package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/ctpgw/pkg/api"
	"github.com/luxfi/ctpgw/pkg/marketdata"
)

func fetchMetrics(url string) (string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func main() {
	var (
		serverURL  = flag.String("server", "http://localhost:8080", "Gateway JSON-RPC URL")
		metricsURL = flag.String("metrics", "http://localhost:9090/metrics", "Gateway metrics URL")
		action     = flag.String("action", "status", "Action: status, buy, sell, cancel, orders, tick, candles, subscribe, account, metrics")
		instrument = flag.String("instrument", "rb2501", "Instrument ID")
		exchange   = flag.String("exchange", "", "Exchange ID")
		price      = flag.Float64("price", 0, "Limit price")
		volume     = flag.Int("volume", 1, "Order volume")
		offset     = flag.String("offset", "OPEN", "Offset: OPEN, CLOSE, CLOSETODAY, CLOSEYESTERDAY")
		sysID      = flag.String("sysid", "", "Exchange order ID for cancel")
		interval   = flag.String("interval", "1m", "Candle interval")
		limit      = flag.Int("limit", 20, "Number of candles")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	logger.Info("CTP gateway client", "server", *serverURL, "action", *action)

	client := api.NewClient(*serverURL, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fail := func(what string, err error) {
		logger.Error("Request failed", "action", what, "error", err)
		os.Exit(1)
	}

	switch *action {
	case "status":
		st, err := client.Status(ctx)
		if err != nil {
			fail(*action, err)
		}
		logger.Info("Gateway status",
			"md", st.Market.StateName,
			"td", st.Trade.StateName,
			"tradingDay", st.Trade.TradingDay,
			"frontId", st.Trade.FrontID,
			"sessionId", st.Trade.SessionID)

	case "buy", "sell":
		req := api.OrderRequest{
			InstrumentID: *instrument,
			ExchangeID:   *exchange,
			Direction:    strings.ToUpper(*action),
			Offset:       *offset,
			Price:        *price,
			Volume:       *volume,
		}
		ref, err := client.SendOrder(ctx, req)
		if err != nil {
			fail(*action, err)
		}
		logger.Info("Order submitted", "orderRef", ref, "instrument", *instrument, "price", *price, "volume", *volume)

	case "cancel":
		if *sysID == "" {
			logger.Error("cancel requires -sysid")
			os.Exit(1)
		}
		if err := client.CancelOrder(ctx, *instrument, *exchange, *sysID); err != nil {
			fail(*action, err)
		}
		logger.Info("Cancel submitted", "orderSysId", *sysID)

	case "orders":
		orders, err := client.Orders(ctx)
		if err != nil {
			fail(*action, err)
		}
		for _, o := range orders {
			logger.Info("Order",
				"ref", o.OrderRef,
				"sysId", o.OrderSysID,
				"instrument", o.InstrumentID,
				"direction", o.Direction,
				"price", o.LimitPrice,
				"traded", o.VolumeTraded,
				"total", o.VolumeTotalOriginal,
				"status", o.OrderStatus)
		}
		logger.Info("Orders listed", "count", len(orders))

	case "tick":
		tick, err := client.MarketData(ctx, *instrument)
		if err != nil {
			fail(*action, err)
		}
		logger.Info("Market data",
			"instrument", tick.InstrumentID,
			"last", tick.LastPrice,
			"bid", tick.BidPrice1,
			"ask", tick.AskPrice1,
			"volume", tick.Volume,
			"time", tick.UpdateTime)

	case "candles":
		candles, err := client.Candles(ctx, *instrument, marketdata.Interval(*interval), *limit)
		if err != nil {
			fail(*action, err)
		}
		for _, c := range candles {
			logger.Info("Candle",
				"open", c.OpenTime.Format(time.RFC3339),
				"o", c.Open,
				"h", c.High,
				"l", c.Low,
				"c", c.Close,
				"volume", c.Volume,
				"complete", c.Complete)
		}

	case "subscribe":
		if err := client.Subscribe(ctx, strings.Split(*instrument, ",")...); err != nil {
			fail(*action, err)
		}
		logger.Info("Subscription submitted", "instruments", *instrument)

	case "account":
		acct, err := client.Account(ctx)
		if err != nil {
			fail(*action, err)
		}
		logger.Info("Account",
			"id", acct.AccountID,
			"balance", acct.Balance,
			"available", acct.Available,
			"margin", acct.CurrMargin)

	case "metrics":
		metrics, err := fetchMetrics(*metricsURL)
		if err != nil {
			fail(*action, err)
		}
		if len(metrics) > 2000 {
			metrics = metrics[:2000]
		}
		fmt.Println(metrics)

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}
}
