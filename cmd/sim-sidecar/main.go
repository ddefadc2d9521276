package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ctpgw/pkg/ctp"
	"github.com/luxfi/ctpgw/pkg/ctp/natsfront"
	"github.com/luxfi/ctpgw/pkg/ctp/sim"
)

// Serves the simulated fronts over NATS so a gateway started with nats.url
// can be exercised without a broker.
func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	prefix := flag.String("prefix", natsfront.DefaultPrefix, "Subject prefix")
	instruments := flag.String("instruments", "rb2501", "Comma-separated instruments to tick")
	tickEvery := flag.Duration("tick", 500*time.Millisecond, "Tick interval; zero disables ticks")
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	nc, err := nats.Connect(*natsURL,
		nats.Name("ctp-sim-sidecar"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		logger.Error("Failed to connect to NATS", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	md := sim.NewMarketFront(sim.Options{})
	td := sim.NewTradeFront(sim.Options{
		AutoAccept: true,
		Account:    &ctp.TradingAccount{AccountID: "sim", Balance: 1_000_000, Available: 1_000_000},
	})
	defer md.Close()
	defer td.Close()

	side := natsfront.NewSidecar(nc, *prefix, md, td, logger)
	if err := side.Start(); err != nil {
		logger.Error("Failed to start sidecar", "error", err)
		os.Exit(1)
	}
	defer side.Stop()

	logger.Info("Simulated sidecar running", "nats", *natsURL, "prefix", *prefix)

	stop := make(chan struct{})
	if *tickEvery > 0 {
		go runTicks(md, strings.Split(*instruments, ","), *tickEvery, stop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stop)
	logger.Info("Sidecar stopped")
}

// runTicks random-walks a price per instrument.
func runTicks(md *sim.MarketFront, instruments []string, every time.Duration, stop <-chan struct{}) {
	prices := make(map[string]float64, len(instruments))
	volumes := make(map[string]int, len(instruments))
	for _, inst := range instruments {
		prices[inst] = 3500
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, inst := range instruments {
				prices[inst] += float64(rand.Intn(5) - 2)
				volumes[inst] += rand.Intn(20)
				last := prices[inst]
				md.PushTick(ctp.DepthMarketData{
					InstrumentID: inst,
					LastPrice:    last,
					BidPrice1:    last - 1,
					BidVolume1:   rand.Intn(50) + 1,
					AskPrice1:    last + 1,
					AskVolume1:   rand.Intn(50) + 1,
					Volume:       volumes[inst],
					UpdateTime:   now.Format("15:04:05"),
					ActionDay:    now.Format("20060102"),
				})
			}
		}
	}
}
