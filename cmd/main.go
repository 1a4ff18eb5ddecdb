package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/config"
	"marketsync/internal/engine"
	"marketsync/internal/exchange/binance"
	"marketsync/internal/exchange/kraken"
	"marketsync/internal/logger"
	"marketsync/internal/metrics"
	"marketsync/internal/network"
	"marketsync/internal/orderbook"
	"marketsync/internal/symbols"
	"marketsync/internal/websocket"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	var configPath = flag.String("config", "", "Path to YAML configuration file")
	var logInterval = flag.Duration("log-interval", 10*time.Second, "Interval for printing market stats (0 disables)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *logInterval); err != nil {
		log.WithError(err).Error("marketsync stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Log, logInterval time.Duration) error {
	codec := symbols.NewCodec()
	m := metrics.New()

	rest := kraken.NewClient(kraken.ClientConfig{
		BaseURL:        cfg.Venue.RestURL,
		Timeout:        cfg.Bootstrap.Timeout,
		RequestsPerSec: cfg.Bootstrap.RequestsPerSec,
		Retries:        cfg.Bootstrap.Retries,
	}, codec, log.WithComponent("rest"))

	var reference engine.ReferenceSource
	if cfg.Venue.ReferenceRestURL != "" {
		reference = binance.NewReference(binance.Config{
			BaseURL:     cfg.Venue.ReferenceRestURL,
			Timeout:     cfg.Bootstrap.Timeout,
			DepthLimit:  cfg.Bootstrap.ReferenceDepth,
			TradesLimit: cfg.Bootstrap.ReferenceTrades,
		}, codec, log.WithComponent("reference"))
	}

	monitor := network.NewMonitor(network.Config{
		Addr:     cfg.Network.ProbeAddr,
		Interval: cfg.Network.ProbeInterval,
		Timeout:  cfg.Network.ProbeTimeout,
	}, log.WithComponent("network"))

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Source:    rest,
		Reference: reference,
		Monitor:   monitor,
		Codec:     codec,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		return err
	}

	log.WithComponent("main").WithField("markets", eng.Markets()).Info("starting market sync")
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	if logInterval > 0 {
		go printLoop(ctx, eng, logInterval)
	}

	srv := websocket.NewServer(websocket.Options{
		Addr:    cfg.Server.Listen,
		Source:  eng,
		Codec:   codec,
		Metrics: m,
		Log:     log.WithComponent("server"),
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.WithComponent("main").Info("all streams closed. Goodbye!")
	return nil
}

const (
	colorReset   = "\033[0m"
	colorYellow  = "\033[33m"
	colorGreen   = "\033[32m"
	colorRed     = "\033[31m"
	colorMagenta = "\033[35m"
	colorBold    = "\033[1m"
)

func printLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printCombinedStats(eng)
		}
	}
}

func printCombinedStats(eng *engine.Engine) {
	fmt.Println()

	markets := eng.Markets()
	for i, symbol := range markets {
		view := eng.View(symbol)
		if !view.HasInitialData {
			continue
		}
		stats := orderbook.Summarize(view.Book)

		name := symbol.String()
		if symbol == eng.Active() {
			name += " *"
		}
		link := colorGreen + "up" + colorReset
		if !view.Connected {
			link = colorRed + "down" + colorReset
		}

		fmt.Printf("%s%s%s [%s]", colorBold, name, colorReset, link)
		fmt.Printf("  Mid: %s%10s%s │ Spread: %s%8s%s | BB: %s%10s%s │ BA: %s%10s%s\n",
			colorYellow, stats.MidPrice.StringFixed(2), colorReset,
			colorMagenta, stats.Spread.StringFixed(4), colorReset,
			colorGreen, stats.BestBid.StringFixed(2), colorReset,
			colorRed, stats.BestAsk.StringFixed(2), colorReset)

		fmt.Printf("  DEPTH 0.5%% Bids: %s%9s%s │ Asks: %s%9s%s │ Δ: %s%10s%s\n",
			colorGreen, stats.BidLiquidity05Pct.StringFixed(2), colorReset,
			colorRed, stats.AskLiquidity05Pct.StringFixed(2), colorReset,
			deltaColor(stats.DeltaLiquidity05Pct), stats.DeltaLiquidity05Pct.StringFixed(2), colorReset)

		fmt.Printf("  DEPTH 2%%:  Bids: %s%9s%s │ Asks: %s%9s%s │ Δ: %s%10s%s\n",
			colorGreen, stats.BidLiquidity2Pct.StringFixed(2), colorReset,
			colorRed, stats.AskLiquidity2Pct.StringFixed(2), colorReset,
			deltaColor(stats.DeltaLiquidity2Pct), stats.DeltaLiquidity2Pct.StringFixed(2), colorReset)

		if len(view.Trades) > 0 {
			last := view.Trades[0]
			fmt.Printf("  LAST TRADE: %s %.8g @ %.2f\n", last.Side, last.Volume, last.Price)
		}

		if i < len(markets)-1 {
			fmt.Println()
		}
	}
}

func deltaColor(delta decimal.Decimal) string {
	if delta.GreaterThan(decimal.Zero) {
		return colorGreen
	} else if delta.LessThan(decimal.Zero) {
		return colorRed
	}
	return colorYellow
}
