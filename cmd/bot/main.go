package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threshfin/signalpilot/internal/broker"
	"github.com/threshfin/signalpilot/internal/config"
	"github.com/threshfin/signalpilot/internal/engine"
	"github.com/threshfin/signalpilot/internal/ledger"
	"github.com/threshfin/signalpilot/internal/stream"
	"github.com/threshfin/signalpilot/internal/tickrules"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting signalpilot in %s mode", cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		// The live brokerage binding ships separately; this binary only
		// carries the paper broker.
		logger.Fatal("live mode requires a brokerage binding, only paper is available")
	}

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Fatalf("Failed to open ledger: %v", err)
	}
	defer store.Close()

	paper := broker.NewPaperBroker()
	wrapped := broker.NewCircuitBreakerBroker(paper)
	adjuster := tickrules.NewAdjuster(wrapped, logger)
	eng := engine.New(wrapped, store, adjuster, cfg.Broker.ClientID, logger)
	wrapped.Subscribe(engine.NewReconciler(wrapped, store, logger))

	var in io.ReadCloser
	if cfg.Stream.Path == "-" {
		in = os.Stdin
	} else {
		in, err = os.Open(cfg.Stream.Path)
		if err != nil {
			logger.Fatalf("Failed to open alert stream: %v", err)
		}
		defer in.Close()
	}
	source := stream.NewNDJSONSource(in, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Alert loop: one alert at a time, processed to completion before the
	// next is pulled.
	g.Go(func() error {
		defer cancel()
		for {
			alert, err := source.Next(ctx)
			if errors.Is(err, io.EOF) {
				logger.Println("Alert stream ended")
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			outcome, err := eng.Dispatch(ctx, alert)
			if err != nil {
				// The alert stays unacknowledged upstream; placement's
				// existence checks make an eventual redelivery safe.
				logger.Printf("Alert %s not resolved: %v", alert.Key, err)
				continue
			}
			logger.Printf("Alert %s resolved: %s", alert.Key, outcome)
		}
	})

	// Callback pump: drives the paper broker's queued events into the
	// reconciler on a separate execution context from the alert loop.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Broker.PumpInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				paper.Flush()
				return nil
			case <-ticker.C:
				paper.Flush()
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("Bot stopped with error: %v", err)
	}
	logger.Println("Bot stopped")
}
