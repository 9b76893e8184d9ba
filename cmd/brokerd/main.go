package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aibix0001/stock-analysis-sub003/internal/broker"
	"github.com/aibix0001/stock-analysis-sub003/internal/config"
	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
	"github.com/aibix0001/stock-analysis-sub003/internal/engine"
	"github.com/aibix0001/stock-analysis-sub003/internal/events"
	"github.com/aibix0001/stock-analysis-sub003/internal/health"
	"github.com/aibix0001/stock-analysis-sub003/internal/ledger"
	"github.com/aibix0001/stock-analysis-sub003/internal/reconcile"
	"github.com/aibix0001/stock-analysis-sub003/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("driver", cfg.Broker.Driver).
		Str("environment", cfg.App.Environment).
		Msg("Starting brokerd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBroker(cfg.Broker)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize broker adapter")
	}

	opts := ledger.DefaultOptions()
	opts.BufferSize = cfg.Ledger.BufferSize
	opts.BufferTTL = cfg.Ledger.GetBufferTTL()

	var pool *pgxpool.Pool
	if cfg.Database.Enabled {
		pool, err = pgxpool.New(ctx, cfg.Database.GetDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
		opts.Store = ledger.NewPgStoreWithPool(pool)
	}

	l := ledger.New(opts)
	if cfg.Database.Enabled {
		if err := l.Restore(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to restore ledger from database")
		}
		log.Info().Int("open_orders", len(l.OpenOrders())).Msg("Ledger restored from database")
	}

	d := dispatch.New(dispatch.Config{
		RequestsPerSecond: cfg.Dispatch.RequestsPerSecond,
		Burst:             cfg.Dispatch.Burst,
		MinRate:           cfg.Dispatch.MinRate,
		RestoreAfter:      cfg.Dispatch.RestoreAfter,
		RestoreFactor:     cfg.Dispatch.RestoreFactor,
	})
	defer d.Close()

	retry := dispatch.DefaultRetryConfig()
	retry.MaxRetries = cfg.Dispatch.MaxRetries
	eng := engine.New(b, l, d, retry)

	tracker := dispatch.NewConnTracker()
	consumer := stream.New(b, l, tracker, stream.Config{
		InitialBackoff: cfg.Stream.GetInitialBackoff(),
		MaxBackoff:     cfg.Stream.GetMaxBackoff(),
		JitterFraction: cfg.Stream.JitterFraction,
	})

	rec := reconcile.New(b, l, d, reconcile.Config{
		Interval:       cfg.Reconcile.GetInterval(),
		CreatedGrace:   cfg.Reconcile.GetCreatedGrace(),
		DriftTolerance: decimal.NewFromFloat(cfg.Reconcile.DriftTolerance),
	})
	consumer.OnReconnect(rec.Trigger)

	nc, err := nats.Connect(
		cfg.NATS.URL,
		nats.Name("brokerd"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	pub := events.NewPublisherWithConn(nc, events.Config{
		Prefix:        cfg.NATS.SubjectPrefix,
		RetryInterval: time.Second,
	})
	defer pub.Close()

	cmds := events.NewCommandServer(nc, eng, cfg.NATS.SubjectPrefix, cfg.Broker.GetTimeout())
	if err := cmds.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start command server")
	}
	defer cmds.Close()

	// Ledger hooks: publish after commit, count metrics, surface drift.
	l.OnTransition(pub.PublishTransition)
	l.OnTransition(health.RecordTransition)
	l.OnDrift(rec.RecordDrift)
	l.OnDrift(health.RecordDrift)

	sources := health.Sources{
		Tracker:    tracker,
		Dispatcher: d,
		DriftCount: rec.DriftCount,
		Buffered:   l.BufferedEvents,
		OpenOrders: func() int { return len(l.OpenOrders()) },
		Pending:    pub.Pending,
	}

	var healthSrv *health.Server
	if cfg.Monitoring.EnableMetrics {
		healthSrv = health.NewServer(cfg.Monitoring.HealthPort, sources, config.NewLogger("health"))
		if err := healthSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start health server")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	if cfg.Monitoring.EnableMetrics {
		g.Go(func() error {
			sources.Poll(gctx, 5*time.Second)
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- g.Wait() }()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		log.Info().Msg("Initiating graceful shutdown...")
		cancel()
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Service error")
		}
		cancel()
	}

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down health server")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// newBroker builds the configured broker adapter.
func newBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Driver {
	case "paper":
		return broker.NewPaperBroker(decimal.NewFromFloat(cfg.FeeRate)), nil
	case "binance":
		return broker.NewBinanceBroker(broker.BinanceConfig{
			APIKey:    cfg.APIKey,
			SecretKey: cfg.SecretKey,
			Testnet:   cfg.Testnet,
		}), nil
	case "gateway":
		return broker.NewGatewayBroker(broker.GatewayConfig{
			BaseURL:   cfg.BaseURL,
			StreamURL: cfg.StreamURL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.GetTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
