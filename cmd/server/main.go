// Command server runs the Nifty short-premium control plane: it loads
// configuration, wires the Broker Gateway, Risk Manager, Order Orchestrator,
// Position Monitor and Trading Controller together, and serves the REST/WS
// API until it receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/volguard/controlplane/internal/api"
	"github.com/volguard/controlplane/internal/breaker"
	"github.com/volguard/controlplane/internal/broker"
	"github.com/volguard/controlplane/internal/calendar"
	"github.com/volguard/controlplane/internal/config"
	"github.com/volguard/controlplane/internal/controller"
	"github.com/volguard/controlplane/internal/events"
	"github.com/volguard/controlplane/internal/marketdata"
	"github.com/volguard/controlplane/internal/metrics"
	"github.com/volguard/controlplane/internal/monitor"
	"github.com/volguard/controlplane/internal/notify"
	"github.com/volguard/controlplane/internal/orchestrator"
	"github.com/volguard/controlplane/internal/risk"
	"github.com/volguard/controlplane/internal/storage"
	"github.com/volguard/controlplane/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	niftyKey = types.InstrumentKey("NSE_INDEX|Nifty 50")
	vixKey   = types.InstrumentKey("NSE_INDEX|India VIX")
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	logger.Info("starting control plane",
		zap.String("environment", string(cfg.Environment)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("storage open failed", zap.Error(err))
	}

	bus := events.NewBus(logger, events.DefaultBusConfig())

	brk := breaker.New(logger, store, cfg.KillSwitchFile, bus)

	cal := calendar.New(logger, selectCalendarSource(cfg))

	rpc, tokens := selectBroker(cfg)
	brokerClient, err := broker.NewClient(logger, rpc, tokens, broker.DefaultRetryConfig)
	if err != nil {
		logger.Fatal("broker client init failed", zap.Error(err))
	}

	cache := marketdata.NewCache(logger)
	expiries := controller.NewNiftyExpiryResolver(nil)

	riskMgr := risk.New(cfg, brk, cal, brokerClient)

	notifier := selectNotifier(logger, cfg)

	orch := orchestrator.New(logger, brokerClient, cache, store, brk, notifier, bus, orchestrator.Config{
		OrderTimeout:       cfg.OrderTimeout,
		MaxLossPerTrade:    cfg.MaxLossPerTrade,
		MaxCapitalPerTrade: cfg.MaxCapitalPerTrade,
	})

	tradingController := controller.New(logger, cfg, cal, cache, brokerClient, riskMgr, orch, store, brk, expiries, niftyKey, vixKey)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	apiServer := api.NewServer(logger, api.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxLossPerTrade: cfg.MaxLossPerTrade,
		NiftyKey:        niftyKey,
	}, store, tradingController, orch, riskMgr, brk, brokerClient, reg)

	positionMonitor := monitor.New(logger, cache, store, cal, orch, apiServer.Hub(), cfg.MonitorBroadcastCadence, cfg.MonitorExitCadence)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go tradingController.Run(ctx)
	go positionMonitor.Run(ctx)
	go sampleGauges(ctx, store, brk, metricsReg)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("control plane started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	bus.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}

	logger.Info("control plane stopped")
}

// selectBroker picks the paper-trading RPC/TokenStore pair in PAPER/dry-run
// deployments; a live deployment needs its own RPC adapter wired in here,
// since the real broker SDK is an external collaborator this module
// never vendors.
func selectBroker(cfg *config.Config) (broker.RPC, broker.TokenStore) {
	if cfg.IsPaperTrading() {
		return broker.NewPaperRPC(broker.DefaultPaperConfig()), broker.NewInMemoryTokenStore()
	}
	return broker.NewPaperRPC(broker.DefaultPaperConfig()), broker.NewFileTokenStore(cfg.DBPath + "/token.json")
}

func selectCalendarSource(cfg *config.Config) calendar.Source {
	if cfg.IsPaperTrading() {
		return calendar.StaticSource{}
	}
	return calendar.NewTradingViewSource()
}

func selectNotifier(logger *zap.Logger, cfg *config.Config) notify.Sink {
	if cfg.Notification.WebhookURL == "" {
		return notify.NewLogSink(logger)
	}
	return notify.NewWebhookSink(logger, cfg.Notification.WebhookURL, "volguard")
}

// sampleGauges refreshes the gauges the rest of the system has no natural
// hook to push on: breaker state and open-position aggregates.
func sampleGauges(ctx context.Context, store *storage.Store, brk *breaker.Breaker, reg *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.SetBreakerActive(brk.Active())

			trades := store.OpenTrades()
			reg.OpenTradeCount.Set(float64(len(trades)))

			var pnl, delta float64
			for _, t := range trades {
				f, _ := t.CurrentPnL.Float64()
				pnl += f
				d, _ := t.NetDelta.Float64()
				delta += d
			}
			reg.PortfolioPnL.Set(pnl)
			reg.PortfolioDelta.Set(delta)
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
