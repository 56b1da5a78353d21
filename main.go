package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/fanout"
	"tickflow/internal/gateway"
	"tickflow/internal/health"
	"tickflow/internal/metrics"
	"tickflow/internal/model"
	"tickflow/internal/poll"
	"tickflow/internal/route"
	"tickflow/internal/stream"
	"tickflow/internal/validate"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch("", cfg.Metrics.Namespace, cfg.Metrics.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.RoutedBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	symbols := cfg.TrackedSymbols()
	classOf := cfg.AssetClassOf
	validator := validate.New(cfg.Validation)

	streamClient := stream.NewClient(cfg.Primary, channels, validator, classOf)
	pollClient := poll.NewClient(cfg.Secondary, channels, validator, classOf)

	hub := fanout.NewHub(cfg.Gateway.SymbolRateLimit)
	defer hub.Close()

	router := route.NewRouter(cfg.Router, channels, streamClient, pollClient)
	reporter := health.NewReporter(cfg.Router, router, streamClient, pollClient)
	gatewayServer := gateway.NewServer(cfg.Gateway, hub, reporter, router)

	if err := streamClient.Start(ctx, symbols); err != nil {
		log.WithError(err).Error("failed to start stream client")
		os.Exit(1)
	}
	if err := pollClient.Start(ctx, symbols); err != nil {
		log.WithError(err).Error("failed to start poll client")
		os.Exit(1)
	}
	if err := router.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start router")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gatewayServer.Run(ctx); err != nil {
			log.WithError(err).Error("gateway server failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpRouted(ctx, channels.Routed, hub)
	}()

	log.WithFields(logger.Fields{
		"symbols": len(symbols),
		"gateway": gatewayServer.Address(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping router")
	router.Stop()

	log.Info("stopping poll client")
	pollClient.Stop()

	log.Info("stopping stream client")
	streamClient.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}

// pumpRouted feeds routed ticks into the fanout hub until shutdown.
func pumpRouted(ctx context.Context, routed <-chan model.Tick, hub *fanout.Hub) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-routed:
			if !ok {
				return
			}
			hub.Publish(tick)
		}
	}
}
