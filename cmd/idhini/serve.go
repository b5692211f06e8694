package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/gateway/httpapi"
	"github.com/jkaninda/idhini/internal/gateway/ws"
	"github.com/jkaninda/idhini/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Idhini server (HTTP API, WebSocket)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `idhini --config path` and `idhini serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the Idhini server: conversation loop, approval manager,
// proposal sweeper, HTTP API and optional WebSocket event stream.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("IDHINI_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// The HTTP API is the only way to reach the assistant, so it is
	// always on. Config tunes it; its absence does not disable it.
	if cfg.Gateways.HTTP == nil {
		cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
	}
	if servePort != "" {
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the proposal sweeper (declines undecided proposals past the TTL).
	sweeper := approval.NewSweeper(sc.Machine, sc.Approval, logger, &approval.SweeperConfig{
		Schedule: cfg.Approval.SweepSchedule,
		TTL:      cfg.Approval.TTL(),
	})
	cancelSweeper, err := sweeper.Start(ctx)
	if err != nil {
		return err
	}
	defer cancelSweeper()

	// HTTP gateway.
	gw := buildHTTPGateway(cfg, sc, logger)

	// Optional WebSocket event stream, mounted on the HTTP server.
	if cfg.Gateways.WebSocket != nil && cfg.Gateways.WebSocket.Enabled {
		wsServer := ws.NewServer(sc.Broker, ws.Config{APIKeys: cfg.Gateways.HTTP.APIKeys}, logger)
		gw.WithHandler(cfg.Gateways.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("websocket event stream mounted",
			slog.String("path", cfg.Gateways.WebSocket.WSPath()),
		)
	}

	// Start the gateway and wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return gw.Stop(shutdownCtx)
}

// buildHTTPGateway assembles the HTTP API gateway from config and shared components.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents, logger *slog.Logger) *httpapi.Gateway {
	httpCfg := cfg.Gateways.HTTP
	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
	}

	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.Metrics = sc.Obs.Metrics
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	var limiter *ratelimit.Limiter
	if httpCfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})
	}

	gw := httpapi.NewGateway(gwCfg, sc.Loop, sc.Approval, sc.Broker, limiter, logger)
	if gwCfg.EnableDocs {
		gw.WithOpenAPIDocs()
	}
	return gw
}
