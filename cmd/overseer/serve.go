package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/gateway"
	"github.com/jkaninda/overseer/internal/gateway/httpapi"
	"github.com/jkaninda/overseer/internal/gateway/mcpserver"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/ratelimit"
)

var (
	servePort string
	serveMCP  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the supervisor over HTTP and/or MCP stdio",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "serve the run_agent tool over MCP stdio")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = servePort
		if len(cfg.Gateways.HTTP.APIKeys) == 0 {
			return fmt.Errorf("--port needs gateways.http.api_keys in the config file")
		}
	}
	if serveMCP {
		if cfg.Gateways.MCP == nil {
			cfg.Gateways.MCP = &config.MCPGatewayConfig{}
		}
		cfg.Gateways.MCP.Enabled = true
	}

	sc, err := initShared(cfg, logger)
	defer sc.Cleanup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled: set gateways.http or gateways.mcp, or pass --port / --mcp")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway exit.
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

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildGateways returns the gateways enabled in config.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	var gateways []gateway.Gateway
	obs := sc.Obs

	httpEnabled := cfg.Gateways.HTTP != nil && cfg.Gateways.HTTP.Enabled
	if httpEnabled {
		hc := cfg.Gateways.HTTP
		gwCfg := httpapi.Config{
			ListenAddr:     hc.ListenAddr,
			EnableDocs:     hc.EnableDocs,
			APIKeys:        hc.APIKeys,
			MaxRequestSize: hc.MaxRequestSizeBytes,
			Agent:          cfg.Agent,
			MetricsPath:    cfg.MetricsPath(),
		}
		if obs != nil {
			gwCfg.HealthChecker = obs.Health
			if m := obs.MetricsOrNil(); m != nil {
				gwCfg.Metrics = m
				gwCfg.MetricsRegistry = m.Registry
			}
			if obs.TracerOrNil() != nil {
				gwCfg.Tracer = obs.SpanTracer()
			}
		}
		gateways = append(gateways, httpapi.NewGateway(gwCfg, sc.Supervisor, sc.Logger).
			WithAuditReader(sc.Store.Audit()).
			WithRateLimit(ratelimit.NewLimiter(ratelimit.Config{RunsPerMinute: hc.RunsPerMinute})))
	}

	if cfg.Gateways.MCP != nil && cfg.Gateways.MCP.Enabled {
		gateways = append(gateways, mcpserver.NewGateway(mcpserver.Config{
			Name:  cfg.Gateways.MCP.Name,
			Agent: cfg.Agent,
		}, sc.Supervisor, sc.Logger))
	}

	// Metrics on their own listener when the HTTP gateway is off.
	if !httpEnabled && obs != nil && obs.MetricsOrNil() != nil &&
		cfg.Observability.Metrics.Addr != "" {
		gateways = append(gateways, newMetricsGateway(cfg.Observability.Metrics.Addr, cfg.MetricsPath(), obs, sc.Logger))
	}
	return gateways
}

// metricsGateway serves /metrics alone.
type metricsGateway struct {
	server *http.Server
	logger *slog.Logger
}

func newMetricsGateway(addr, path string, obs *observability.Observability, logger *slog.Logger) *metricsGateway {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(obs.Metrics.Registry, promhttp.HandlerOpts{}))
	return &metricsGateway{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (g *metricsGateway) Start(_ context.Context) error {
	g.logger.Info("metrics listener starting", slog.String("addr", g.server.Addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *metricsGateway) Stop(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}
