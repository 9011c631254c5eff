package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xiaozhi-mcp/xzproxy/internal/adapter/outbound/configstore"
	providerclient "github.com/xiaozhi-mcp/xzproxy/internal/adapter/outbound/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/catalog"
	"github.com/xiaozhi-mcp/xzproxy/internal/domain/provider"
	"github.com/xiaozhi-mcp/xzproxy/internal/eventbus"
	"github.com/xiaozhi-mcp/xzproxy/internal/metrics"
	"github.com/xiaozhi-mcp/xzproxy/internal/port/outbound"
	"github.com/xiaozhi-mcp/xzproxy/internal/service"
)

var (
	devMode     bool
	metricsAddr string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start xzproxy: load the configured downstream providers and
upstream endpoints, bring the provider fleet up, dial every endpoint,
and serve until interrupted.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable debug-level logging")
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	logLevel := slog.LevelInfo
	if devMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next interrupt is an immediate exit.
	}()

	return run(ctx, logger)
}

// run wires the core components together: config first, then the
// catalog/bus, then the two managers, then the coordinator binding them,
// then start everything and block until ctx is done.
func run(ctx context.Context, logger *slog.Logger) error {
	configStore, err := configstore.NewFileConfigStore(cfgFile, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	shutdownTelemetry, err := metrics.SetupTelemetry(ctx, "xzproxy")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	cat := catalog.New()
	bus := eventbus.New(logger)
	defer bus.Destroy()

	clientFactory := func(cfg provider.ProviderConfig) (outbound.ProviderClient, error) {
		return providerclient.New(cfg, logger.With("provider", cfg.Name))
	}

	serviceManager, err := service.NewServiceManager(clientFactory, cat, configStore, bus, logger.With("component", "service_manager"))
	if err != nil {
		return fmt.Errorf("build service manager: %w", err)
	}

	endpointManager := service.NewEndpointManager(
		service.DefaultConnectionFactory(bus, logger.With("component", "endpoint_connection")),
		bus,
		logger.With("component", "endpoint_manager"),
	)
	endpointManager.SetServiceManager(serviceManager)
	service.NewCoordinator(endpointManager, bus, logger.With("component", "coordinator"))

	servers, err := configStore.GetMcpServers(ctx)
	if err != nil {
		return fmt.Errorf("load mcp servers: %w", err)
	}
	for name, cfg := range servers {
		if err := serviceManager.AddProviderConfig(name, cfg); err != nil {
			logger.Error("invalid provider config, skipping", "provider", name, "error", err)
		}
	}
	if err := serviceManager.Start(ctx); err != nil {
		return fmt.Errorf("start providers: %w", err)
	}

	endpoints, err := configStore.GetMcpEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("load mcp endpoints: %w", err)
	}
	for _, url := range endpoints {
		if err := endpointManager.AddEndpoint(ctx, url); err != nil {
			logger.Error("invalid endpoint, skipping", "url", url, "error", err)
		}
	}
	endpointManager.Connect(ctx)

	poller := metrics.NewPoller(serviceManager, endpointManager, m)
	go poller.Run(ctx)

	metricsServer := startMetricsServer(metricsAddr, reg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("xzproxy started", "providers", len(servers), "endpoints", len(endpoints))
	<-ctx.Done()

	logger.Info("shutting down")
	endpointManager.Cleanup()
	if err := serviceManager.Close(); err != nil {
		logger.Warn("service manager close failed", "error", err)
	}

	return nil
}

// startMetricsServer serves /metrics via a standalone
// mux.Handle("/metrics", promhttp.HandlerFor(reg, ...)) mount.
func startMetricsServer(addr string, reg *prometheus.Registry, logger *slog.Logger) *stdhttp.Server {
	mux := stdhttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &stdhttp.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
