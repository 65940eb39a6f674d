// ============================================================================
// LLM Gateway CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the gateway's command line interface based on Cobra
//
// Command Structure:
//   llm-gateway                    # Root command
//   ├── serve                      # Start the gateway
//   │   └── --config, -c          # Config directory
//   ├── status                     # Show queue/fleet snapshot of a running gateway
//   │   └── --addr                # Gateway base URL
//   ├── workers                    # List registered workers
//   │   └── --addr                # Gateway base URL
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// serve Command:
//   Starts the complete gateway, including:
//   1. Load configuration (file, GATEWAY_* env vars, defaults)
//   2. Create and start Registry, Queue, Dispatcher, Stream Broker
//   3. Start the client HTTP surface and the Prometheus metrics server
//   4. Listen for system signals (SIGINT, SIGTERM)
//   5. Gracefully shut components down in reverse start order
//
// status / workers Commands:
//   Query a running gateway over its /internal observability endpoints
//   and print the snapshot as YAML.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/llmgateway/gateway/internal/api"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/procstats"
	"github.com/llmgateway/gateway/internal/queue"
	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/internal/streambroker"
	"github.com/llmgateway/gateway/internal/workeradapter"
	"github.com/llmgateway/gateway/pkg/types"
)

var configDir string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llm-gateway",
		Short: "LLM Gateway: a distributed inference gateway",
		Long: `LLM Gateway fronts a fleet of model-serving worker nodes with:
- a unified native + OpenAI-compatible request surface
- priority scheduling with per-worker concurrency limits
- streaming response brokering with retry on worker loss
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "config directory (containing config.yaml)")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkersCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long:  "Start the worker registry, job queue, dispatcher, stream broker, and HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupLogging(cfg.LogLevel)
	log := slog.Default()
	log.Info("starting gateway", "listen", cfg.ListenAddr, "metrics", cfg.MetricsAddr)

	reg := registry.New(registry.Config{
		LivenessThreshold: cfg.LivenessThreshold,
		SweepInterval:     cfg.SweepInterval,
	})
	q := queue.New(cfg.QueueDepthLimit)
	adapter := workeradapter.New(workeradapter.Config{Timeout: cfg.WorkerDialTimeout})
	broker := streambroker.New(streambroker.Config{IdleChunkTimeout: cfg.IdleChunkTimeout})
	disp := dispatcher.New(reg, q, adapter, broker, dispatcher.Config{
		MaxAttempts:    cfg.MaxAttempts,
		SweepInterval:  cfg.SweepInterval,
		DefaultTimeout: cfg.DefaultTimeout,
	})
	reg.OnWorkerLost(disp.NotifyWorkerLost)

	collector := metrics.NewCollector()
	disp.SetCollector(collector)

	reg.Start()
	disp.Start()

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	go updateGauges(metricsCtx, collector, reg, disp)
	go func() {
		if err := metrics.StartServer(cfg.MetricsAddr); err != nil {
			log.Error("metrics server exited", "error", err)
		}
	}()
	if poller, err := procstats.NewPoller(15 * time.Second); err == nil {
		go poller.Run(metricsCtx, func(s procstats.Stats) {
			collector.UpdateProcessStats(s.CPUPercent, s.RSSBytes)
		})
	} else {
		log.Warn("process stats poller unavailable", "error", err)
	}

	apiServer := api.New(reg, disp, cfg.DefaultTimeout)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: apiServer.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", "error", err)
		}
	}()

	log.Info("gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CancelGrace+5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stopMetrics()

	disp.Stop()
	reg.Stop()

	log.Info("gateway stopped")
	return nil
}

// updateGauges refreshes the point-in-time queue and fleet gauges on an
// interval, off the serving path.
func updateGauges(ctx context.Context, c *metrics.Collector, reg *registry.Registry, disp *dispatcher.Dispatcher) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, inFlight := disp.Stats()
			c.UpdateQueueStats(queued, inFlight)

			ready, lost := 0, 0
			for _, w := range reg.ListWorkers() {
				switch w.Liveness {
				case types.LivenessReady:
					ready++
				case types.LivenessLost:
					lost++
				}
			}
			c.UpdateFleetStats(ready, lost)
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Display queue depth, in-flight count, and the worker fleet of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the running gateway")
	return cmd
}

func showStatus(out io.Writer, addr string) error {
	var status api.StatusSummary
	if err := fetchJSON(addr+"/internal/status", &status); err != nil {
		return err
	}
	return renderYAML(out, status)
}

func buildWorkersCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Long:  "Display every worker known to a running gateway, with liveness and model inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showWorkers(cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the running gateway")
	return cmd
}

func showWorkers(out io.Writer, addr string) error {
	var workers []api.WorkerSummary
	if err := fetchJSON(addr+"/internal/workers", &workers); err != nil {
		return err
	}
	if len(workers) == 0 {
		fmt.Fprintln(out, "no workers registered")
		return nil
	}
	return renderYAML(out, workers)
}

func fetchJSON(url string, into interface{}) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func renderYAML(out io.Writer, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	_, err = out.Write(data)
	return err
}
