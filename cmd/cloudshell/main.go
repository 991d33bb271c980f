package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/cloudshell/internal/api"
	"github.com/terrpan/cloudshell/internal/buildinfo"
	"github.com/terrpan/cloudshell/internal/config"
	"github.com/terrpan/cloudshell/internal/health"
	"github.com/terrpan/cloudshell/internal/otel"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloudshell",
	Short: "Ephemeral SSH shells in containers, reachable over WireGuard",
	Long: `cloudshell provisions short-lived SSH-reachable containers on demand,
manages their lifecycle, and enrolls them into a WireGuard overlay served
by a relay container on the same host.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	Version:      fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server overrides
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "HTTP listen address (e.g. :8080)")

	// Runtime overrides
	f.StringVar(&flagOverrides.Runtime.Docker.Host, "docker-host", "", "Docker daemon address (default: DOCKER_HOST)")

	// Shell overrides
	f.StringVar(&flagOverrides.Shell.Image, "image", "", "Base image for shell containers")
	f.BoolVar(&flagOverrides.Shell.KeepFailed, "keep-failed", false, "Keep containers whose bootstrap failed")

	// Relay overrides
	f.StringVar(&flagOverrides.Relay.EndpointHost, "endpoint-host", "", "Host WireGuard clients dial (default: this host's address)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Runtime.Docker.Host != "" {
		cfg.Runtime.Docker.Host = flagOverrides.Runtime.Docker.Host
	}
	if flagOverrides.Shell.Image != "" {
		cfg.Shell.Image = flagOverrides.Shell.Image
	}
	if flagOverrides.Shell.KeepFailed {
		cfg.Shell.KeepFailed = true
	}
	if flagOverrides.Relay.EndpointHost != "" {
		cfg.Relay.EndpointHost = flagOverrides.Relay.EndpointHost
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("runtime", cfg.Runtime.Type),
		slog.String("image", cfg.Shell.Image),
		slog.String("listen", cfg.Server.Listen),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	tel, err := otel.SetupOTelSDK(ctx, health.ServiceName, cfg.OTelSetup())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Connect to the container runtime
	// ---------------------------------------------------------------
	rt, err := cfg.NewRuntime(ctx, logger)
	if err != nil {
		return fmt.Errorf("connecting to runtime: %w", err)
	}
	defer rt.Close()

	// ---------------------------------------------------------------
	// 5. Build components and pull the shell image
	// ---------------------------------------------------------------
	provisioner := cfg.NewProvisioner(rt, logger)
	if cfg.PullImages() {
		logger.Info("pulling shell image", slog.String("image", provisioner.Image()))
		if err := provisioner.Prepare(ctx); err != nil {
			return fmt.Errorf("pulling shell image: %w", err)
		}
	}
	controller := cfg.NewLifecycle(rt, logger)
	enrollment := cfg.NewEnrollment(rt, logger)

	var runner api.QuickCode
	if cfg.QuickCode.Enabled {
		qc, err := cfg.NewQuickCode(rt, logger)
		if err != nil {
			return err
		}
		runner = qc
		logger.Info("quickcode enabled",
			slog.Any("allow", cfg.QuickCode.Allow),
			slog.Any("deny", cfg.QuickCode.Deny),
		)
	}

	queue := cfg.NewJobQueue(provisioner, logger)
	queue.Start(ctx)
	defer func() {
		if err := queue.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("job queue shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Handler(cfg.Runtime.Type))
	if p, ok := rt.(health.Pinger); ok {
		mux.HandleFunc("GET /readyz", health.ReadyHandler(cfg.Runtime.Type, p, 5*time.Second))
	}
	if h := tel.MetricsHandler(); h != nil {
		mux.Handle("GET /metrics", h)
	}
	api.New(api.Config{
		Provisioner:   provisioner,
		Lifecycle:     controller,
		Enroller:      enrollment,
		Jobs:          queue,
		QuickCode:     runner,
		MaxAttempts:   cfg.Jobs.MaxAttempts,
		RetryInterval: cfg.Jobs.Interval,
		Logger:        logger.WithGroup("api"),
	}).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ---------------------------------------------------------------
	// 7. Run until interrupted
	// ---------------------------------------------------------------
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
