// Package config handles loading, validating, and applying
// configuration for the cloudshell server.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/cloudshell/internal/jobs"
	"github.com/terrpan/cloudshell/internal/lifecycle"
	"github.com/terrpan/cloudshell/internal/otel"
	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/quickcode"
	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/runtime/docker"
	"github.com/terrpan/cloudshell/internal/shellerr"
	"github.com/terrpan/cloudshell/internal/wgpeer"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Shell   ShellConfig   `yaml:"shell"`
	Relay   RelayConfig   `yaml:"relay"`
	Jobs      JobsConfig      `yaml:"jobs"`
	QuickCode QuickCodeConfig `yaml:"quickcode"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Listen is the address to bind.  Default: ":8080".
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.  Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// RuntimeConfig selects and configures the container runtime.
type RuntimeConfig struct {
	// Type selects the runtime.  Only "docker" is supported.
	Type string `yaml:"type"`

	// Docker holds Docker-specific settings.
	Docker DockerRuntimeConfig `yaml:"docker"`
}

// DockerRuntimeConfig holds Docker-specific settings.
type DockerRuntimeConfig struct {
	// Host overrides DOCKER_HOST (e.g. "unix:///var/run/docker.sock").
	Host string `yaml:"host"`

	// PullImages pulls the shell and relay images before first use.
	// A *bool so "not set" (nil -> true) differs from false.
	PullImages *bool `yaml:"pull_images"`
}

// ---------------------------------------------------------------------------
// Shell
// ---------------------------------------------------------------------------

// ShellConfig controls provisioned shell containers.
type ShellConfig struct {
	// Image is the base image.  Default: "ubuntu:latest".
	Image string `yaml:"image"`

	// KeepAlive is the container command.  Default: tail -f /dev/null.
	KeepAlive []string `yaml:"keep_alive"`

	// ExecTimeout bounds each bootstrap command.  Default: 5m.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// ReadyTimeout bounds the wait for a new container to run.  Default: 30s.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// KeepFailed leaves containers whose bootstrap failed for debugging.
	KeepFailed bool `yaml:"keep_failed"`

	// StopTimeout is the grace period before a stopped container is
	// killed.  Default: 10s.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// RelayConfig describes the WireGuard relay container.
type RelayConfig struct {
	Name          string        `yaml:"name"`
	Image         string        `yaml:"image"`
	Port          int           `yaml:"port"`
	Interface     string        `yaml:"interface"`
	Subnet        string        `yaml:"subnet"`
	DNS           string        `yaml:"dns"`
	PublicKeyPath string        `yaml:"public_key_path"`
	AllowedIPs    []string      `yaml:"allowed_ips"`
	Keepalive     time.Duration `yaml:"keepalive"`
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`

	// EndpointHost is the host clients dial.  Empty means this host's
	// primary address.
	EndpointHost string `yaml:"endpoint_host"`
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// JobsConfig controls asynchronous provisioning.
type JobsConfig struct {
	// Workers is the number of concurrent provisioning workers.  Default: 2.
	Workers int `yaml:"workers"`

	// MaxAttempts is the default attempt budget per job.  Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// Interval is the default wait between attempts.  Default: 10s.
	Interval time.Duration `yaml:"interval"`

	// QueueSize bounds pending jobs.  Default: 64.
	QueueSize int `yaml:"queue_size"`

	// RetryBootstrapFailures retries jobs whose bootstrap commands
	// failed.  Default: true.
	RetryBootstrapFailures *bool `yaml:"retry_bootstrap_failures"`

	// Retention is how long finished jobs stay queryable.  Default: 1h.
	Retention time.Duration `yaml:"retention"`
}

// ---------------------------------------------------------------------------
// QuickCode
// ---------------------------------------------------------------------------

// QuickCodeConfig controls one-shot command runs (POST /run).
type QuickCodeConfig struct {
	// Enabled registers the /run route.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Allow, when non-empty, lists the only images that may be run.
	// Entries are image references; one without a tag matches every tag.
	Allow []string `yaml:"allow"`

	// Deny lists images that may never be run.  Deny wins over Allow.
	Deny []string `yaml:"deny"`

	// Timeout bounds a run, image pull included.  Default: 2m.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutput truncates returned output, in bytes.  Default: 65536.
	MaxOutput int `yaml:"max_output"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves metrics on /metrics of the API listener.
	// Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; Validate fills in the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- defaults and flags cover everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Runtime.Type == "" {
		c.Runtime.Type = "docker"
	}
	if c.Runtime.Docker.PullImages == nil {
		c.Runtime.Docker.PullImages = boolPtr(true)
	}

	if c.Shell.Image == "" {
		c.Shell.Image = provision.DefaultImage
	}
	if len(c.Shell.KeepAlive) == 0 {
		c.Shell.KeepAlive = append([]string(nil), provision.DefaultKeepAlive...)
	}
	if c.Shell.ExecTimeout == 0 {
		c.Shell.ExecTimeout = 5 * time.Minute
	}
	if c.Shell.ReadyTimeout == 0 {
		c.Shell.ReadyTimeout = 30 * time.Second
	}
	if c.Shell.StopTimeout == 0 {
		c.Shell.StopTimeout = 10 * time.Second
	}

	if c.Relay.Name == "" {
		c.Relay.Name = "wireguard"
	}
	if c.Relay.Image == "" {
		c.Relay.Image = "lscr.io/linuxserver/wireguard:latest"
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = 51820
	}
	if c.Relay.Interface == "" {
		c.Relay.Interface = "wg0"
	}
	if c.Relay.Subnet == "" {
		c.Relay.Subnet = wgpeer.DefaultSubnet.String()
	}
	if c.Relay.DNS == "" {
		c.Relay.DNS = "1.1.1.1"
	}
	if c.Relay.PublicKeyPath == "" {
		c.Relay.PublicKeyPath = "/config/server/publickey-server"
	}
	if len(c.Relay.AllowedIPs) == 0 {
		c.Relay.AllowedIPs = []string{"0.0.0.0/0"}
	}
	if c.Relay.Keepalive == 0 {
		c.Relay.Keepalive = 25 * time.Second
	}
	if c.Relay.ReadyTimeout == 0 {
		c.Relay.ReadyTimeout = 60 * time.Second
	}

	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.Interval == 0 {
		c.Jobs.Interval = 10 * time.Second
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 64
	}
	if c.Jobs.RetryBootstrapFailures == nil {
		c.Jobs.RetryBootstrapFailures = boolPtr(true)
	}
	if c.Jobs.Retention == 0 {
		c.Jobs.Retention = time.Hour
	}

	if c.QuickCode.Timeout == 0 {
		c.QuickCode.Timeout = 2 * time.Minute
	}
	if c.QuickCode.MaxOutput == 0 {
		c.QuickCode.MaxOutput = 64 << 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if !c.OTel.Enabled && !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
	if c.OTel.Prometheus == nil {
		c.OTel.Prometheus = boolPtr(true)
	}
}

// Validate applies defaults, then checks that all fields are consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: invalid address %q: %w", c.Server.Listen, err)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}

	if c.Runtime.Type != "docker" {
		return fmt.Errorf("runtime.type %q is not supported (supported: docker)", c.Runtime.Type)
	}

	if strings.TrimSpace(c.Shell.Image) == "" {
		return fmt.Errorf("shell.image is empty")
	}
	for i, a := range c.Shell.KeepAlive {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("shell.keep_alive[%d] is empty", i)
		}
	}
	for name, d := range map[string]time.Duration{
		"shell.exec_timeout":  c.Shell.ExecTimeout,
		"shell.ready_timeout": c.Shell.ReadyTimeout,
		"shell.stop_timeout":  c.Shell.StopTimeout,
		"relay.keepalive":     c.Relay.Keepalive,
		"relay.ready_timeout": c.Relay.ReadyTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d is out of range", c.Relay.Port)
	}
	subnet, err := netip.ParsePrefix(c.Relay.Subnet)
	if err != nil {
		return fmt.Errorf("relay.subnet: %w", err)
	}
	if !subnet.Addr().Is4() || subnet.Bits() != 24 {
		return fmt.Errorf("relay.subnet %q must be an IPv4 /24", c.Relay.Subnet)
	}
	for i, a := range c.Relay.AllowedIPs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(a)); err != nil {
			return fmt.Errorf("relay.allowed_ips[%d]: %w", i, err)
		}
	}
	if c.Relay.DNS != "" {
		if _, err := netip.ParseAddr(c.Relay.DNS); err != nil {
			return fmt.Errorf("relay.dns: %w", err)
		}
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be at least 1")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	if c.Jobs.Interval < 0 {
		return fmt.Errorf("jobs.interval must not be negative")
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("jobs.queue_size must be at least 1")
	}
	if c.Jobs.Retention < 0 {
		return fmt.Errorf("jobs.retention must not be negative")
	}

	if c.QuickCode.Timeout < 0 {
		return fmt.Errorf("quickcode.timeout must not be negative")
	}
	if c.QuickCode.MaxOutput < 0 {
		return fmt.Errorf("quickcode.max_output must not be negative")
	}
	for i, ref := range c.QuickCode.Allow {
		if _, err := quickcode.NewPolicy([]string{ref}, nil); err != nil {
			return fmt.Errorf("quickcode.allow[%d]: %w", i, err)
		}
	}
	for i, ref := range c.QuickCode.Deny {
		if _, err := quickcode.NewPolicy(nil, []string{ref}); err != nil {
			return fmt.Errorf("quickcode.deny[%d]: %w", i, err)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (supported: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

func boolPtr(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OTelSetup returns the SDK configuration for otel.SetupOTelSDK.
func (c *Config) OTelSetup() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.OTel.Prometheus != nil && *c.OTel.Prometheus,
	}
}

// ClosableRuntime is a runtime holding a connection that must be closed.
type ClosableRuntime interface {
	runtime.Runtime
	Close() error
}

// NewRuntime connects to the container runtime selected by runtime.type.
func (c *Config) NewRuntime(ctx context.Context, logger *slog.Logger) (ClosableRuntime, error) {
	switch c.Runtime.Type {
	case "docker":
		return docker.New(ctx, docker.Config{
			Host:        c.Runtime.Docker.Host,
			StopTimeout: c.Shell.StopTimeout,
		}, logger.WithGroup("runtime.docker"))
	default:
		return nil, fmt.Errorf("unsupported runtime type: %s", c.Runtime.Type)
	}
}

// NewProvisioner creates the shell provisioner.
func (c *Config) NewProvisioner(rt runtime.Runtime, logger *slog.Logger) *provision.Provisioner {
	return provision.New(provision.Config{
		Runtime:      rt,
		Image:        c.Shell.Image,
		KeepAlive:    c.Shell.KeepAlive,
		ExecTimeout:  c.Shell.ExecTimeout,
		ReadyTimeout: c.Shell.ReadyTimeout,
		KeepFailed:   c.Shell.KeepFailed,
		Logger:       logger.WithGroup("provision"),
	})
}

// NewLifecycle creates the lifecycle controller.
func (c *Config) NewLifecycle(rt runtime.Runtime, logger *slog.Logger) *lifecycle.Controller {
	return lifecycle.New(lifecycle.Config{
		Runtime: rt,
		Logger:  logger.WithGroup("lifecycle"),
	})
}

// NewEnrollment creates the peer enrollment service.  Validate must have
// succeeded first.
func (c *Config) NewEnrollment(rt runtime.Runtime, logger *slog.Logger) *wgpeer.Service {
	allowed := make([]string, len(c.Relay.AllowedIPs))
	for i, a := range c.Relay.AllowedIPs {
		allowed[i] = strings.TrimSpace(a)
	}
	return wgpeer.New(wgpeer.Config{
		Runtime: rt,
		Relay: wgpeer.RelayConfig{
			Name:          c.Relay.Name,
			Image:         c.Relay.Image,
			PullImage:     c.PullImages(),
			Port:          c.Relay.Port,
			Interface:     c.Relay.Interface,
			Subnet:        netip.MustParsePrefix(c.Relay.Subnet),
			DNS:           c.Relay.DNS,
			PublicKeyPath: c.Relay.PublicKeyPath,
			AllowedIPs:    allowed,
			Keepalive:     c.Relay.Keepalive,
			ReadyTimeout:  c.Relay.ReadyTimeout,
		},
		EndpointHost: c.Relay.EndpointHost,
		Logger:       logger.WithGroup("wgpeer"),
	})
}

// NewJobQueue creates the provisioning job queue around p.
func (c *Config) NewJobQueue(p *provision.Provisioner, logger *slog.Logger) *jobs.Queue {
	return jobs.New(jobs.Config{
		Provision: p.Provision,
		Workers:   c.Jobs.Workers,
		QueueSize: c.Jobs.QueueSize,
		Retention: c.Jobs.Retention,
		Classify:  c.retryClassifier(),
		Logger:    logger.WithGroup("jobs"),
	})
}

// NewQuickCode creates the one-shot runner.  Validate must have succeeded
// first.
func (c *Config) NewQuickCode(rt runtime.Runtime, logger *slog.Logger) (*quickcode.Runner, error) {
	policy, err := quickcode.NewPolicy(c.QuickCode.Allow, c.QuickCode.Deny)
	if err != nil {
		return nil, fmt.Errorf("quickcode policy: %w", err)
	}
	return quickcode.New(quickcode.Config{
		Runtime:   rt,
		Policy:    policy,
		Timeout:   c.QuickCode.Timeout,
		MaxOutput: c.QuickCode.MaxOutput,
		Logger:    logger.WithGroup("quickcode"),
	}), nil
}

// retryClassifier retries everything except missing input, and failed
// bootstrap commands when jobs.retry_bootstrap_failures is false.
func (c *Config) retryClassifier() jobs.Classifier {
	retryBootstrap := c.Jobs.RetryBootstrapFailures == nil || *c.Jobs.RetryBootstrapFailures
	return func(err error) jobs.Disposition {
		switch shellerr.KindOf(err) {
		case shellerr.MissingIdentifier:
			return jobs.Terminal
		case shellerr.BootstrapCommandFailure:
			if !retryBootstrap {
				return jobs.Terminal
			}
		}
		return jobs.Retryable
	}
}

// PullImages reports whether images are pulled before first use.
func (c *Config) PullImages() bool {
	return c.Runtime.Docker.PullImages != nil && *c.Runtime.Docker.PullImages
}
