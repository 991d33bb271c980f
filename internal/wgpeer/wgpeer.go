// Package wgpeer enrolls shell containers into a WireGuard overlay so a
// remote user can reach a container with no public address.
//
// Enrollment ensures the relay container exists, generates a client
// keypair, derives the client's tunnel address from the container id,
// registers the client with the relay and returns the client-side
// configuration.  Nothing is persisted: the private key only ever exists
// in the returned PeerConfig.
package wgpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

// RelayConfig describes the relay container.
type RelayConfig struct {
	// Name is the fixed container name that identifies the relay.
	// Default: "wireguard".
	Name string

	// Image default: "lscr.io/linuxserver/wireguard:latest".
	Image string

	// PullImage pulls Image before creating the relay.
	PullImage bool

	// Port is the UDP port published on the host.  Default: 51820.
	Port int

	// Interface is the relay's WireGuard interface.  Default: "wg0".
	Interface string

	// Subnet is the tunnel network (IPv4 /24).  Default: 10.0.0.0/24.
	Subnet netip.Prefix

	// DNS is the resolver advertised to clients.  Default: 1.1.1.1.
	DNS string

	// PublicKeyPath is where the relay persists its public key.
	// Default: /config/server/publickey-server.
	PublicKeyPath string

	// AllowedIPs is what the client routes through the tunnel.
	// Default: 0.0.0.0/0.
	AllowedIPs []string

	// Keepalive is the client's persistent keepalive.  Default: 25s.
	Keepalive time.Duration

	// ReadyTimeout bounds waiting for the relay to run and publish its
	// key.  Default: 60s.
	ReadyTimeout time.Duration
}

// Config holds the Service's dependencies.
type Config struct {
	Runtime runtime.Runtime
	Relay   RelayConfig

	// EndpointHost is the address clients dial.  Empty means the local
	// host's primary IPv4 address.
	EndpointHost string

	Logger *slog.Logger
}

// PeerConfig is a complete client-side tunnel configuration.
type PeerConfig struct {
	PrivateKey          string   `json:"private_key"`
	PublicKey           string   `json:"public_key"`
	Address             string   `json:"address"`
	DNS                 string   `json:"dns,omitempty"`
	RelayPublicKey      string   `json:"relay_public_key"`
	Endpoint            string   `json:"endpoint"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive int      `json:"persistent_keepalive"`

	// ContainerAddress is the shell's private address, reachable once
	// the tunnel is up.
	ContainerAddress string `json:"container_address,omitempty"`
}

// Render returns the configuration as a wg-quick file.
func (c PeerConfig) Render() string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	if c.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.RelayPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(c.AllowedIPs, ", "))
	if c.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.PersistentKeepalive)
	}
	return b.String()
}

// Service enrolls peers.
type Service struct {
	rt           runtime.Runtime
	relay        *relay
	cfg          RelayConfig
	endpointHost string
	logger       *slog.Logger
	tracer       trace.Tracer

	// generateKeys is swapped in tests.
	generateKeys func() (KeyPair, error)

	enrollments metric.Int64Counter
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rc := cfg.Relay
	if rc.Name == "" {
		rc.Name = "wireguard"
	}
	if rc.Image == "" {
		rc.Image = "lscr.io/linuxserver/wireguard:latest"
	}
	if rc.Port == 0 {
		rc.Port = 51820
	}
	if rc.Interface == "" {
		rc.Interface = "wg0"
	}
	if !rc.Subnet.IsValid() {
		rc.Subnet = DefaultSubnet
	}
	if rc.DNS == "" {
		rc.DNS = "1.1.1.1"
	}
	if rc.PublicKeyPath == "" {
		rc.PublicKeyPath = "/config/server/publickey-server"
	}
	if len(rc.AllowedIPs) == 0 {
		rc.AllowedIPs = []string{"0.0.0.0/0"}
	}
	if rc.Keepalive == 0 {
		rc.Keepalive = 25 * time.Second
	}
	if rc.ReadyTimeout == 0 {
		rc.ReadyTimeout = 60 * time.Second
	}

	meter := otel.Meter("cloudshell/wgpeer")
	s := &Service{
		rt:           cfg.Runtime,
		cfg:          rc,
		endpointHost: cfg.EndpointHost,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("cloudshell/wgpeer"),
		generateKeys: GenerateKeyPair,
		relay: &relay{
			rt:     cfg.Runtime,
			cfg:    rc,
			logger: cfg.Logger.WithGroup("relay"),
		},
	}

	var err error
	s.enrollments, err = meter.Int64Counter(
		"cloudshell.peers.enrolled",
		metric.WithDescription("Peer enrollments by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create enrollments counter", slog.String("error", err.Error()))
	}
	s.relay.created, err = meter.Int64Counter(
		"cloudshell.relay.created",
		metric.WithDescription("Relay containers created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create relay counter", slog.String("error", err.Error()))
	}

	return s
}

// Enroll registers a new peer for the container and returns its client
// configuration.  The target container is resolved before the relay is
// touched, so an unknown id never creates a relay.  A peer that was added
// to the relay is not rolled back if a later step fails.
func (s *Service) Enroll(ctx context.Context, containerID string) (cfg PeerConfig, err error) {
	ctx, span := s.tracer.Start(ctx, "wgpeer.Enroll")
	defer span.End()
	span.SetAttributes(attribute.String("container.id", containerID))

	defer func() {
		result := "success"
		if err != nil {
			result = string(shellerr.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.enrollments != nil {
			s.enrollments.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}
	}()

	if strings.TrimSpace(containerID) == "" {
		return PeerConfig{}, shellerr.New(shellerr.MissingIdentifier, "enroll", "", nil)
	}

	target, err := s.rt.Inspect(ctx, containerID)
	if err != nil {
		return PeerConfig{}, shellerr.FromRuntime("enroll", containerID, err)
	}

	relayID, err := s.relay.ensure(ctx)
	if err != nil {
		return PeerConfig{}, err
	}

	host, err := s.resolveEndpointHost()
	if err != nil {
		return PeerConfig{}, shellerr.New(shellerr.Internal, "enroll", target.ID, err)
	}

	keys, err := s.generateKeys()
	if err != nil {
		return PeerConfig{}, shellerr.New(shellerr.Internal, "enroll", target.ID, err)
	}

	relayKey, err := s.relay.publicKey(ctx, relayID)
	if err != nil {
		return PeerConfig{}, err
	}

	addr, err := TunnelAddress(s.cfg.Subnet, target.ID)
	if err != nil {
		return PeerConfig{}, shellerr.New(shellerr.Internal, "enroll", target.ID, err)
	}
	span.SetAttributes(attribute.String("tunnel.address", addr.String()))

	if err := s.relay.addPeer(ctx, relayID, keys.Public, netip.PrefixFrom(addr, 32)); err != nil {
		return PeerConfig{}, err
	}

	s.logger.Info("peer enrolled",
		slog.String("containerID", target.ID),
		slog.String("address", addr.String()),
		slog.String("publicKey", keys.Public.String()),
	)

	return PeerConfig{
		PrivateKey:          keys.Private.String(),
		PublicKey:           keys.Public.String(),
		Address:             netip.PrefixFrom(addr, s.cfg.Subnet.Bits()).String(),
		DNS:                 s.cfg.DNS,
		RelayPublicKey:      relayKey.String(),
		Endpoint:            net.JoinHostPort(host, strconv.Itoa(s.cfg.Port)),
		AllowedIPs:          append([]string(nil), s.cfg.AllowedIPs...),
		PersistentKeepalive: int(s.cfg.Keepalive / time.Second),
		ContainerAddress:    target.IPAddress,
	}, nil
}

func (s *Service) resolveEndpointHost() (string, error) {
	if s.endpointHost != "" {
		return s.endpointHost, nil
	}
	return hostAddress()
}

// hostAddress returns the first non-loopback IPv4 address the local
// hostname resolves to, falling back to the interface addresses.
func hostAddress() (string, error) {
	if name, err := os.Hostname(); err == nil {
		if ips, err := net.LookupIP(name); err == nil {
			for _, ip := range ips {
				if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
					return v4.String(), nil
				}
			}
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("listing interface addresses: %w", err)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil && !v4.IsLoopback() {
				return v4.String(), nil
			}
		}
	}
	return "", errors.New("no non-loopback IPv4 address found for the relay endpoint")
}
