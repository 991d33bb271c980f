package wgpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

// relay manages the singleton WireGuard relay container.
//
// ensureMu serialises the list-then-create sequence so that concurrent
// enrollments create at most one relay.  peerMu makes this process the
// single writer of the relay's peer table.
type relay struct {
	rt     runtime.Runtime
	cfg    RelayConfig
	logger *slog.Logger

	ensureMu sync.Mutex
	peerMu   sync.Mutex

	created metric.Int64Counter
}

// ensure returns the id of a running relay container, creating and
// starting one if none exists.
func (r *relay) ensure(ctx context.Context) (string, error) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	ids, err := r.rt.ListByName(ctx, r.cfg.Name)
	if err != nil {
		return "", relayErr(err)
	}

	var id string
	if len(ids) > 0 {
		id = ids[0]
		r.logger.Debug("relay container exists", slog.String("containerID", id))
	} else {
		id, err = r.create(ctx)
		if err != nil {
			return "", err
		}
	}

	info, err := r.rt.Inspect(ctx, id)
	if err != nil {
		return "", relayErr(err)
	}
	if !info.Running() {
		r.logger.Info("starting relay container",
			slog.String("containerID", id),
			slog.String("state", string(info.State)),
		)
		if err := r.rt.StartContainer(ctx, id); err != nil {
			return "", relayErr(err)
		}
		if err := r.waitRunning(ctx, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// create creates the relay container.  A name conflict means another
// process won the race; its container is adopted.
func (r *relay) create(ctx context.Context) (string, error) {
	if r.cfg.PullImage {
		if err := r.rt.PullImage(ctx, r.cfg.Image); err != nil {
			return "", relayErr(err)
		}
	}

	id, err := r.rt.CreateContainer(ctx, r.spec())
	if errors.Is(err, runtime.ErrConflict) {
		ids, lerr := r.rt.ListByName(ctx, r.cfg.Name)
		if lerr != nil {
			return "", relayErr(lerr)
		}
		if len(ids) == 0 {
			return "", relayErr(err)
		}
		r.logger.Info("relay container created concurrently, reusing it", slog.String("containerID", ids[0]))
		return ids[0], nil
	}
	if err != nil {
		return "", relayErr(err)
	}

	if r.created != nil {
		r.created.Add(ctx, 1)
	}
	r.logger.Info("relay container created",
		slog.String("containerID", id),
		slog.String("image", r.cfg.Image),
		slog.Int("port", r.cfg.Port),
	)
	return id, nil
}

func (r *relay) spec() runtime.ContainerSpec {
	port := strconv.Itoa(r.cfg.Port)
	return runtime.ContainerSpec{
		Name:  r.cfg.Name,
		Image: r.cfg.Image,
		Env: []string{
			"TZ=UTC",
			"SERVERURL=auto",
			"SERVERPORT=" + port,
			"PEERS=1",
			"PEERDNS=" + r.cfg.DNS,
			"INTERNAL_SUBNET=" + r.cfg.Subnet.Masked().Addr().String(),
			"ALLOWEDIPS=" + strings.Join(r.cfg.AllowedIPs, ","),
		},
		Ports: []runtime.PortBinding{{
			ContainerPort: r.cfg.Port,
			Protocol:      runtime.UDP,
			HostPort:      port,
		}},
		CapAdd:        []string{"NET_ADMIN"},
		RestartPolicy: "unless-stopped",
		Labels: map[string]string{
			runtime.RoleLabel: runtime.RoleRelay,
		},
	}
}

func (r *relay) waitRunning(ctx context.Context, id string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		info, err := r.rt.Inspect(ctx, id)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !info.Running() {
			return struct{}{}, fmt.Errorf("relay is %s", info.State)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(r.cfg.ReadyTimeout))
	if err != nil {
		return relayErr(err)
	}
	return nil
}

// publicKey reads the relay's public key file.  A freshly created relay
// generates its keys on first boot, so the read is retried until
// ReadyTimeout.
func (r *relay) publicKey(ctx context.Context, id string) (Key, error) {
	key, err := backoff.Retry(ctx, func() (Key, error) {
		res, err := r.rt.Exec(ctx, id, []string{"cat", r.cfg.PublicKeyPath}, nil)
		if err != nil {
			if errors.Is(err, runtime.ErrNotFound) || errors.Is(err, runtime.ErrUnavailable) {
				return Key{}, backoff.Permanent(err)
			}
			return Key{}, err
		}
		if res.ExitCode != 0 {
			return Key{}, fmt.Errorf("reading %s: exit code %d: %s", r.cfg.PublicKeyPath, res.ExitCode, strings.TrimSpace(res.Output))
		}
		return ParseKey(res.Output)
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(r.cfg.ReadyTimeout))
	if err != nil {
		return Key{}, relayErr(fmt.Errorf("relay public key: %w", err))
	}
	return key, nil
}

// addPeer registers pub with allowed on the relay interface.  Calls are
// serialised so concurrent enrollments never interleave their updates.
func (r *relay) addPeer(ctx context.Context, id string, pub Key, allowed netip.Prefix) error {
	r.peerMu.Lock()
	defer r.peerMu.Unlock()

	cmd := []string{"wg", "set", r.cfg.Interface, "peer", pub.String(), "allowed-ips", allowed.String()}
	res, err := r.rt.Exec(ctx, id, cmd, nil)
	if err != nil {
		if errors.Is(err, runtime.ErrUnavailable) {
			return shellerr.New(shellerr.RuntimeUnavailable, "enroll", id, err)
		}
		return shellerr.New(shellerr.PeerRegistrationFailure, "enroll", id, err)
	}
	if res.ExitCode != 0 {
		return &shellerr.Error{
			Kind:        shellerr.PeerRegistrationFailure,
			Op:          "enroll",
			ContainerID: id,
			Command:     strings.Join(cmd, " "),
			Output:      res.Output,
			Err:         fmt.Errorf("exit code %d", res.ExitCode),
		}
	}
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func relayErr(err error) error {
	if errors.Is(err, runtime.ErrUnavailable) {
		return shellerr.New(shellerr.RuntimeUnavailable, "enroll", "", err)
	}
	return shellerr.New(shellerr.RelayUnavailable, "enroll", "", err)
}
