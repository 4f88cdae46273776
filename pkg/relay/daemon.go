// Package relay implements the WGX datagram plane: Classifier, Handshake
// Responder, Forwarder, Control Channel, and the Session Table they share,
// supervised by a Daemon that owns the UDP socket and the periodic reaper.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2gc-dev/wgx/pkg/logging"
	"github.com/2gc-dev/wgx/pkg/metrics"
	"github.com/2gc-dev/wgx/pkg/noise"
	"github.com/2gc-dev/wgx/pkg/session"
	"github.com/2gc-dev/wgx/pkg/types"
)

// Daemon runs the relay's whole datagram plane: it owns the socket, the
// shared Session Table, and every periodic task (reaper, cookie rotation),
// supervised by an errgroup so any fatal error shuts everything down
// deterministically.
type Daemon struct {
	cfg types.Config
	log logging.Logger
	m   *metrics.Metrics

	identity  *noise.Identity
	table     *session.Table
	allowList *AllowList
	responder *Responder
	forwarder *Forwarder
	control   *ControlChannel

	sock *socket

	cancel context.CancelFunc
}

// New builds a Daemon from a validated configuration. It does not bind the
// socket yet — call Run for that.
func New(cfg types.Config, log logging.Logger, m *metrics.Metrics) (*Daemon, error) {
	priv, err := decodeKey32(cfg.Relay.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	var psk *[32]byte
	if cfg.Relay.PresharedKey != "" {
		k, err := decodeKey32(cfg.Relay.PresharedKey)
		if err != nil {
			return nil, fmt.Errorf("decode preshared key: %w", err)
		}
		psk = &k
	}
	identity, err := noise.NewIdentity(priv, psk)
	if err != nil {
		return nil, fmt.Errorf("build relay identity: %w", err)
	}

	allow, err := NewAllowListFromConfig(cfg.Relay.AllowedPublicKeys)
	if err != nil {
		return nil, fmt.Errorf("build allow list: %w", err)
	}

	table := session.NewTable()
	responder := NewResponder(identity, table, allow, cfg.Relay.HandshakeRateLimit, m, log)
	forwarder := NewForwarder(table, allow, m)
	control := NewControlChannel(allow, table)

	return &Daemon{
		cfg:       cfg,
		log:       log,
		m:         m,
		identity:  identity,
		table:     table,
		allowList: allow,
		responder: responder,
		forwarder: forwarder,
		control:   control,
	}, nil
}

// AllowList exposes the daemon's allow list so config-reload wiring (see
// cmd/wgxd) can push updates into a running daemon.
func (d *Daemon) AllowList() *AllowList { return d.allowList }

// Run binds the socket and blocks until ctx is cancelled or a fatal error
// occurs, supervising the ingress workers, reaper, and cookie-rotation
// ticker under one errgroup.
func (d *Daemon) Run(ctx context.Context) error {
	sock, err := openSocket(d.cfg.Relay.ListenPort)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	d.sock = sock
	defer sock.close()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	workers := d.cfg.Relay.Workers
	if workers < 1 {
		workers = 1
	}
	for i, fn := range sock.receiveFns {
		if i >= workers {
			break
		}
		fn := fn
		g.Go(func() error { return d.ingressLoop(ctx, fn) })
	}
	if len(sock.receiveFns) == 0 {
		return fmt.Errorf("bind returned no receive functions")
	}

	g.Go(func() error { return d.reapLoop(ctx) })

	d.log.Info("wgxd started", "port", sock.port, "workers", workers)
	return g.Wait()
}

// Stop requests a graceful shutdown.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) reapLoop(ctx context.Context) error {
	interval := d.cfg.Reaper.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	cookieInterval := d.cfg.Reaper.CookieRotationInterval
	if cookieInterval <= 0 {
		cookieInterval = 120 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			expired := d.table.Expire(now)
			if expired > 0 {
				d.log.Debug("reaped expired sessions", "count", expired)
			}
			d.identity.RotateCookieSecretIfDue(cookieInterval, now)
			_, sessionCount := d.table.Snapshot()
			d.m.SetSessionsLive(sessionCount)
		}
	}
}

func decodeKey32(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("key must decode to 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
