// Package types holds the configuration data model shared by wgxd and wgx.
package types

import "time"

// Config is the top-level relay configuration, loaded by pkg/config.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
}

// RelayConfig carries the relay's own WireGuard identity and policy.
type RelayConfig struct {
	// PrivateKey is the relay's base64-encoded Curve25519 private key.
	PrivateKey string `mapstructure:"private_key"`

	// ListenPort is the UDP port the relay binds. Defaults to 51820.
	ListenPort int `mapstructure:"listen_port"`

	// AllowedPublicKeys is either the literal "all" or a comma-separated
	// list of base64-encoded Curve25519 public keys permitted to complete
	// a handshake with the relay.
	AllowedPublicKeys string `mapstructure:"allowed_public_keys"`

	// PresharedKey is an optional base64-encoded 32-byte PSK mixed into
	// every handshake (Noise_IKpsk2), shared by all allowed peers.
	PresharedKey string `mapstructure:"preshared_key"`

	// HandshakeRateLimit bounds handshake initiations accepted per second
	// before the relay starts replying with Cookie Reply instead.
	HandshakeRateLimit float64 `mapstructure:"handshake_rate_limit"`

	// Workers is the number of ingress workers reading the UDP socket.
	Workers int `mapstructure:"workers"`
}

// LoggingConfig controls the slog-based logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReaperConfig controls periodic session/handshake expiry sweeps and
// cookie-secret rotation.
type ReaperConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	CookieRotationInterval time.Duration `mapstructure:"cookie_rotation_interval"`
}
