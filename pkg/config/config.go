// Package config loads and validates wgxd's configuration and watches the
// config file for AllowList changes.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/2gc-dev/wgx/pkg/types"
)

// Load reads configuration from file and environment variables.
func Load(configPath string) (*types.Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/wgx")
	viper.AddConfigPath("$HOME/.wgx")

	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WGX")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg types.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	substituteEnvVars(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("relay.listen_port", 51820)
	viper.SetDefault("relay.handshake_rate_limit", 120.0)
	viper.SetDefault("relay.workers", 1)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)
	viper.SetDefault("reaper.interval", "10s")
	viper.SetDefault("reaper.cookie_rotation_interval", "120s")
}

// Validate checks a loaded configuration for internal consistency.
func Validate(c *types.Config) error {
	if c.Relay.ListenPort <= 0 || c.Relay.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port")
	}

	if c.Relay.PrivateKey == "" {
		return fmt.Errorf("relay private key is required")
	}
	if _, err := decodeKey(c.Relay.PrivateKey); err != nil {
		return fmt.Errorf("invalid relay private key: %w", err)
	}

	if c.Relay.PresharedKey != "" {
		if _, err := decodeKey(c.Relay.PresharedKey); err != nil {
			return fmt.Errorf("invalid preshared key: %w", err)
		}
	}

	if err := ValidateAllowedPublicKeys(c.Relay.AllowedPublicKeys); err != nil {
		return err
	}

	if c.Relay.HandshakeRateLimit <= 0 {
		return fmt.Errorf("handshake rate limit must be positive")
	}

	if c.Relay.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	if c.Reaper.Interval < time.Second {
		return fmt.Errorf("reaper interval must be at least one second")
	}

	return nil
}

// ValidateAllowedPublicKeys checks that the raw config value is either the
// wildcard "all" or a comma-separated list of valid base64 32-byte keys.
func ValidateAllowedPublicKeys(raw string) error {
	if raw == "" {
		return fmt.Errorf("allowed_public_keys is required (use \"all\" or a key list)")
	}
	if raw == "all" {
		return nil
	}
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, err := decodeKey(key); err != nil {
			return fmt.Errorf("invalid allowed public key %q: %w", key, err)
		}
	}
	return nil
}

func decodeKey(b64 string) ([32]byte, error) {
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

// ParseAllowedPublicKeys returns the decoded key set, or (nil, true) for the
// wildcard "all".
func ParseAllowedPublicKeys(raw string) (keys [][32]byte, wildcard bool, err error) {
	if raw == "all" {
		return nil, true, nil
	}
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		k, derr := decodeKey(s)
		if derr != nil {
			return nil, false, derr
		}
		keys = append(keys, k)
	}
	return keys, false, nil
}

// substituteEnvVars substitutes environment variables in configuration
// strings. Supports ${VAR} and ${VAR:default}.
func substituteEnvVars(cfg *types.Config) {
	cfg.Relay.PrivateKey = substituteEnvVar(cfg.Relay.PrivateKey)
	cfg.Relay.PresharedKey = substituteEnvVar(cfg.Relay.PresharedKey)
	cfg.Relay.AllowedPublicKeys = substituteEnvVar(cfg.Relay.AllowedPublicKeys)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

func substituteEnvVar(value string) string {
	if value == "" {
		return value
	}
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		matches := envVarPattern.FindStringSubmatch(match)
		if len(matches) < 2 {
			return match
		}
		varName := matches[1]
		defaultValue := ""
		if len(matches) > 2 {
			defaultValue = matches[2]
		}
		envValue := os.Getenv(varName)
		if envValue == "" {
			envValue = defaultValue
		}
		return envValue
	})
}

// Watcher notifies a callback whenever the config file on disk changes, so
// that AllowedPublicKeys reloads take effect without a daemon restart.
type Watcher struct {
	fsw *fsnotify.Watcher
}

// WatchAllowList watches configPath and invokes onReload with the freshly
// parsed, validated configuration every time the file is written. Parse or
// validation failures are reported via onError and the previous
// configuration is left in effect.
func WatchAllowList(configPath string, onReload func(*types.Config), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(configPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(configPath)
				if err != nil {
					onError(err)
					continue
				}
				onReload(cfg)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				onError(err)
			}
		}
	}()

	return &Watcher{fsw: fsw}, nil
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
