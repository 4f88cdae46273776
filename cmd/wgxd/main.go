package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2gc-dev/wgx/pkg/config"
	"github.com/2gc-dev/wgx/pkg/logging"
	"github.com/2gc-dev/wgx/pkg/metrics"
	"github.com/2gc-dev/wgx/pkg/relay"
	"github.com/2gc-dev/wgx/pkg/types"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "wgxd",
		Short: "WGX relay daemon",
		Long:  "wgxd forwards WireGuard handshake and transport datagrams between a hub and its spokes without decrypting them.",
		RunE:  run,
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logging.New(cfg.Logging)
	log.Info("starting wgxd", "os", runtime.GOOS, "arch", runtime.GOARCH, "listen_port", cfg.Relay.ListenPort)

	m := metrics.New(cfg.Metrics.Enabled, cfg.Metrics.Port)
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	d, err := relay.New(*cfg, log, m)
	if err != nil {
		return fmt.Errorf("failed to construct relay daemon: %w", err)
	}

	watcher, err := config.WatchAllowList(configFile, func(next *types.Config) {
		keys, wildcard, perr := config.ParseAllowedPublicKeys(next.Relay.AllowedPublicKeys)
		if perr != nil {
			log.Warn("reloaded allow list is invalid, keeping previous", "error", perr)
			return
		}
		d.AllowList().Replace(keys, wildcard)
		log.Info("allow list reloaded", "wildcard", wildcard, "keys", len(keys))
	}, func(err error) {
		log.Warn("config watch error", "error", err)
	})
	if err != nil {
		log.Warn("allow list hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		d.Stop()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("relay daemon exited: %w", err)
		}
	}

	if err := m.Stop(context.Background()); err != nil {
		log.Warn("metrics server shutdown error", "error", err)
	}
	return nil
}
