package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foldersync/node/internal/config"
	"github.com/foldersync/node/internal/logging"
	"github.com/foldersync/node/internal/metrics"
	"github.com/foldersync/node/internal/node"
	"github.com/foldersync/node/internal/shell"
)

var (
	startAddr        string
	startShare       string
	startInteractive bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node: listen for peers, watch the share directory, and synchronize",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the node's configuration file")
	startCmd.Flags().StringVar(&startAddr, "addr", "", "Override the configured advertised/listen host:port")
	startCmd.Flags().StringVar(&startShare, "share", "", "Override the configured share directory")
	startCmd.Flags().BoolVar(&startInteractive, "interactive", false, "Start an interactive shell alongside the node")
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := config.InitializeConfigFile(configPath, config.Default()); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if startAddr != "" {
		cfg.AdvertisedHostPort = startAddr
		cfg.ListenAddress = startAddr
	}
	if startShare != "" {
		cfg.ShareDirectory = startShare
	}

	if err := logging.Init(logFileDiscriminator(cfg.AdvertisedHostPort), startInteractive); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer logging.Sync()

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	logging.Sugar.Infow("node started", "nodeID", n.ID, "advertised", n.AdvertisedHostPort().String())

	done := make(chan struct{})
	metricsInterval := cfg.SyncInterval
	if metricsInterval <= 0 {
		metricsInterval = 30 * time.Second
	}
	go metrics.LogPeriodic(metricsInterval, ctx.Done())

	if startInteractive {
		go func() {
			shell.Run(n, cfg)
			close(done)
		}()
	} else {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			logging.Sugar.Info("received shutdown signal")
			close(done)
		}()
	}

	<-done
	cancel()
	return nil
}

// logFileDiscriminator turns an advertised host:port into a filesystem-safe
// log file name, so multiple nodes started from the same working directory
// each get their own logs/<discriminator>.log instead of clobbering a
// shared logs/node.log.
func logFileDiscriminator(advertisedHostPort string) string {
	d := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(advertisedHostPort)
	if d == "" {
		return "node"
	}
	return d
}
