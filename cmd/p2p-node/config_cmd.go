package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foldersync/node/internal/config"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialize node configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file if one does not already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.InitializeConfigFile(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Println("Initialized config file:", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("advertisedHostPort:         %s\n", cfg.AdvertisedHostPort)
		fmt.Printf("listenAddress:              %s\n", cfg.ListenAddress)
		fmt.Printf("shareDirectory:             %s\n", cfg.ShareDirectory)
		fmt.Printf("blockSize:                  %d\n", cfg.BlockSize)
		fmt.Printf("maximumIncomingConnections: %d\n", cfg.MaximumIncomingConnections)
		fmt.Printf("syncInterval:               %s\n", cfg.SyncInterval)
		fmt.Printf("peers:                      %v\n", cfg.Peers)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the node's configuration file")
}
