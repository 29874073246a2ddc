package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/chatblast/internal/app"
	"github.com/foxzi/chatblast/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chatblast",
	Short: "chatblast - campaign dispatch server",
	Long:  `chatblast sends bulk messaging campaigns through a pool of gateway instances and tracks delivery receipts.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch server",
	Long:  `Start the chatblast dispatch engine, receipt processor and HTTP API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a running server",
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("chatblast version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, healthCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Driver)
	fmt.Printf("  Gateway: %s\n", cfg.Gateway.BaseURL)
	fmt.Printf("  Connectivity: %s\n", cfg.Connectivity.Mode)
	fmt.Printf("  Receipts: %s\n", cfg.Receipts.Path)
	if cfg.Events.Enabled {
		fmt.Printf("  Events: %s\n", cfg.Events.Exchange)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	h, err := client.Health(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Status:          %s\n", h.Status)
	fmt.Printf("Version:         %s\n", h.Version)
	fmt.Printf("Uptime:          %s\n", h.Uptime)
	fmt.Printf("Receipt backlog: %d\n", h.ReceiptBacklog)
	return nil
}
