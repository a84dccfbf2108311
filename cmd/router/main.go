package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-agent-router/internal/infra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "router",
	Short: "Policy-gated execution gateway for delegated trading and lending agents",
	Long: "Principals grant strategy agents a bounded policy; every agent action is checked\n" +
		"against it, executed on the principal's account and recorded as an event.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
}

func loadConfig() (*infra.Config, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
