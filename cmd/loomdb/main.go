package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomdb/loomdb/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "loomdb",
	Short: "LoomDB transaction log tooling",
	Long: `Operational tooling for the LoomDB transaction log: dump decoded
entries, verify log integrity, and run crash recovery by hand.`,
}

var (
	configFile string
	logLevel   string
	dataDir    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(recoverCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
