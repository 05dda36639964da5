// Command ftrpc runs the arith example service and calls it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ftrpc/config"
	"ftrpc/logging"
	"ftrpc/registry"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:           "ftrpc",
	Short:         "Fault-tolerant binary RPC: example server and client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path (TOML)")
	rootCmd.AddCommand(serveCmd(), callCmd())
}

// setup loads the configuration and builds the logger every command needs.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openEtcd(endpoints []string, logger *zap.Logger) (registry.Registry, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	return registry.NewEtcd(endpoints, 5*time.Second, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ftrpc: %s\n", err)
		os.Exit(1)
	}
}
