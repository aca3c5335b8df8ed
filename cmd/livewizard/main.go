// Command livewizard serves tournament wizards over websockets and runs them
// in the terminal.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/gabrielmiguelok/livewizard/internal/config"
	"github.com/gabrielmiguelok/livewizard/internal/server"
	"github.com/gabrielmiguelok/livewizard/pkg/logging"
)

// Version set via ldflags during build
var version = "dev"

var (
	configFile string
	envFile    string
)

func main() {
	if err := fang.Execute(context.Background(), newRootCmd(), fang.WithVersion(version)); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "livewizard",
		Short:         "Multi-step forms for the tournament platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default ./"+config.DefaultEnvFile+")")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	server.Version = version
	return root
}

// setup loads the configuration and builds the logger it asks for.
func setup() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, nil, err
	}
	opts := []logging.LoggerOption{logging.WithLevel(logging.ParseLevel(cfg.LogLevel))}
	if cfg.LogJSON {
		opts = append(opts, logging.WithJSON())
	}
	logger := logging.NewSlogLogger(opts...)
	logging.SetDefault(logger)
	return cfg, logger, nil
}
