package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/incidentwatch/internal/app"
	"github.com/nhle/incidentwatch/internal/metrics"
	"github.com/nhle/incidentwatch/internal/model"
)

func main() {
	ctx, stop := signalContext()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var (
	configPath  string
	tokenFlag   string
	metricsAddr string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "incidentctl",
	Short:         "Triage security incidents and submit logs for analysis",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", model.DefaultConfigPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "bearer token (overrides the keyring)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr instead of the log file")
}

// newRuntime reads the config and opens the services. The caller must
// defer rt.Close().
func newRuntime(cmd *cobra.Command) (*app.Runtime, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	opts := app.Options{Token: tokenFlag}
	if verbose {
		opts.LogWriter = os.Stderr
	}

	rt, err := app.Open(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}

	if metricsAddr != "" {
		metrics.Serve(cmd.Context(), metricsAddr, rt.Logger)
	}
	return rt, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
