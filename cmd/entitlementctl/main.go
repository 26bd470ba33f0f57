package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcourtman/entitlements/internal/config"
	"github.com/rcourtman/entitlements/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	dataDir  string
	jsonOut  bool
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "entitlementctl",
		Short:         "Inspect and manage premium entitlements",
		Long:          `entitlementctl validates this installation's entitlement, manages activated devices and runs the background refresh service.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (default $ENTITLEMENTS_DATA_DIR or ~/.config/timelog)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newVersionCmd(),
		newValidateCmd(opts),
		newStatusCmd(opts),
		newFeatureCmd(opts),
		newActivateCmd(opts),
		newSignOutCmd(opts),
		newDevicesCmd(opts),
		newTrialCmd(opts),
		newServeCmd(opts),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitlementctl %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// loadConfig applies flag overrides and initializes logging.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if dir := strings.TrimSpace(o.dataDir); dir != "" {
		if err := os.Setenv("ENTITLEMENTS_DATA_DIR", dir); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlementctl",
		FilePath:  cfg.LogFile,
	})
	return cfg, nil
}

// withApp loads configuration, builds the app and runs fn.
func (o *rootOptions) withApp(fn func(a *app) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer logging.Shutdown()
	return fn(a)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
