// Command fleetwatchd is the fleet liveness daemon. It accepts heartbeats
// over HTTP and NATS, sweeps for silent nodes, derives service status and
// serves the operator API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/fleetwatch/config"
	"github.com/vinayprograms/fleetwatch/logging"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var level string

	cmd := &cobra.Command{
		Use:           "fleetwatchd",
		Short:         "Heartbeat-based fleet liveness tracker",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()

			cfg, used, err := config.Load(configPath)
			if err != nil {
				log.Error("config_invalid", map[string]interface{}{"path": used, "error": err})
				return err
			}
			if level != "" {
				cfg.Log.Level = level
			}
			lvl, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				log.Error("log_level_invalid", map[string]interface{}{"level": cfg.Log.Level, "error": err})
				return err
			}
			log.SetLevel(lvl)
			defer log.Sync()

			if used != "" {
				log.Info("config_loaded", map[string]interface{}{"path": used})
			}
			if err := run(cmd.Context(), cfg, log); err != nil {
				log.Error("fleetwatchd_failed", map[string]interface{}{"error": err})
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to fleetwatch.toml (default: standard locations)")
	cmd.Flags().StringVar(&level, "log-level", "", "Override log.level (debug, info, warn, error)")
	cmd.SetVersionTemplate(fmt.Sprintf("fleetwatchd %s\n", cmd.Version))
	return cmd
}
