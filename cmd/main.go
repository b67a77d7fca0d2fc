package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lai/logistics/geofence/config"
)

func main() {
	var (
		configFile string
		cfg        *config.Config
	)

	rootCmd := &cobra.Command{
		Use:           "geofence",
		Short:         "Geofence trigger evaluation and notification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to load .env", "error", err)
			}

			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			level, _ := cfg.SlogLevel()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional config file (env vars take precedence)")

	cfgFn := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		newServeCmd(cfgFn),
		newEvaluateCmd(cfgFn),
		newFencesCmd(cfgFn),
		newMigrateCmd(cfgFn),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
