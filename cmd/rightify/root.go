package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "rightify",
		Short: "rightify - AI legal consultation assistant",
		Long:  "rightify serves the consultation web app and can run one-off consultations from the terminal",
		Example: `  rightify serve --port 8080
  rightify ask --service analyze "房东不退押金怎么办"
  rightify ask --legacy --mode case_search "租房纠纷"`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			setupLogging(flags.logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (default: LOG_LEVEL or info)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAskCmd())

	return cmd
}

// setupLogging installs the JSON logger. An explicit flag wins over LOG_LEVEL.
func setupLogging(flagLevel string) {
	raw := flagLevel
	if raw == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
