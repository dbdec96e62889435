package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/client"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/wire"
)

// EnvServer overrides the default server URL.
const EnvServer = "TUBEWATCH_SERVER"

var (
	serverURL string
	format    string
	timeout   time.Duration
	logLevel  string

	api *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "tubectl",
	Short:         "Command-line client for tubewatch",
	Long:          `tubectl watches beanstalkd statistics collected by tubewatchd and runs admin actions against its tubes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logging.Init(level, false)

		f, err := wire.ParseFormat(format, "")
		if err != nil {
			return err
		}
		api, err = client.New(&client.Config{
			ServerURL:      serverURL,
			RequestTimeout: timeout,
			Format:         f,
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s",
		envOr(EnvServer, config.DefaultServerURL),
		"tubewatch server URL",
	)
	rootCmd.PersistentFlags().StringVar(&format, "format", "proto",
		"Stream encoding requested from the server. One of json, proto.",
	)
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", config.DefaultRequestTimeout,
		"Timeout of non-streaming requests",
	)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level. One of debug, info, warn, error.",
	)

	rootCmd.AddCommand(watchCmd, actionCmd, statusCmd, exportCmd, shellCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
