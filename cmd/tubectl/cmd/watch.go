package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/tubewatch/internal/client"
	"github.com/xtxerr/tubewatch/internal/history"
)

var (
	watchDuration float64
	watchSince    float64
	watchNoBlock  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream samples, one summary line each",
	Long: `Streams samples from the server. Without --duration the stream is
followed until interrupted. Without --since only new samples are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := client.StreamOptions{
			NoBlock:  watchNoBlock,
			Duration: time.Duration(watchDuration * float64(time.Second)),
			Since:    time.Now(),
		}
		if cmd.Flags().Changed("since") {
			opts.Since = history.FromUnix(watchSince)
		}
		return watch(cmd.Context(), api, cmd.OutOrStdout(), opts, terminalWidth())
	},
}

func init() {
	watchCmd.Flags().Float64Var(&watchDuration, "duration", 0,
		"Seconds to keep streaming, 0 to follow until interrupted",
	)
	watchCmd.Flags().Float64Var(&watchSince, "since", 0,
		"Epoch seconds of the oldest sample to show",
	)
	watchCmd.Flags().BoolVar(&watchNoBlock, "no-block", false,
		"Print retained samples at once instead of waiting for the next one",
	)
}

func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// watch prints samples until the stream ends. With a zero duration it
// reconnects whenever the server closes the stream, resuming after the
// newest sample seen.
func watch(ctx context.Context, api *client.Client, w io.Writer, opts client.StreamOptions, width int) error {
	follow := opts.Duration <= 0
	if follow {
		opts.Duration = time.Hour
	}

	var newest time.Time
	for {
		err := api.Stream(ctx, opts, func(s history.Sample) error {
			if _, err := fmt.Fprintln(w, summaryLine(s, width)); err != nil {
				return err
			}
			if s.Timestamp.After(newest) {
				newest = s.Timestamp
			}
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil || !follow {
			return err
		}

		opts.NoBlock = true
		if !newest.IsZero() {
			opts.Since = newest.Add(time.Microsecond)
		}
	}
}
