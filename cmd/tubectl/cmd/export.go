package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/export"
	"github.com/xtxerr/tubewatch/internal/history"
)

var (
	exportOutput string
	exportSince  float64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the history as a parquet file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if cmd.Flags().Changed("since") {
			since = history.FromUnix(exportSince)
		}

		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		if _, err := api.Export(cmd.Context(), since, f); err != nil {
			f.Close()
			os.Remove(exportOutput)
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return describeExport(cmd.OutOrStdout(), exportOutput)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Parquet file to write",
	)
	exportCmd.Flags().Float64Var(&exportSince, "since", 0,
		"Epoch seconds of the oldest sample to export",
	)
	_ = exportCmd.MarkFlagRequired("output")
}

// describeExport reads back a written export and prints what it holds.
func describeExport(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := export.Read(f)
	if err != nil {
		return errors.Wrapf(err, "read back %s", path)
	}

	samples := make(map[int64]struct{})
	var first, last int64
	for i, r := range rows {
		samples[r.TimestampUs] = struct{}{}
		if i == 0 || r.TimestampUs < first {
			first = r.TimestampUs
		}
		if r.TimestampUs > last {
			last = r.TimestampUs
		}
	}

	if len(rows) == 0 {
		fmt.Fprintf(w, "wrote %s: empty\n", path)
		return nil
	}
	fmt.Fprintf(w, "wrote %s: %d rows, %d samples, %s .. %s\n", path, len(rows), len(samples),
		time.UnixMicro(first).Local().Format(time.DateTime),
		time.UnixMicro(last).Local().Format(time.DateTime))
	return nil
}
