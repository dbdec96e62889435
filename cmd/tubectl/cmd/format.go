package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/server"
)

// summaryStats are the server counters shown by watch.
var summaryStats = []struct {
	label string
	key   string
}{
	{"ready", "current-jobs-ready"},
	{"reserved", "current-jobs-reserved"},
	{"delayed", "current-jobs-delayed"},
	{"buried", "current-jobs-buried"},
	{"conns", "current-connections"},
}

// summaryLine renders one sample as a single line no wider than width.
// A width <= 0 disables truncation.
func summaryLine(s history.Sample, width int) string {
	var b strings.Builder
	b.WriteString(s.Timestamp.Local().Format("2006-01-02 15:04:05.000"))
	if !s.Connected {
		b.WriteString("  down")
	} else {
		b.WriteString("  up  ")
		for _, st := range summaryStats {
			fmt.Fprintf(&b, " %s=%d", st.label, s.Server.Int(st.key))
		}
		fmt.Fprintf(&b, " tubes=%d", len(s.Tubes))
	}

	line := b.String()
	if width > 0 && runewidth.StringWidth(line) > width {
		line = runewidth.Truncate(line, width, "…")
	}
	return line
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func tubeNames(s history.Sample) []string {
	names := make([]string, 0, len(s.Tubes))
	for name := range s.Tubes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeTubes renders the tubes of s as a table.
func writeTubes(w io.Writer, s history.Sample) {
	if !s.Connected {
		fmt.Fprintf(w, "broker disconnected at %s\n", s.Timestamp.Local().Format(time.DateTime))
		return
	}

	table := newTable(w, "Tube", "Ready", "Reserved", "Delayed", "Buried", "Total", "Paused")
	for _, name := range tubeNames(s) {
		st := s.Tubes[name]
		paused := "-"
		if left := st.Int("pause-time-left"); left > 0 {
			paused = strconv.FormatInt(left, 10) + "s"
		}
		table.Append([]string{
			name,
			strconv.FormatInt(st.Int("current-jobs-ready"), 10),
			strconv.FormatInt(st.Int("current-jobs-reserved"), 10),
			strconv.FormatInt(st.Int("current-jobs-delayed"), 10),
			strconv.FormatInt(st.Int("current-jobs-buried"), 10),
			strconv.FormatInt(st.Int("total-jobs"), 10),
			paused,
		})
	}
	table.Render()
}

// writeStats renders one stats record as a metric/value table.
func writeStats(w io.Writer, st history.Stats) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := newTable(w, "Metric", "Value")
	for _, k := range keys {
		table.Append([]string{k, fmt.Sprint(st[k])})
	}
	table.Render()
}

// writeStatus renders a server status response.
func writeStatus(w io.Writer, st server.StatusResponse) {
	table := newTable(w, "Field", "Value")
	table.Append([]string{"broker", st.Config.Broker})
	table.Append([]string{"interval", fmt.Sprintf("%gs", st.Config.IntervalSeconds)})
	table.Append([]string{"history", fmt.Sprintf("%d/%d samples", st.History.Count, st.History.Capacity)})
	table.Append([]string{"evictions", strconv.FormatInt(st.History.Evictions, 10)})
	table.Append([]string{"waiters", strconv.FormatInt(st.History.Waiters, 10)})

	if smp := st.Sampler; smp != nil {
		table.Append([]string{"state", smp.State})
		table.Append([]string{"ticks", fmt.Sprintf("%d (%d connected, %d disconnected)",
			smp.Ticks, smp.ConnectedTicks, smp.DisconnectedTicks)})
		table.Append([]string{"connects", strconv.FormatInt(smp.Connects, 10)})
		if smp.Panics > 0 {
			table.Append([]string{"panics", strconv.FormatInt(smp.Panics, 10)})
		}
		if smp.DownSince != nil {
			table.Append([]string{"down since", smp.DownSince.Local().Format(time.DateTime)})
		}
		if smp.LastError != "" {
			table.Append([]string{"last error", smp.LastError})
		}
		if lat := smp.FetchLatency; lat.Count > 0 {
			table.Append([]string{"fetch latency", fmt.Sprintf("p50=%s p99=%s max=%s",
				seconds(lat.P50), seconds(lat.P99), seconds(lat.Max))})
		}
	}
	table.Render()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}
