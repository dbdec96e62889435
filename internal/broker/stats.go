package broker

import (
	"strconv"
	"strings"

	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
)

// FetchStats runs one stats round-trip: server stats, the tube list, then
// stats for every tube. A tube dropped by the broker between the list and
// its stats is skipped. Any other failure discards the partial result and
// returns an error wrapping errors.ErrConnectionLost.
func FetchStats(c StatsConn) (history.Stats, map[string]history.Stats, error) {
	raw, err := c.Stats()
	if err != nil {
		return nil, nil, lost(err)
	}
	server := Normalize(raw)

	names, err := c.ListTubes()
	if err != nil {
		return nil, nil, lost(err)
	}

	tubes := make(map[string]history.Stats, len(names))
	for _, name := range names {
		raw, err := c.TubeStats(name)
		if errors.Is(err, errors.ErrNotFound) {
			log.Debug("tube vanished during sampling", "tube", name)
			continue
		}
		if err != nil {
			return nil, nil, lost(err)
		}
		tubes[name] = Normalize(raw)
	}
	return server, tubes, nil
}

// lost makes sure err is classified as a lost connection. A protocol reply
// in the middle of a stats sequence leaves the stream in an unknown state,
// so it counts as lost too.
func lost(err error) error {
	if errors.Is(err, errors.ErrConnectionLost) {
		return err
	}
	return errors.Mark(errors.ErrConnectionLost, err, "stats sequence")
}

// textKeys are always kept verbatim even when they look numeric.
var textKeys = map[string]bool{
	"version":  true,
	"hostname": true,
	"id":       true,
	"os":       true,
	"platform": true,
	"name":     true,
}

// Normalize converts raw broker stats into typed values: integers become
// int64, other numbers float64, everything else stays a string.
func Normalize(raw map[string]string) history.Stats {
	out := make(history.Stats, len(raw))
	for k, v := range raw {
		out[k] = parseValue(k, v)
	}
	return out
}

func parseValue(key, v string) any {
	if textKeys[key] {
		return v
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	// ParseFloat accepts "inf" and "nan"; only numeric-looking values count.
	if strings.ContainsAny(v, "0123456789") {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}

// IntStat reads an integer stat from raw broker stats. Missing or
// malformed values read as 0.
func IntStat(raw map[string]string, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw[key]))
	if err != nil {
		return 0
	}
	return n
}
