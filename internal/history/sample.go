package history

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

// Stats is one opaque broker stats record: metric name to value.
// Values are int64, float64 or string.
type Stats map[string]any

// Int returns the numeric value of key, or 0 when it is missing or text.
func (s Stats) Int(key string) int64 {
	switch v := s[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Sample is one timestamped broker snapshot, or a connectivity-failure
// marker. Samples are shared between readers once pushed and must be
// treated as read-only.
type Sample struct {
	Timestamp time.Time
	Connected bool
	Server    Stats
	Tubes     map[string]Stats
}

// Connected builds a sample for a successful broker round-trip.
// Nil maps are replaced by empty ones so a connected sample always
// carries both.
func Connected(ts time.Time, server Stats, tubes map[string]Stats) Sample {
	if server == nil {
		server = Stats{}
	}
	if tubes == nil {
		tubes = map[string]Stats{}
	}
	return Sample{Timestamp: ts, Connected: true, Server: server, Tubes: tubes}
}

// Disconnected builds a sample for a tick without a broker round-trip.
func Disconnected(ts time.Time) Sample {
	return Sample{Timestamp: ts}
}

// Unix returns the timestamp as fractional epoch seconds.
func (s Sample) Unix() float64 {
	return UnixSeconds(s.Timestamp)
}

// UnixSeconds converts t to fractional epoch seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromUnix converts fractional epoch seconds to a time with microsecond
// precision.
func FromUnix(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6)))
}

// wireSample is the JSON form of a Sample.
type wireSample struct {
	TS        float64          `json:"ts"`
	Connected bool             `json:"connected"`
	Server    Stats            `json:"server"`
	Tubes     map[string]Stats `json:"tubes"`
}

// MarshalJSON implements json.Marshaler.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireSample{
		TS:        s.Unix(),
		Connected: s.Connected,
		Server:    s.Server,
		Tubes:     s.Tubes,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sample) UnmarshalJSON(b []byte) error {
	var w wireSample
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Sample{
		Timestamp: FromUnix(w.TS),
		Connected: w.Connected,
		Server:    w.Server,
		Tubes:     w.Tubes,
	}
	return nil
}
