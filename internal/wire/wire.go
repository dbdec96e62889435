// Package wire encodes samples for the stats stream.
//
// Two formats are supported:
//   - JSON lines: one JSON object per line, the default
//   - protobuf: length-delimited google.protobuf.Struct messages using
//     protobuf's standard varint framing
//
// Both carry the same document: {"ts", "connected", "server", "tubes"}.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
)

// =============================================================================
// Formats
// =============================================================================

// Format selects a stream encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

const (
	ContentTypeJSON  = "application/x-ndjson"
	ContentTypeProto = "application/x-protobuf"
)

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatProto {
		return ContentTypeProto
	}
	return ContentTypeJSON
}

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

// ParseFormat picks a format from a format query value, falling back to
// the Accept header. Unknown values yield an error.
func ParseFormat(query, accept string) (Format, error) {
	switch strings.ToLower(query) {
	case "json", "ndjson":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	case "":
	default:
		return FormatJSON, fmt.Errorf("unknown format %q", query)
	}
	if strings.Contains(accept, ContentTypeProto) {
		return FormatProto, nil
	}
	return FormatJSON, nil
}

// =============================================================================
// Encoding
// =============================================================================

// Encoder writes samples to a stream. Encoders are safe for concurrent use.
type Encoder interface {
	Encode(s history.Sample) error
}

// NewEncoder returns an Encoder writing f to w.
func NewEncoder(w io.Writer, f Format) Encoder {
	if f == FormatProto {
		return &protoEncoder{w: w}
	}
	return &jsonEncoder{enc: json.NewEncoder(w)}
}

type jsonEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(s history.Sample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(s); err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return nil
}

type protoEncoder struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *protoEncoder) Encode(s history.Sample) error {
	msg, err := ToStruct(s)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := protodelim.MarshalTo(e.w, msg); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	return nil
}

// ToStruct converts a sample to its protobuf document.
func ToStruct(s history.Sample) (*structpb.Struct, error) {
	doc := map[string]any{
		"ts":        s.Unix(),
		"connected": s.Connected,
		"server":    nil,
		"tubes":     nil,
	}
	if s.Server != nil {
		doc["server"] = map[string]any(s.Server)
	}
	if s.Tubes != nil {
		tubes := make(map[string]any, len(s.Tubes))
		for name, st := range s.Tubes {
			tubes[name] = map[string]any(st)
		}
		doc["tubes"] = tubes
	}

	msg, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("convert sample: %w", err)
	}
	return msg, nil
}

// =============================================================================
// Decoding
// =============================================================================

// Decoder reads samples from a stream. Decode returns io.EOF at the end.
type Decoder interface {
	Decode() (history.Sample, error)
}

// NewDecoder returns a Decoder reading f from r.
func NewDecoder(r io.Reader, f Format) Decoder {
	br := bufio.NewReader(r)
	if f == FormatProto {
		return &protoDecoder{r: br}
	}
	return &jsonDecoder{dec: json.NewDecoder(br)}
}

type jsonDecoder struct {
	dec *json.Decoder
}

func (d *jsonDecoder) Decode() (history.Sample, error) {
	var s history.Sample
	if err := d.dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return s, io.EOF
		}
		return s, fmt.Errorf("decode sample: %w", err)
	}
	s.Server = restoreInts(s.Server)
	for name, st := range s.Tubes {
		s.Tubes[name] = restoreInts(st)
	}
	return s, nil
}

type protoDecoder struct {
	r *bufio.Reader
}

func (d *protoDecoder) Decode() (history.Sample, error) {
	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxMessageSize,
	}
	if err := opts.UnmarshalFrom(d.r, msg); err != nil {
		if errors.Is(err, io.EOF) {
			return history.Sample{}, io.EOF
		}
		return history.Sample{}, fmt.Errorf("read sample: %w", err)
	}
	return FromStruct(msg)
}

// FromStruct converts a protobuf document back into a sample.
func FromStruct(msg *structpb.Struct) (history.Sample, error) {
	doc := msg.AsMap()

	ts, ok := doc["ts"].(float64)
	if !ok {
		return history.Sample{}, fmt.Errorf("sample without ts")
	}
	s := history.Sample{Timestamp: history.FromUnix(ts)}
	s.Connected, _ = doc["connected"].(bool)

	if server, ok := doc["server"].(map[string]any); ok {
		s.Server = restoreInts(server)
	}
	if tubes, ok := doc["tubes"].(map[string]any); ok {
		s.Tubes = make(map[string]history.Stats, len(tubes))
		for name, v := range tubes {
			st, ok := v.(map[string]any)
			if !ok {
				return history.Sample{}, fmt.Errorf("tube %q: stats are %T", name, v)
			}
			s.Tubes[name] = restoreInts(st)
		}
	}
	return s, nil
}

// restoreInts turns whole-number floats back into int64, matching what the
// sampler stores. Both wire formats carry numbers as doubles.
func restoreInts(m map[string]any) history.Stats {
	if m == nil {
		return nil
	}
	out := make(history.Stats, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		out[k] = v
	}
	return out
}
