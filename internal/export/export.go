// Package export writes the sample history as a parquet file.
//
// Each sample becomes one row per metric: scope "server" rows carry the
// global stats, scope "tube" rows carry per-tube stats. A disconnected
// sample becomes a single row without a metric. Rows are written oldest
// first.
package export

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/logging"
)

var log = logging.Component("export")

// ContentType is the MIME type of an export.
const ContentType = "application/vnd.apache.parquet"

// Scopes of a row.
const (
	ScopeServer = "server"
	ScopeTube   = "tube"
)

// =============================================================================
// Options
// =============================================================================

// CompressionType represents a parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// Options configures the parquet writer.
type Options struct {
	Compression CompressionType
	// RowGroupSize is the maximum number of rows per row group.
	RowGroupSize int64
}

// DefaultOptions returns default export options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// =============================================================================
// Rows
// =============================================================================

// Row is one metric of one sample.
type Row struct {
	TimestampUs int64   `parquet:"timestamp_us"`
	Connected   bool    `parquet:"connected"`
	Scope       string  `parquet:"scope,optional,dict"`
	Tube        string  `parquet:"tube,optional,dict,zstd"`
	Metric      string  `parquet:"metric,optional,dict,zstd"`
	Value       float64 `parquet:"value,optional"`
	Text        string  `parquet:"text,optional,zstd"`
}

// Time returns the sample time of the row.
func (r Row) Time() time.Time {
	return time.UnixMicro(r.TimestampUs)
}

// Rows flattens samples, given newest first, into rows oldest first.
// Metrics are sorted by tube and name.
func Rows(samples []history.Sample) []Row {
	var rows []Row
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		ts := s.Timestamp.UnixMicro()
		if !s.Connected {
			rows = append(rows, Row{TimestampUs: ts})
			continue
		}
		rows = appendStats(rows, ts, ScopeServer, "", s.Server)

		tubes := make([]string, 0, len(s.Tubes))
		for name := range s.Tubes {
			tubes = append(tubes, name)
		}
		sort.Strings(tubes)
		for _, name := range tubes {
			rows = appendStats(rows, ts, ScopeTube, name, s.Tubes[name])
		}
	}
	return rows
}

func appendStats(rows []Row, ts int64, scope, tube string, st history.Stats) []Row {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		row := Row{TimestampUs: ts, Connected: true, Scope: scope, Tube: tube, Metric: k}
		switch v := st[k].(type) {
		case int64:
			row.Value = float64(v)
		case float64:
			row.Value = v
		case int:
			row.Value = float64(v)
		case string:
			row.Text = v
		default:
			row.Text = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows
}

// =============================================================================
// Write / Read
// =============================================================================

// Write encodes samples as parquet to w and returns the number of rows.
func Write(w io.Writer, samples []history.Sample, opts Options) (int64, error) {
	rows := Rows(samples)

	writerOpts := []parquet.WriterOption{
		parquet.Compression(codec(opts.Compression)),
		parquet.CreatedBy("tubewatch", "", ""),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}

	writer := parquet.NewGenericWriter[Row](w, writerOpts...)
	n, err := writer.Write(rows)
	if err != nil {
		writer.Close()
		return int64(n), fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return int64(n), fmt.Errorf("close writer: %w", err)
	}
	return int64(n), nil
}

// Read decodes every row of a parquet export. r is usually an *os.File or
// a *bytes.Reader.
func Read(r io.ReaderAt) ([]Row, error) {
	size, err := sizeOf(r)
	if err != nil {
		return nil, err
	}
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()

	rows := make([]Row, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}

func sizeOf(r io.ReaderAt) (int64, error) {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size(), nil
	case interface {
		Stat() (os.FileInfo, error)
	}:
		st, err := v.Stat()
		if err != nil {
			return 0, err
		}
		return st.Size(), nil
	default:
		return 0, fmt.Errorf("cannot determine size of %T", r)
	}
}

// =============================================================================
// Exporter
// =============================================================================

// Source is the part of the history an Exporter reads.
type Source interface {
	All() []history.Sample
	Since(t time.Time) []history.Sample
}

// Result is one encoded export.
type Result struct {
	Data []byte
	Rows int64
}

// Exporter encodes history snapshots. Concurrent exports with the same
// since value share one encoding.
type Exporter struct {
	src   Source
	opts  Options
	group singleflight.Group
}

// NewExporter creates an Exporter over src.
func NewExporter(src Source, opts Options) *Exporter {
	return &Exporter{src: src, opts: opts}
}

// Export encodes the samples at or after since, or all samples when since
// is zero. The returned Data is shared and must not be modified.
func (e *Exporter) Export(since time.Time) (Result, error) {
	key := "all"
	if !since.IsZero() {
		key = strconv.FormatInt(since.UnixMicro(), 10)
	}

	v, err, shared := e.group.Do(key, func() (any, error) {
		var samples []history.Sample
		if since.IsZero() {
			samples = e.src.All()
		} else {
			samples = e.src.Since(since)
		}

		start := time.Now()
		var buf bytes.Buffer
		n, err := Write(&buf, samples, e.opts)
		if err != nil {
			return Result{}, err
		}
		log.Debug("history exported",
			"samples", len(samples),
			"rows", n,
			"bytes", buf.Len(),
			"duration", time.Since(start))
		return Result{Data: buf.Bytes(), Rows: n}, nil
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		log.Debug("export shared with concurrent request", "key", key)
	}
	return v.(Result), nil
}
