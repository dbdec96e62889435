// Package client talks to a tubewatch server over HTTP.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/server"
	"github.com/xtxerr/tubewatch/internal/wire"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrActionFailed     = errors.New("action failed")
)

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	ServerURL string
	// RequestTimeout bounds every request except streams.
	RequestTimeout time.Duration
	// Format is the stream encoding requested from the server.
	Format     wire.Format
	HTTPClient *http.Client
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:      config.DefaultServerURL,
		RequestTimeout: config.DefaultRequestTimeout,
		Format:         wire.FormatProto,
	}
}

// Client is a tubewatch API client. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	format  wire.Format
}

// New creates a client. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	raw := cfg.ServerURL
	if raw == "" {
		raw = config.DefaultServerURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "server url %q", cfg.ServerURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", cfg.ServerURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:    base,
		http:    hc,
		timeout: cfg.RequestTimeout,
		format:  cfg.Format,
	}, nil
}

// URL returns the server base URL.
func (c *Client) URL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	return resp, nil
}

// statusError reads the error body of a failed response.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
}

// =============================================================================
// Stream
// =============================================================================

// StreamOptions selects what a stream returns.
type StreamOptions struct {
	// NoBlock returns the first batch at once instead of after the next
	// sample.
	NoBlock  bool
	Duration time.Duration
	Since    time.Time
}

func (o StreamOptions) query(f wire.Format) url.Values {
	q := url.Values{}
	if o.NoBlock {
		q.Set("block", "0")
	}
	if o.Duration > 0 {
		q.Set("duration", strconv.FormatFloat(o.Duration.Seconds(), 'f', -1, 64))
	}
	if !o.Since.IsZero() {
		q.Set("since", strconv.FormatFloat(history.UnixSeconds(o.Since), 'f', -1, 64))
	}
	q.Set("format", f.String())
	return q
}

// Stream calls fn for every sample the server sends until the stream ends,
// ctx is cancelled or fn returns an error. Snapshot batches arrive
// newest-first.
func (c *Client) Stream(ctx context.Context, opts StreamOptions, fn func(history.Sample) error) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/stats", opts.query(c.format), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	dec := wire.NewDecoder(resp.Body, c.format)
	for {
		s, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read stream")
		}
		if err := fn(s); err != nil {
			return err
		}
	}
}

// errStop ends a stream early without reporting an error.
var errStop = errors.New("stop")

// Latest returns the newest retained sample, or false when the server has
// none yet.
func (c *Client) Latest(ctx context.Context) (history.Sample, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var latest history.Sample
	found := false
	err := c.Stream(ctx, StreamOptions{NoBlock: true}, func(s history.Sample) error {
		latest, found = s, true
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return history.Sample{}, false, err
	}
	return latest, found, nil
}

// =============================================================================
// Action
// =============================================================================

// Action runs act on the server and returns the number of jobs affected.
// A broker the server cannot reach yields an error wrapping
// errors.ErrConnect.
func (c *Client) Action(ctx context.Context, act broker.Action) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(act)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/action", nil, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out server.ActionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	switch {
	case out.OK:
		return out.Count, nil
	case out.Error == server.ConnectFailedMessage:
		return out.Count, errors.Wrap(errors.ErrConnect, act.String())
	case resp.StatusCode == http.StatusBadRequest:
		return out.Count, fmt.Errorf("%w: %s", errors.ErrInvalidAction, out.Error)
	default:
		return out.Count, fmt.Errorf("%w: %s", ErrActionFailed, out.Error)
	}
}

// =============================================================================
// Status, health, export
// =============================================================================

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var st server.StatusResponse
	err := c.getJSON(ctx, "/api/status", &st)
	return st, err
}

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var h server.HealthResponse
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Export writes a parquet export of the history to w and returns the
// row count the server reported.
func (c *Client) Export(ctx context.Context, since time.Time, w io.Writer) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", strconv.FormatFloat(history.UnixSeconds(since), 'f', -1, 64))
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/export", q, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return 0, errors.Wrap(err, "read export")
	}
	rows, _ := strconv.ParseInt(resp.Header.Get(server.HeaderExportRows), 10, 64)
	return rows, nil
}
