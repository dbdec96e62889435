// Package sampler runs the loop that polls the broker and feeds the
// history.
//
// The loop is a two-state machine. While disconnected every tick dials;
// while connected every tick fetches stats. Whatever happens, each tick
// pushes exactly one sample, so readers see outages as connected=false
// samples instead of gaps.
package sampler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/logging"
)

var log = logging.Component("sampler")

// =============================================================================
// Types
// =============================================================================

// State is the connection state of the sampler.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Observer receives one call per tick and one per established connection.
// Implementations must not block.
type Observer interface {
	ObserveTick(connected bool, fetch time.Duration)
	ObserveConnect()
}

type nopObserver struct{}

func (nopObserver) ObserveTick(bool, time.Duration) {}
func (nopObserver) ObserveConnect()                 {}

// Option configures a Sampler.
type Option func(*Sampler)

// WithObserver reports ticks to o.
func WithObserver(o Observer) Option {
	return func(s *Sampler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock sets the wall clock used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

// =============================================================================
// Sampler
// =============================================================================

// Sampler polls the broker at a fixed interval.
//
// Run and Tick must be called from one goroutine only. Status is safe for
// concurrent use.
type Sampler struct {
	dialer   broker.Dialer
	hist     *history.History
	interval time.Duration
	observer Observer
	now      func() time.Time

	// conn is owned by the goroutine calling Run/Tick.
	conn broker.Conn

	mu        sync.Mutex
	state     State
	lastTick  time.Time
	lastError string
	downSince time.Time

	ticks        atomic.Int64
	connected    atomic.Int64
	disconnected atomic.Int64
	connects     atomic.Int64
	panics       atomic.Int64

	latency *latencyTracker
}

// New creates a Sampler that pushes into h every interval.
func New(d broker.Dialer, h *history.History, interval time.Duration, opts ...Option) *Sampler {
	s := &Sampler{
		dialer:   d,
		hist:     h,
		interval: interval,
		observer: nopObserver{},
		now:      time.Now,
		latency:  newLatencyTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// Loop
// =============================================================================

// Run ticks until ctx is cancelled and then closes the broker connection.
// Tick durations are measured on the monotonic clock and the sleep is
// shortened by them; after an overrun the next tick starts at once.
func (s *Sampler) Run(ctx context.Context) error {
	log.Info("sampler started", "interval", s.interval, "capacity", s.hist.Cap())
	defer s.dropConn()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sampler stopped", "ticks", s.ticks.Load())
			return nil
		case <-timer.C:
		}

		start := time.Now()
		s.Tick(ctx)
		elapsed := time.Since(start)

		wait := s.interval - elapsed
		if wait < 0 {
			log.Debug("tick overran interval", "elapsed", elapsed, "interval", s.interval)
			wait = 0
		}
		timer.Reset(wait)
	}
}

// Tick runs one sampling step, pushes its sample and returns it.
func (s *Sampler) Tick(ctx context.Context) history.Sample {
	ts := s.now()
	sample, fetch, err := s.safeSample(ctx, ts)
	s.record(sample, fetch, err)
	s.hist.Push(sample)
	return sample
}

// safeSample turns a panic during sampling into a disconnected sample.
func (s *Sampler) safeSample(ctx context.Context, ts time.Time) (sample history.Sample, fetch time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error("panic in sampler tick",
				"panic", r,
				"stack", string(debug.Stack()))
			s.dropConn()
			sample = history.Disconnected(ts)
			fetch = 0
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.sample(ctx, ts)
}

func (s *Sampler) sample(ctx context.Context, ts time.Time) (history.Sample, time.Duration, error) {
	if s.conn == nil {
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			return history.Disconnected(ts), 0, err
		}
		s.conn = conn
		s.connects.Add(1)
		s.observe(s.observer.ObserveConnect)
	}

	start := time.Now()
	server, tubes, err := broker.FetchStats(s.conn)
	fetch := time.Since(start)
	if err != nil {
		s.dropConn()
		return history.Disconnected(ts), fetch, err
	}
	return history.Connected(ts, server, tubes), fetch, nil
}

// observe runs an observer callback. A panic in it is logged and counted
// and does not stop the loop.
func (s *Sampler) observe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			log.Error("panic in sampler observer",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (s *Sampler) dropConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		log.Debug("close broker connection", "error", err)
	}
	s.conn = nil
}

// record updates status and logs state changes. Broker failures are
// logged at warn when an outage starts and at debug while it lasts. Other
// failures are always logged at warn.
func (s *Sampler) record(sample history.Sample, fetch time.Duration, err error) {
	s.ticks.Add(1)

	s.mu.Lock()
	prev := s.state
	s.lastTick = sample.Timestamp
	var outage time.Duration
	if sample.Connected {
		s.state = StateConnected
		s.lastError = ""
		if !s.downSince.IsZero() {
			outage = sample.Timestamp.Sub(s.downSince)
			s.downSince = time.Time{}
		}
	} else {
		s.state = StateDisconnected
		if err != nil {
			s.lastError = err.Error()
		}
		if s.downSince.IsZero() {
			s.downSince = sample.Timestamp
		}
	}
	s.mu.Unlock()

	if sample.Connected {
		s.connected.Add(1)
		s.latency.Add(fetch)
		if prev == StateDisconnected {
			log.Info("broker connected", "outage", outage)
		}
	} else {
		s.disconnected.Add(1)
		switch {
		case err == nil:
		case !errors.IsBrokerError(err):
			log.Warn("sampler tick failed", "error", err)
		case errors.Is(err, errors.ErrConnectionLost):
			log.Error("broker connection lost", "error", err)
		case prev == StateConnected || s.disconnected.Load() == 1:
			log.Warn("cannot reach broker", "error", err)
		default:
			log.Debug("broker still unreachable", "error", err)
		}
	}

	s.observe(func() { s.observer.ObserveTick(sample.Connected, fetch) })
}

// =============================================================================
// Status
// =============================================================================

// Status is a point-in-time view of the sampler.
type Status struct {
	State             string     `json:"state"`
	IntervalSeconds   float64    `json:"interval_seconds"`
	Ticks             int64      `json:"ticks"`
	ConnectedTicks    int64      `json:"connected_ticks"`
	DisconnectedTicks int64      `json:"disconnected_ticks"`
	Connects          int64      `json:"connects"`
	Panics            int64      `json:"panics"`
	LastTick          time.Time  `json:"last_tick"`
	LastError         string     `json:"last_error,omitempty"`
	DownSince         *time.Time `json:"down_since,omitempty"`
	FetchLatency      Latency    `json:"fetch_latency_seconds"`
}

// Status returns the current sampler status.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	st := Status{
		State:           s.state.String(),
		IntervalSeconds: s.interval.Seconds(),
		LastTick:        s.lastTick,
		LastError:       s.lastError,
	}
	if !s.downSince.IsZero() {
		down := s.downSince
		st.DownSince = &down
	}
	s.mu.Unlock()

	st.Ticks = s.ticks.Load()
	st.ConnectedTicks = s.connected.Load()
	st.DisconnectedTicks = s.disconnected.Load()
	st.Connects = s.connects.Load()
	st.Panics = s.panics.Load()
	st.FetchLatency = s.latency.Result()
	return st
}
