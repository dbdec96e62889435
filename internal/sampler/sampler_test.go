package sampler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/broker/brokertest"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/testutil"
)

// tickClock hands out 1, 2, 3, ... seconds past the epoch.
type tickClock struct {
	mu  sync.Mutex
	sec int64
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sec++
	return testutil.Unix(c.sec)
}

type recordingObserver struct {
	mu       sync.Mutex
	ticks    []bool
	connects int
}

func (o *recordingObserver) ObserveTick(connected bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks = append(o.ticks, connected)
}

func (o *recordingObserver) ObserveConnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connects++
}

type panickingObserver struct{}

func (panickingObserver) ObserveTick(bool, time.Duration) { panic("observer tick bug") }
func (panickingObserver) ObserveConnect()                 { panic("observer connect bug") }

func newTestSampler(b *brokertest.Broker, capacity int, opts ...Option) (*Sampler, *history.History) {
	h := history.New(capacity)
	clock := &tickClock{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(b, h, time.Second, opts...), h
}

func TestConnectFailsThenSucceeds(t *testing.T) {
	b := brokertest.New()
	b.Put("mail", 1, broker.StateReady)
	b.SetHook(func(op string, n int) error {
		if op == "dial" && n == 1 {
			return errors.New("connection refused")
		}
		return nil
	})

	s, h := newTestSampler(b, 10)
	ctx := context.Background()

	first := s.Tick(ctx)
	if first.Connected || first.Server != nil || first.Tubes != nil {
		t.Errorf("tick 1 = %+v, want disconnected with empty stats", first)
	}

	second := s.Tick(ctx)
	if !second.Connected {
		t.Fatal("tick 2 should be connected")
	}
	if second.Server["current-jobs-ready"] != int64(1) {
		t.Errorf("server stats = %v", second.Server)
	}
	if _, ok := second.Tubes["mail"]; !ok {
		t.Errorf("tubes = %v, want mail", second.Tubes)
	}

	if h.Len() != 2 {
		t.Errorf("history holds %d samples, want 2", h.Len())
	}
	if latest, _ := h.Latest(); latest.Timestamp.Unix() != 2 {
		t.Errorf("latest ts = %d, want 2", latest.Timestamp.Unix())
	}
}

func TestConnectionDropsMidFetch(t *testing.T) {
	b := brokertest.New()
	b.AddTube("mail")
	// Ticks 1 and 2 each ask for two tube stats; tick 3 fails on its first.
	b.SetHook(func(op string, n int) error {
		if op == "stats-tube" && n == 5 {
			return brokertest.Lost(op)
		}
		return nil
	})

	obs := &recordingObserver{}
	s, h := newTestSampler(b, 10, WithObserver(obs))
	ctx := context.Background()

	want := []bool{true, true, false, true}
	for i, w := range want {
		got := s.Tick(ctx)
		if got.Connected != w {
			t.Errorf("tick %d connected = %v, want %v", i+1, got.Connected, w)
		}
	}

	if b.Dials() != 2 {
		t.Errorf("dialed %d times, want 2 (initial and after the drop)", b.Dials())
	}
	if b.OpenConns() != 1 {
		t.Errorf("%d open connections, want 1", b.OpenConns())
	}
	if h.Len() != len(want) {
		t.Errorf("history holds %d samples, want one per tick", h.Len())
	}

	st := s.Status()
	if st.Ticks != 4 || st.ConnectedTicks != 3 || st.DisconnectedTicks != 1 || st.Connects != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.State != "connected" || st.DownSince != nil {
		t.Errorf("state = %s, down since %v; want connected", st.State, st.DownSince)
	}
	if st.FetchLatency.Count != 3 {
		t.Errorf("latency count = %d, want 3", st.FetchLatency.Count)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.ticks) != 4 || obs.connects != 2 {
		t.Errorf("observer saw %v ticks and %d connects", obs.ticks, obs.connects)
	}
}

func TestPanicBecomesDisconnectedTick(t *testing.T) {
	b := brokertest.New()
	b.SetHook(func(op string, n int) error {
		if op == "stats" && n == 1 {
			panic("broker client bug")
		}
		return nil
	})

	s, h := newTestSampler(b, 10)
	ctx := context.Background()

	if got := s.Tick(ctx); got.Connected {
		t.Error("panicking tick should record a disconnected sample")
	}
	if b.OpenConns() != 0 {
		t.Errorf("connection should be dropped after a panic, %d open", b.OpenConns())
	}
	if got := s.Tick(ctx); !got.Connected {
		t.Error("next tick should reconnect")
	}

	st := s.Status()
	if st.Panics != 1 {
		t.Errorf("panics = %d, want 1", st.Panics)
	}
	if h.Len() != 2 {
		t.Errorf("history holds %d samples, want 2", h.Len())
	}
}

func TestPanickingObserverKeepsSampling(t *testing.T) {
	b := brokertest.New()
	s, h := newTestSampler(b, 10, WithObserver(panickingObserver{}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if got := s.Tick(ctx); !got.Connected {
			t.Errorf("tick %d: observer panic should not disconnect", i+1)
		}
	}
	if h.Len() != 2 {
		t.Errorf("history holds %d samples, want 2", h.Len())
	}
	if b.Dials() != 1 {
		t.Errorf("dials = %d, want 1", b.Dials())
	}
	// One connect and two ticks.
	if st := s.Status(); st.Panics != 3 {
		t.Errorf("panics = %d, want 3", st.Panics)
	}
}

func TestRunSurvivesPanickingObserver(t *testing.T) {
	b := brokertest.New()
	h := history.New(100)
	s := New(b, h, 5*time.Millisecond, WithObserver(panickingObserver{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool { return h.Len() >= 3 }); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTickFailureLogging(t *testing.T) {
	refused := func(op string, n int) error {
		if op == "dial" {
			return errors.New("connection refused")
		}
		return nil
	}
	tests := []struct {
		name    string
		hook    brokertest.Hook
		ticks   int
		want    string
		notWant string
	}{
		{"outage starts", refused, 1, "cannot reach broker", "sampler tick failed"},
		{"outage lasts", refused, 2, "broker still unreachable", "sampler tick failed"},
		{"non-broker failure", func(op string, n int) error {
			if op == "stats" {
				panic("broker client bug")
			}
			return nil
		}, 1, "sampler tick failed", "cannot reach broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := logging.Logger()
			defer logging.InitWithHandler(prev.Handler())
			var buf bytes.Buffer
			logging.InitWriter(&buf, slog.LevelDebug, false)

			b := brokertest.New()
			b.SetHook(tt.hook)
			s, _ := newTestSampler(b, 10)
			for i := 0; i < tt.ticks; i++ {
				s.Tick(context.Background())
			}

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("log missing %q:\n%s", tt.want, out)
			}
			if strings.Contains(out, tt.notWant) {
				t.Errorf("log should not contain %q:\n%s", tt.notWant, out)
			}
		})
	}
}

func TestDisconnectedStatus(t *testing.T) {
	b := brokertest.New()
	b.SetHook(func(op string, n int) error {
		if op == "dial" {
			return errors.New("connection refused")
		}
		return nil
	})

	s, _ := newTestSampler(b, 10)
	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
	}

	st := s.Status()
	if st.State != "disconnected" {
		t.Errorf("state = %s, want disconnected", st.State)
	}
	if st.DownSince == nil || st.DownSince.Unix() != 1 {
		t.Errorf("down since = %v, want first tick", st.DownSince)
	}
	if st.LastError == "" {
		t.Error("last error should be set")
	}
	if st.LastTick.Unix() != 3 {
		t.Errorf("last tick = %v, want 3", st.LastTick.Unix())
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	b := brokertest.New()
	h := history.New(100)
	s := New(b, h, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := testutil.Eventually(2*time.Second, time.Millisecond, func() bool { return h.Len() >= 3 }); err != nil {
		t.Fatal(err)
	}

	// A reader waiting on the history is woken by the running loop.
	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	if got, err := h.WaitNext(wctx); err != nil || !got.Connected {
		t.Errorf("WaitNext() = %v, %v; want a connected sample", got.Connected, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if b.OpenConns() != 0 {
		t.Errorf("%d connections left open after Run", b.OpenConns())
	}
}

func TestRunKeepsCadence(t *testing.T) {
	b := brokertest.New()
	h := history.New(100)
	s := New(b, h, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 210*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Ticks at 0, 20, ... 200ms: about 11. Allow for a slow scheduler.
	if n := h.Len(); n < 5 || n > 12 {
		t.Errorf("got %d ticks in 210ms at 20ms interval", n)
	}
}

func TestLatencyTracker(t *testing.T) {
	lt := newLatencyTracker()
	if r := lt.Result(); r.Count != 0 {
		t.Errorf("empty tracker count = %d", r.Count)
	}

	for i := 1; i <= 100; i++ {
		lt.Add(time.Duration(i) * time.Millisecond)
	}
	r := lt.Result()
	if r.Count != 100 {
		t.Errorf("count = %d, want 100", r.Count)
	}
	if r.Min != 0.001 || r.Max != 0.1 {
		t.Errorf("min/max = %v/%v, want 0.001/0.1", r.Min, r.Max)
	}
	if r.P50 < 0.045 || r.P50 > 0.055 {
		t.Errorf("p50 = %v, want about 0.05", r.P50)
	}
	if r.P99 < 0.095 || r.P99 > 0.105 {
		t.Errorf("p99 = %v, want about 0.1", r.P99)
	}
}
