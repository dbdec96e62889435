package sampler

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// latencyRelativeAccuracy is the relative error of reported quantiles.
const latencyRelativeAccuracy = 0.01

// Latency summarizes broker fetch durations.
type Latency struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

// latencyTracker aggregates durations in seconds into a DDSketch.
//
// latencyTracker is safe for concurrent use.
type latencyTracker struct {
	mu     sync.Mutex
	sketch *ddsketch.DDSketch
	count  int64
	sum    float64
	min    float64
	max    float64
}

func newLatencyTracker() *latencyTracker {
	t := &latencyTracker{min: math.MaxFloat64}
	if sketch, err := ddsketch.NewDefaultDDSketch(latencyRelativeAccuracy); err == nil {
		t.sketch = sketch
	} else {
		log.Warn("latency quantiles disabled", "error", err)
	}
	return t
}

func (t *latencyTracker) Add(d time.Duration) {
	v := d.Seconds()
	if v < 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.sum += v
	if v < t.min {
		t.min = v
	}
	if v > t.max {
		t.max = v
	}
	if t.sketch != nil {
		_ = t.sketch.Add(v)
	}
}

func (t *latencyTracker) Result() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()

	var r Latency
	if t.count == 0 {
		return r
	}
	r.Count = t.count
	r.Min = t.min
	r.Max = t.max
	r.Avg = t.sum / float64(t.count)

	if t.sketch != nil {
		r.P50, _ = t.sketch.GetValueAtQuantile(0.50)
		r.P90, _ = t.sketch.GetValueAtQuantile(0.90)
		r.P99, _ = t.sketch.GetValueAtQuantile(0.99)
	}
	return r
}
