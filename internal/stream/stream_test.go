package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/testutil"
)

func filled(secs ...int64) *history.History {
	h := history.New(10)
	for _, sec := range secs {
		h.Push(history.Connected(testutil.Unix(sec), nil, nil))
	}
	return h
}

func stamps(batch []history.Sample) []int64 {
	out := make([]int64, len(batch))
	for i, s := range batch {
		out[i] = s.Timestamp.Unix()
	}
	return out
}

// pushEvery pushes increasing timestamps starting at from until ctx ends.
func pushEvery(ctx context.Context, h *history.History, from int64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for sec := from; ; sec++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Push(history.Connected(testutil.Unix(sec), nil, nil))
		}
	}
}

func TestSingleBatchWithoutDuration(t *testing.T) {
	h := filled(1, 2, 3)
	c := New(h, Request{})

	batch, err := c.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := stamps(batch); len(got) != 3 || got[0] != 3 || got[2] != 1 {
		t.Errorf("first batch = %v, want [3 2 1]", got)
	}

	if _, err := c.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("second Next() = %v, want io.EOF", err)
	}
}

func TestSinceFiltersFirstBatch(t *testing.T) {
	h := filled(1, 2, 3, 4)
	c := New(h, Request{Since: testutil.Unix(3)})

	batch, err := c.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := stamps(batch); len(got) != 2 || got[0] != 4 || got[1] != 3 {
		t.Errorf("batch = %v, want [4 3]", got)
	}
}

func TestSinceBeyondHistoryIsEmpty(t *testing.T) {
	c := New(filled(1, 2), Request{Since: testutil.Unix(99)})

	batch, err := c.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Errorf("batch = %v, want empty", stamps(batch))
	}
}

func TestBlockWaitsForPush(t *testing.T) {
	h := filled(1)
	c := New(h, Request{Block: true})

	done := make(chan []history.Sample, 1)
	go func() {
		batch, err := c.Next(context.Background())
		if err != nil {
			t.Errorf("Next: %v", err)
		}
		done <- batch
	}()

	if err := testutil.Eventually(time.Second, time.Millisecond, func() bool { return h.Waiters() == 1 }); err != nil {
		t.Fatal(err)
	}
	h.Push(history.Connected(testutil.Unix(2), nil, nil))

	select {
	case batch := <-done:
		if got := stamps(batch); len(got) != 2 || got[0] != 2 {
			t.Errorf("batch = %v, want [2 1]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking cursor did not wake")
	}
}

func TestBlockHonoursCancel(t *testing.T) {
	c := New(filled(1), Request{Block: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() = %v, want deadline exceeded", err)
	}
}

func TestDurationStreamsThenEnds(t *testing.T) {
	h := filled(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pushEvery(ctx, h, 2, 10*time.Millisecond)

	c := New(h, Request{Duration: 100 * time.Millisecond})

	start := time.Now()
	var batches [][]history.Sample
	err := c.Each(context.Background(), func(b []history.Sample) error {
		batches = append(batches, b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("stream lasted %v, want about 100ms", elapsed)
	}
	if len(batches) < 3 {
		t.Fatalf("got %d batches, want several", len(batches))
	}
	for i, b := range batches[1:] {
		if len(b) != 1 {
			t.Errorf("batch %d has %d samples, want 1", i+1, len(b))
		}
	}
	last := batches[len(batches)-1][0].Timestamp.Unix()
	if last <= 2 {
		t.Errorf("last streamed ts = %d, want progress past 2", last)
	}
}

func TestDurationEndsWithoutPushes(t *testing.T) {
	c := New(filled(1), Request{Duration: 30 * time.Millisecond})

	if _, err := c.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() = %v, want io.EOF once the duration passes idle", err)
	}
}

func TestEachStopsOnCallbackError(t *testing.T) {
	h := filled(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pushEvery(ctx, h, 2, 5*time.Millisecond)

	stop := errors.New("client gone")
	calls := 0
	err := New(h, Request{Duration: time.Minute}).Each(context.Background(), func([]history.Sample) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Each() = %v, want callback error", err)
	}
}

func TestEachCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(filled(1), Request{Duration: time.Minute}).Each(ctx, func([]history.Sample) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Each() = %v, want deadline exceeded", err)
	}
}
