// Package stream turns the history into a pull-based sequence of sample
// batches for the stats endpoint.
//
// The first batch is a snapshot (optionally taken after waiting for the
// next sample). With a duration, each later batch is the newest sample
// after the next push, until the duration has elapsed.
package stream

import (
	"context"
	"io"
	"time"

	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
)

// Source is the part of the history a Cursor reads.
type Source interface {
	WaitNext(ctx context.Context) (history.Sample, error)
	Since(t time.Time) []history.Sample
	All() []history.Sample
}

// Request describes one stream.
type Request struct {
	// Block waits for the next sample before taking the first snapshot.
	Block bool
	// Duration keeps the stream open after the first batch. Zero ends it
	// after the first batch.
	Duration time.Duration
	// Since limits the first batch to samples at or after this time.
	// The zero time means all samples.
	Since time.Time
}

// Cursor yields the batches of one stream. A Cursor is not safe for
// concurrent use.
type Cursor struct {
	src      Source
	req      Request
	started  bool
	deadline time.Time
}

// New creates a Cursor over src.
func New(src Source, req Request) *Cursor {
	return &Cursor{src: src, req: req}
}

// Next returns the next batch. It returns io.EOF when the stream is over
// and ctx.Err() when ctx is cancelled. The first batch may be empty.
func (c *Cursor) Next(ctx context.Context) ([]history.Sample, error) {
	if !c.started {
		return c.first(ctx)
	}

	if c.req.Duration <= 0 {
		return nil, io.EOF
	}
	remaining := time.Until(c.deadline)
	if remaining <= 0 {
		return nil, io.EOF
	}

	wctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	s, err := c.src.WaitNext(wctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, io.EOF
	}
	return []history.Sample{s}, nil
}

func (c *Cursor) first(ctx context.Context) ([]history.Sample, error) {
	if c.req.Block {
		if _, err := c.src.WaitNext(ctx); err != nil {
			return nil, err
		}
	}

	var batch []history.Sample
	if c.req.Since.IsZero() {
		batch = c.src.All()
	} else {
		batch = c.src.Since(c.req.Since)
	}

	c.started = true
	// The duration counts from the end of the first batch.
	c.deadline = time.Now().Add(c.req.Duration)
	return batch, nil
}

// Each calls fn for every batch until the stream ends. It returns nil at
// the end of the stream, ctx.Err() on cancellation, or the first error
// from fn.
func (c *Cursor) Each(ctx context.Context, fn func([]history.Sample) error) error {
	for {
		batch, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
}
