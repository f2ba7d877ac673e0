package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

// RenderContext is passed to the render callback once per interval.
type RenderContext struct {
	// Elapsed is the time since the connection started streaming.
	Elapsed time.Duration
	// TargetPoints is the number of samples the interval will hold.
	TargetPoints int
	Seq          uint64
	DAC          dac.Descriptor
}

// RenderFunc produces the frame for one interval. It runs on the
// connection's producer goroutine and is never called concurrently with
// itself for the same connection.
type RenderFunc func(RenderContext) laser.Frame

// renderer bounds a RenderFunc by a deadline. A call that overruns keeps
// running in the background; its frame is discarded and no new call starts
// until it returns.
type renderer struct {
	fn      RenderFunc
	timeout time.Duration
	clock   timeutil.Clock
	pending chan renderResult
}

type renderResult struct {
	frame laser.Frame
	err   error
}

// errRenderOverrun reports a callback that missed its deadline.
var errRenderOverrun = fmt.Errorf("render callback overran its deadline: %w", laser.ErrFrameOverflow)

// render returns the frame for rc. It fails with errRenderOverrun when the
// callback misses the deadline, with a panic error when it panics, and with
// ctx.Err() when ctx ends first.
func (r *renderer) render(ctx context.Context, rc RenderContext) (laser.Frame, error) {
	if r.timeout <= 0 {
		res := r.call(rc)
		return res.frame, res.err
	}

	var deadline <-chan time.Time
	if r.pending != nil {
		// the previous call overran; wait for it before starting another
		deadline = r.clock.After(r.timeout)
		select {
		case <-r.pending:
			r.pending = nil
		case <-deadline:
			return laser.Frame{}, errRenderOverrun
		case <-ctx.Done():
			return laser.Frame{}, ctx.Err()
		}
	}

	ch := make(chan renderResult, 1)
	r.pending = ch
	go func() { ch <- r.call(rc) }()

	if deadline == nil {
		deadline = r.clock.After(r.timeout)
	}
	select {
	case res := <-ch:
		r.pending = nil
		return res.frame, res.err
	case <-deadline:
		return laser.Frame{}, errRenderOverrun
	case <-ctx.Done():
		return laser.Frame{}, ctx.Err()
	}
}

func (r *renderer) call(rc RenderContext) (res renderResult) {
	defer func() {
		if p := recover(); p != nil {
			res = renderResult{err: fmt.Errorf("render callback panicked: %v", p)}
		}
	}()
	return renderResult{frame: r.fn(rc)}
}
