package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sandscape/internal/timeutil"
)

// DefaultCaptureTimeout bounds a single device read.
const DefaultCaptureTimeout = 200 * time.Millisecond

// SourceOptions are shared by every adapter.
type SourceOptions struct {
	// Width and Height are the resolution the device is expected to deliver.
	Width   int
	Height  int
	Timeout time.Duration
	Clock   timeutil.Clock
}

func (o SourceOptions) withDefaults() SourceOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultCaptureTimeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// captureGuard bounds device reads by the capture timeout and remembers
// whether the device ever delivered, which decides between unavailable and
// timed out.
type captureGuard struct {
	opts      SourceOptions
	delivered atomic.Bool
}

func (g *captureGuard) read(ctx context.Context, fn func(context.Context) (Reading, error)) (Reading, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		r   Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := fn(ctx)
		done <- result{r, err}
	}()

	timer := g.opts.Clock.NewTimer(g.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, ErrDeviceAbsent) {
				return Reading{}, fmt.Errorf("%w: %v", ErrSensorUnavailable, res.err)
			}
			return Reading{}, res.err
		}
		if err := g.check(res.r); err != nil {
			return Reading{}, err
		}
		g.delivered.Store(true)
		return res.r, nil
	case <-timer.C():
		if !g.delivered.Load() {
			return Reading{}, fmt.Errorf("%w: no frame within %s", ErrSensorUnavailable, g.opts.Timeout)
		}
		return Reading{}, fmt.Errorf("%w after %s", ErrCaptureTimeout, g.opts.Timeout)
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

func (g *captureGuard) check(r Reading) error {
	if r.Width != g.opts.Width || r.Height != g.opts.Height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrMalformedReading, r.Width, r.Height, g.opts.Width, g.opts.Height)
	}
	if len(r.Samples) != r.Width*r.Height {
		return fmt.Errorf("%w: %d samples for %dx%d", ErrMalformedReading, len(r.Samples), r.Width, r.Height)
	}
	if r.Confidence != nil && len(r.Confidence) != len(r.Samples) {
		return fmt.Errorf("%w: %d confidence values for %d samples", ErrMalformedReading, len(r.Confidence), len(r.Samples))
	}
	if i := firstNonFinite(r.Samples); i >= 0 {
		return fmt.Errorf("%w: sample %d is %v", ErrMalformedReading, i, r.Samples[i])
	}
	if i := firstNonFinite(r.Confidence); i >= 0 {
		return fmt.Errorf("%w: confidence %d is %v", ErrMalformedReading, i, r.Confidence[i])
	}
	return nil
}

func firstNonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// ErrorKind classifies a capture error for metrics.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrSensorUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCaptureTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedReading):
		return "malformed"
	default:
		return "other"
	}
}
