package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/sandscape/internal/timeutil"
)

// SyntheticDepthDevice renders a static dune field seen from above, with an
// optional hand that sweeps across it. It stands in for hardware in dev mode
// and tests.
type SyntheticDepthDevice struct {
	Width, Height int
	// BaseMM is the distance from the sensor to the empty table.
	BaseMM   float64
	ReliefMM float64
	// NoiseMM is the amplitude of uniform per-sample noise.
	NoiseMM float64
	// HandPeriod is how long the hand takes to complete one sweep. Zero
	// disables the hand.
	HandPeriod time.Duration

	clock timeutil.Clock
	start time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSyntheticDepthDevice returns a w×h device with a deterministic noise seed.
func NewSyntheticDepthDevice(w, h int, clock timeutil.Clock, seed uint64) *SyntheticDepthDevice {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticDepthDevice{
		Width:    w,
		Height:   h,
		BaseMM:   1000,
		ReliefMM: 300,
		NoiseMM:  1,
		clock:    clock,
		start:    clock.Now(),
		rng:      rand.New(rand.NewPCG(seed, seed^0x5eed)),
	}
}

// ReadDepth renders the scene at the current clock time.
func (d *SyntheticDepthDevice) ReadDepth(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	elapsed := d.clock.Since(d.start)
	hx, hy, hand := d.handAt(elapsed)

	samples := make([]float64, d.Width*d.Height)
	d.mu.Lock()
	defer d.mu.Unlock()
	for y := 0; y < d.Height; y++ {
		ny := (float64(y) + 0.5) / float64(d.Height)
		for x := 0; x < d.Width; x++ {
			nx := (float64(x) + 0.5) / float64(d.Width)
			dune := 0.5 + 0.25*math.Sin(2*math.Pi*nx)*math.Cos(math.Pi*ny)
			depth := d.BaseMM - dune*d.ReliefMM
			if hand && math.Hypot(nx-hx, ny-hy) < 0.08 {
				depth -= 0.6 * d.ReliefMM
			}
			if d.NoiseMM > 0 {
				depth += (d.rng.Float64()*2 - 1) * d.NoiseMM
			}
			samples[y*d.Width+x] = depth
		}
	}
	return Reading{Width: d.Width, Height: d.Height, Samples: samples}, nil
}

func (d *SyntheticDepthDevice) handAt(elapsed time.Duration) (x, y float64, ok bool) {
	if d.HandPeriod <= 0 {
		return 0, 0, false
	}
	phase := 2 * math.Pi * float64(elapsed%d.HandPeriod) / float64(d.HandPeriod)
	return 0.5 + 0.35*math.Cos(phase), 0.5 + 0.35*math.Sin(2*phase), true
}

// SyntheticCamera renders a lit gradient with an optional dark blob that
// drifts across the frame, approximating an object entering a webcam view.
type SyntheticCamera struct {
	Width, Height int
	// BlobPeriod is the drift period of the blob. Zero disables it.
	BlobPeriod time.Duration
	Noise      float64

	clock timeutil.Clock
	start time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSyntheticCamera returns a w×h luminance camera.
func NewSyntheticCamera(w, h int, clock timeutil.Clock, seed uint64) *SyntheticCamera {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticCamera{
		Width:  w,
		Height: h,
		Noise:  1,
		clock:  clock,
		start:  clock.Now(),
		rng:    rand.New(rand.NewPCG(seed, seed^0xca11)),
	}
}

// ReadLuminance renders one luminance frame.
func (c *SyntheticCamera) ReadLuminance(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	var bx, by float64
	blob := c.BlobPeriod > 0
	if blob {
		phase := float64(c.clock.Since(c.start)%c.BlobPeriod) / float64(c.BlobPeriod)
		bx, by = phase, 0.5
	}

	samples := make([]float64, c.Width*c.Height)
	c.mu.Lock()
	defer c.mu.Unlock()
	for y := 0; y < c.Height; y++ {
		ny := (float64(y) + 0.5) / float64(c.Height)
		for x := 0; x < c.Width; x++ {
			nx := (float64(x) + 0.5) / float64(c.Width)
			lum := 100 + 60*nx
			if blob && math.Hypot(nx-bx, ny-by) < 0.15 {
				lum -= 90
			}
			if c.Noise > 0 {
				lum += (c.rng.Float64()*2 - 1) * c.Noise
			}
			samples[y*c.Width+x] = math.Max(0, math.Min(255, lum))
		}
	}
	return Reading{Width: c.Width, Height: c.Height, Samples: samples}, nil
}
