package sensor

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"

	"github.com/banshee-data/sandscape/internal/httputil"
)

// maxSnapshotBytes bounds a single snapshot download.
const maxSnapshotBytes = 16 << 20

// HTTPSnapshotCamera polls a webcam that serves still JPEG or PNG snapshots
// over HTTP and converts them to luminance at the configured resolution.
type HTTPSnapshotCamera struct {
	URL    string
	Width  int
	Height int
	Client httputil.HTTPClient
}

// ReadLuminance fetches and decodes one snapshot.
func (c *HTTPSnapshotCamera) ReadLuminance(ctx context.Context) (Reading, error) {
	client := c.Client
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Reading{}, ctx.Err()
		}
		return Reading{}, fmt.Errorf("%w: %v", ErrDeviceAbsent, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("%w: snapshot status %d", ErrMalformedReading, resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: decode snapshot: %v", ErrMalformedReading, err)
	}
	return Reading{Width: c.Width, Height: c.Height, Samples: Luminance(img, c.Width, c.Height)}, nil
}

// Luminance resamples img to w×h by nearest neighbour and returns Rec. 601
// luma in 0-255.
func Luminance(img image.Image, w, h int) []float64 {
	b := img.Bounds()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		sy := b.Min.Y + (y*b.Dy())/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + (x*b.Dx())/w
			r, g, bl, _ := img.At(sx, sy).RGBA()
			out[y*w+x] = (0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8))
		}
	}
	return out
}
