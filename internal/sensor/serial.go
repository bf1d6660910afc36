package sensor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LineSource delivers lines from a serial device. serialmux.SerialMux
// satisfies it.
type LineSource interface {
	Subscribe(buffer int) (string, <-chan string)
	Unsubscribe(id string)
}

// SerialDepthDevice reads depth arrays streamed by a time-of-flight board as
// text lines of the form "F,<w>,<h>,<mm>,<mm>,...". Other lines are ignored.
type SerialDepthDevice struct {
	src   LineSource
	subID string
	lines <-chan string
}

// NewSerialDepthDevice subscribes to src.
func NewSerialDepthDevice(src LineSource) *SerialDepthDevice {
	id, ch := src.Subscribe(4)
	return &SerialDepthDevice{src: src, subID: id, lines: ch}
}

// SerialStartCommands are written to the board when it is opened.
func SerialStartCommands(w, h int) []string {
	return []string{fmt.Sprintf("RES %d %d", w, h), "STREAM ON"}
}

// ReadDepth waits for the next depth line, skipping to the newest if several
// are queued.
func (d *SerialDepthDevice) ReadDepth(ctx context.Context) (Reading, error) {
	for {
		var line string
		select {
		case <-ctx.Done():
			return Reading{}, ctx.Err()
		case l, ok := <-d.lines:
			if !ok {
				return Reading{}, fmt.Errorf("%w: serial stream closed", ErrDeviceAbsent)
			}
			line = l
		}
	drain:
		for {
			select {
			case l, ok := <-d.lines:
				if !ok {
					break drain
				}
				line = l
			default:
				break drain
			}
		}
		if !strings.HasPrefix(line, "F,") {
			continue
		}
		return ParseDepthLine(line)
	}
}

// Close releases the subscription.
func (d *SerialDepthDevice) Close() error {
	d.src.Unsubscribe(d.subID)
	return nil
}

// ParseDepthLine decodes one "F,<w>,<h>,..." line. A sample of 0 means no
// return and is kept as 0 so fusion can skip it.
func ParseDepthLine(line string) (Reading, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 3 || fields[0] != "F" {
		return Reading{}, fmt.Errorf("%w: missing frame header", ErrMalformedReading)
	}
	w, err := strconv.Atoi(fields[1])
	if err != nil || w <= 0 {
		return Reading{}, fmt.Errorf("%w: bad width %q", ErrMalformedReading, fields[1])
	}
	h, err := strconv.Atoi(fields[2])
	if err != nil || h <= 0 {
		return Reading{}, fmt.Errorf("%w: bad height %q", ErrMalformedReading, fields[2])
	}
	if len(fields)-3 != w*h {
		return Reading{}, fmt.Errorf("%w: %d samples for %dx%d", ErrMalformedReading, len(fields)-3, w, h)
	}
	samples := make([]float64, w*h)
	for i, f := range fields[3:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: sample %d: %v", ErrMalformedReading, i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Reading{}, fmt.Errorf("%w: sample %d is %q", ErrMalformedReading, i, f)
		}
		samples[i] = v
	}
	return Reading{Width: w, Height: h, Samples: samples}, nil
}
