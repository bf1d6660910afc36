package sensor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/httputil"
	"github.com/banshee-data/sandscape/internal/serialmux"
	"github.com/banshee-data/sandscape/internal/timeutil"
)

// SerialLink is the part of serialmux.SerialMux a serial depth device needs.
type SerialLink interface {
	LineSource
	Initialize(commands ...string) error
	Monitor(ctx context.Context) error
	Close() error
	AttachAdminRoutes(mux *http.ServeMux, name string)
}

// OpenRealSerial opens a hardware serial port.
func OpenRealSerial(path string, opts serialmux.PortOptions) (SerialLink, error) {
	m, err := serialmux.NewRealSerialMux(path, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Adapter is a configured sensor with its slot and any device I/O loop.
type Adapter struct {
	Config config.SensorConfig
	Source DepthSource
	Slot   *Slot

	// Background runs device I/O (e.g. the serial read loop). Nil when the
	// device needs none.
	Background func(ctx context.Context) error
	// Close releases the device. Never nil.
	Close func() error
	// AttachAdminRoutes registers device debug routes. Nil when the device
	// has none.
	AttachAdminRoutes func(mux *http.ServeMux)
}

// BuildDeps are the collaborators Build wires into devices.
type BuildDeps struct {
	Tuning     *config.TuningConfig
	Clock      timeutil.Clock
	Baselines  BaselineProvider
	HTTPClient httputil.HTTPClient
	OpenSerial func(path string, opts serialmux.PortOptions) (SerialLink, error)
	Seed       uint64
}

// Build constructs the adapter described by sc.
func Build(sc config.SensorConfig, deps BuildDeps) (*Adapter, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	tuning := deps.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	opts := SourceOptions{
		Width:   sc.Width,
		Height:  sc.Height,
		Timeout: tuning.GetCaptureTimeout(),
		Clock:   deps.Clock,
	}.withDefaults()

	a := &Adapter{
		Config: sc,
		Slot:   NewSlot(tuning.GetFaultAfterFailures()),
		Close:  func() error { return nil },
	}

	switch sc.Kind {
	case config.KindStructured:
		dev, err := buildDepthDevice(sc, deps, opts.Clock, a)
		if err != nil {
			return nil, err
		}
		a.Source = NewStructuredDepthSource(sc.ID, dev, opts)
	case config.KindBrightness:
		cam, err := buildCamera(sc, deps, opts.Clock)
		if err != nil {
			return nil, err
		}
		bc := BrightnessConfigFromTuning(tuning)
		if err := bc.Validate(); err != nil {
			return nil, err
		}
		a.Source = NewBrightnessDiffSource(sc.ID, cam, deps.Baselines, bc, opts)
	default:
		return nil, fmt.Errorf("sensor %s: unknown kind %q", sc.ID, sc.Kind)
	}
	return a, nil
}

func buildDepthDevice(sc config.SensorConfig, deps BuildDeps, clock timeutil.Clock, a *Adapter) (DepthDevice, error) {
	switch sc.Device {
	case config.DeviceSynthetic:
		dev := NewSyntheticDepthDevice(sc.Width, sc.Height, clock, deps.Seed)
		dev.ReliefMM = sc.GetReliefRangeMM()
		dev.HandPeriod = 12 * time.Second
		return dev, nil
	case config.DeviceSerial:
		open := deps.OpenSerial
		if open == nil {
			open = OpenRealSerial
		}
		link, err := open(sc.Path, serialmux.PortOptions{BaudRate: sc.GetBaudRate()})
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", sc.ID, err)
		}
		if err := link.Initialize(SerialStartCommands(sc.Width, sc.Height)...); err != nil {
			link.Close()
			return nil, fmt.Errorf("sensor %s: %w", sc.ID, err)
		}
		dev := NewSerialDepthDevice(link)
		a.Background = link.Monitor
		a.Close = func() error {
			dev.Close()
			return link.Close()
		}
		a.AttachAdminRoutes = func(mux *http.ServeMux) { link.AttachAdminRoutes(mux, sc.ID) }
		return dev, nil
	default:
		return nil, fmt.Errorf("sensor %s: device %q cannot provide depth", sc.ID, sc.Device)
	}
}

func buildCamera(sc config.SensorConfig, deps BuildDeps, clock timeutil.Clock) (LuminanceCamera, error) {
	switch sc.Device {
	case config.DeviceSynthetic:
		cam := NewSyntheticCamera(sc.Width, sc.Height, clock, deps.Seed+1)
		cam.BlobPeriod = 8 * time.Second
		return cam, nil
	case config.DeviceHTTP:
		return &HTTPSnapshotCamera{URL: sc.Path, Width: sc.Width, Height: sc.Height, Client: deps.HTTPClient}, nil
	default:
		return nil, fmt.Errorf("sensor %s: device %q cannot provide luminance", sc.ID, sc.Device)
	}
}
