package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sandscape/internal/broadcast"
	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/fusion"
	"github.com/banshee-data/sandscape/internal/httputil"
	"github.com/banshee-data/sandscape/internal/monitor"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/pipeline"
	"github.com/banshee-data/sandscape/internal/sensor"
	"github.com/banshee-data/sandscape/internal/sim"
	"github.com/banshee-data/sandscape/internal/timeutil"
	"github.com/banshee-data/sandscape/internal/version"
)

var (
	configPath      = flag.String("config", config.DefaultConfigPath, "Path to the tuning config JSON file")
	listen          = flag.String("listen", ":8080", "HTTP listen address (websocket, REST, metrics, debug)")
	grpcListen      = flag.String("grpc-listen", ":9090", "gRPC listen address for session streams (empty to disable)")
	devMode         = flag.Bool("dev", false, "Replace every configured device with a synthetic one")
	historySize     = flag.Int("topography-history", 240, "Number of topography summaries kept for the debug chart")
	tracingEnabled  = flag.Bool("tracing", false, "Enable OpenTelemetry tick tracing")
	tracingExporter = flag.String("tracing-exporter", "stdout", "Tracing exporter: stdout or otlp")
	tracingEndpoint = flag.String("tracing-endpoint", "", "OTLP collector endpoint (host:port)")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("sandscape", version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	tuning, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sensorConfigs := tuning.Sensors
	if *devMode {
		sensorConfigs = synthesize(sensorConfigs)
	}
	log.Printf("sandscape %s starting with %d sensors", version.String(), len(sensorConfigs))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitoring.InitTracing(ctx, monitoring.TracingConfig{
		Enabled:     *tracingEnabled,
		ServiceName: "sandscape",
		Exporter:    *tracingExporter,
		Endpoint:    *tracingEndpoint,
	})
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}
	defer monitoring.ShutdownWithTimeout(context.Background(), shutdownTracing)

	metrics, err := monitoring.NewCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}
	clock := timeutil.RealClock{}

	ids := make([]string, len(sensorConfigs))
	geoms := make(map[string]fusion.Geometry, len(sensorConfigs))
	for i, sc := range sensorConfigs {
		ids[i] = sc.ID
		geoms[sc.ID] = fusion.GeometryFromConfig(sc)
	}

	calib, err := calibration.NewManager(calibration.ConfigFromTuning(tuning), ids, metrics)
	if err != nil {
		log.Fatalf("invalid calibration config: %v", err)
	}

	adapters := make([]*sensor.Adapter, 0, len(sensorConfigs))
	httpClient := httputil.NewStandardClient(&http.Client{Timeout: tuning.GetCaptureTimeout()})
	for _, sc := range sensorConfigs {
		a, err := sensor.Build(sc, sensor.BuildDeps{
			Tuning:     tuning,
			Clock:      clock,
			Baselines:  calib,
			HTTPClient: httpClient,
			OpenSerial: sensor.OpenRealSerial,
			Seed:       tuning.GetSimSeed(),
		})
		if err != nil {
			log.Fatalf("failed to build sensor: %v", err)
		}
		defer a.Close()
		adapters = append(adapters, a)
	}

	fusionCfg, err := fusion.ConfigFromTuning(tuning)
	if err != nil {
		log.Fatalf("invalid fusion config: %v", err)
	}
	engine, err := fusion.NewEngine(fusionCfg, geoms)
	if err != nil {
		log.Fatalf("failed to create fusion engine: %v", err)
	}
	simulator, err := sim.New(sim.ConfigFromTuning(tuning))
	if err != nil {
		log.Fatalf("invalid simulation config: %v", err)
	}

	history := monitor.NewTopographyHistory(*historySize)
	core, err := pipeline.New(pipeline.ConfigFromTuning(tuning), pipeline.Deps{
		Adapters:    adapters,
		Calibration: calib,
		Fusion:      engine,
		Sim:         simulator,
		Sinks:       []pipeline.Sink{history},
		Clock:       clock,
		Metrics:     metrics,
		Tracer:      monitoring.Tracer(),
	})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	hub, err := broadcast.NewServer(broadcast.ConfigFromTuning(tuning), core, clock, metrics)
	if err != nil {
		log.Fatalf("failed to create broadcast server: %v", err)
	}
	core.AddSink(hub)

	var wg sync.WaitGroup

	// device I/O loops and capture runners
	for _, a := range adapters {
		if a.Background != nil {
			wg.Add(1)
			go func(a *sensor.Adapter) {
				defer wg.Done()
				if err := a.Background(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("sensor %s device loop stopped: %v", a.Config.ID, err)
				}
			}(a)
		}
		runner := sensor.NewRunner(a.Source, a.Slot, a.Config.GetCaptureInterval(), clock, metrics)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("sensor %s runner stopped: %v", id, err)
			}
		}(a.Config.ID)
	}

	// tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
		hub.Shutdown()
		log.Print("pipeline routine terminated")
	}()

	// gRPC session streams
	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		grpcServer, healthServer := hub.NewGRPCServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC server listening on %s", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			healthServer.Shutdown()
			stopGRPC(grpcServer.GracefulStop, grpcServer.Stop, time.Second)
			log.Print("gRPC server routine stopped")
		}()
	}

	// HTTP server
	admin := make([]func(*http.ServeMux), 0, len(adapters))
	for _, a := range adapters {
		if a.AttachAdminRoutes != nil {
			admin = append(admin, a.AttachAdminRoutes)
		}
	}
	web := monitor.NewWebServer(monitor.WebServerConfig{
		Address:     *listen,
		Core:        core,
		Broadcast:   hub,
		Metrics:     metrics,
		History:     history,
		AdminRoutes: admin,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := web.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	wg.Wait()
	log.Print("sandscape stopped")
}

// synthesize swaps every device for a synthetic one so the server runs
// without hardware.
func synthesize(in []config.SensorConfig) []config.SensorConfig {
	out := make([]config.SensorConfig, len(in))
	for i, sc := range in {
		sc.Device = config.DeviceSynthetic
		sc.Path = ""
		out[i] = sc
	}
	return out
}

// stopGRPC waits up to timeout for graceful to return before calling force.
func stopGRPC(graceful, force func(), timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		graceful()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		force()
		<-done
	}
}
