// Command frame-tail connects to a running sandscape server over gRPC and
// prints a line per frame and topography summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/sandscape/internal/broadcast"
)

var (
	addr      = flag.String("addr", "localhost:9090", "sandscape gRPC address")
	topics    = flag.String("topics", "frames,topography", "Comma separated topics to subscribe to")
	count     = flag.Int("count", 0, "Exit after this many frames (0 = run until interrupted)")
	calibrate = flag.String("calibrate", "", "Request calibration of this sensor id (\"all\" for every sensor) before tailing")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	resp, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{Service: broadcast.ServiceName})
	cancel()
	if err != nil {
		log.Fatalf("health check failed: %v", err)
	}
	log.Printf("%s is %s", broadcast.ServiceName, resp.GetStatus())

	stream, err := broadcast.OpenStream(ctx, conn)
	if err != nil {
		log.Fatalf("%v", err)
	}

	for _, msg := range initialCommands(*topics, *calibrate) {
		if err := stream.SendMsg(&broadcast.RawMessage{Data: msg}); err != nil {
			log.Fatalf("failed to send command: %v", err)
		}
	}

	frames := 0
	for {
		var in broadcast.RawMessage
		if err := stream.RecvMsg(&in); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			log.Fatalf("stream closed: %v", err)
		}
		line, isFrame, err := describe(in.Data)
		if err != nil {
			log.Printf("skipping message: %v", err)
			continue
		}
		fmt.Fprintln(os.Stdout, line)
		if isFrame {
			frames++
			if *count > 0 && frames >= *count {
				_ = stream.CloseSend()
				return
			}
		}
	}
}

// initialCommands builds the SUBSCRIBE and optional CALIBRATE_REQUEST
// messages sent when the stream opens.
func initialCommands(topicList, sensorID string) [][]byte {
	var out [][]byte
	var names []string
	for _, t := range strings.Split(topicList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			names = append(names, t)
		}
	}
	if len(names) > 0 {
		data, _ := json.Marshal(broadcast.ClientMessage{Type: broadcast.TypeSubscribe, Topics: names})
		out = append(out, data)
	}
	if sensorID != "" {
		if sensorID == "all" {
			sensorID = ""
		}
		data, _ := json.Marshal(broadcast.ClientMessage{Type: broadcast.TypeCalibrate, SensorID: sensorID})
		out = append(out, data)
	}
	return out
}

// describe renders one server message as a single line.
func describe(data []byte) (string, bool, error) {
	var head struct {
		Type broadcast.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", false, err
	}
	switch head.Type {
	case broadcast.TypeFrame:
		var f broadcast.FrameMessage
		if err := json.Unmarshal(data, &f); err != nil {
			return "", false, err
		}
		lo, hi, mean := stats(f.Elevation)
		var water float64
		for _, w := range f.Water {
			water += float64(w)
		}
		return fmt.Sprintf("FRAME seq=%d tick=%d %dx%d elev=[%.3f..%.3f] mean=%.3f water=%.3f stale=%d",
			f.Sequence, f.Tick, f.Width, f.Height, lo, hi, mean, water, f.StaleCells), true, nil
	case broadcast.TypeTopography:
		var m broadcast.TopographyMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", false, err
		}
		line := fmt.Sprintf("TOPOGRAPHY tick=%d status=%s mean=%.3f roughness=%.4f burning=%d stale=%d",
			m.Tick, m.FusionStatus, m.MeanElevation, m.Roughness, m.BurningCells, m.StaleCells)
		if len(m.StaleSensors) > 0 {
			line += " stale_sensors=" + strings.Join(m.StaleSensors, ",")
		}
		return line, false, nil
	default:
		return strings.TrimSpace(string(data)), false, nil
	}
}

func stats(values []float32) (lo, hi, mean float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	lo, hi = float64(values[0]), float64(values[0])
	var sum float64
	for _, v := range values {
		f := float64(v)
		lo = min(lo, f)
		hi = max(hi, f)
		sum += f
	}
	return lo, hi, sum / float64(len(values))
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
