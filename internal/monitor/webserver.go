// Package monitor serves the operator HTTP surface: the session WebSocket,
// REST views of the terrain core and debug pages.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sandscape/internal/broadcast"
	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/heightfield"
	"github.com/banshee-data/sandscape/internal/httputil"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/pipeline"
)

// Core is the part of the pipeline the web server reads and commands.
type Core interface {
	Snapshot() *heightfield.Snapshot
	Topography() heightfield.Summary
	Sensors() []pipeline.SensorStatus
	SubmitEdit(heightfield.Edit) error
	SubmitCalibration(string, func(calibration.Result)) error
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address   string
	Core      Core
	Broadcast *broadcast.Server
	Metrics   *monitoring.Collector
	History   *TopographyHistory
	// AdminRoutes are attached to the mux after the built-in routes, e.g.
	// serial port consoles.
	AdminRoutes []func(*http.ServeMux)
}

// WebServer handles the operator HTTP interface.
type WebServer struct {
	address   string
	core      Core
	broadcast *broadcast.Server
	metrics   *monitoring.Collector
	history   *TopographyHistory
	admin     []func(*http.ServeMux)
	server    *http.Server
	log       monitoring.Logger
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		core:      config.Core,
		broadcast: config.Broadcast,
		metrics:   config.Metrics,
		history:   config.History,
		admin:     config.AdminRoutes,
		log:       monitoring.Component("HTTP"),
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler exposes the configured routes.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled and then shuts the server down.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		ws.log.Printf("listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	ws.log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		ws.log.Printf("shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			ws.log.Printf("force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/frame", ws.handleFrame)
	mux.HandleFunc("/api/topography", ws.handleTopography)
	mux.HandleFunc("/api/sensors", ws.handleSensors)
	mux.HandleFunc("/api/commands", ws.handleCommand)
	if ws.broadcast != nil {
		mux.Handle("/ws", ws.broadcast.WebSocketHandler())
	}
	if ws.metrics != nil {
		mux.Handle("/metrics", ws.metrics.Handler())
	}

	debug := tsweb.Debugger(mux)
	debug.KVFunc("Tick", func() any { return ws.core.Snapshot().Tick })
	debug.HandleFunc("heightmap.png", "Height field heat map (?layer=elevation|water|fire)", ws.handleHeatMap)
	debug.HandleFunc("topography", "Topography history chart", ws.handleTopographyChart)
	debug.HandleFunc("sessions", "Connected sessions", ws.handleSessions)

	for _, attach := range ws.admin {
		attach(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","tick":%d}`, ws.core.Snapshot().Tick)
}

func (ws *WebServer) handleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast.NewFrameMessage(ws.core.Snapshot()))
}

func (ws *WebServer) handleTopography(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, broadcast.TopographyMessage{
		Type:    broadcast.TypeTopography,
		Summary: ws.core.Topography(),
	})
}

func (ws *WebServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.core.Sensors())
}

// handleCommand accepts EDIT and CALIBRATE_REQUEST messages in the same JSON
// shape the session protocol uses. Commands are queued for the next tick;
// calibration outcomes are logged and visible through /api/sensors.
func (ws *WebServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var msg broadcast.ClientMessage
	if err := httputil.DecodeJSON(r, &msg); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid command: %v", err))
		return
	}

	var err error
	switch msg.Type {
	case broadcast.TypeEdit:
		var e heightfield.Edit
		if e, err = msg.Edit(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		snap := ws.core.Snapshot()
		if err = e.Validate(snap.Width, snap.Height); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		err = ws.core.SubmitEdit(e)
	case broadcast.TypeCalibrate:
		err = ws.core.SubmitCalibration(msg.SensorID, func(res calibration.Result) {
			switch {
			case res.Err != nil:
				ws.log.Printf("calibration of %s failed: %v", res.SensorID, res.Err)
			case res.State == calibration.Ready && res.Baseline != nil:
				ws.log.Printf("calibration of %s complete (baseline v%d)", res.SensorID, res.Baseline.Version)
			default:
				ws.log.Printf("calibration of %s %s", res.SensorID, res.State)
			}
		})
	default:
		httputil.BadRequest(w, fmt.Sprintf("unsupported command type %q", msg.Type))
		return
	}

	switch {
	case errors.Is(err, pipeline.ErrCommandQueueFull):
		httputil.ServiceUnavailable(w, err.Error())
	case err != nil:
		httputil.BadRequest(w, err.Error())
	default:
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

func (ws *WebServer) handleHeatMap(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := WriteHeatMap(&buf, ws.core.Snapshot(), Layer(r.URL.Query().Get("layer"))); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleTopographyChart(w http.ResponseWriter, r *http.Request) {
	var entries []heightfield.Summary
	if ws.history != nil {
		entries = ws.history.Entries()
	}
	if len(entries) == 0 {
		entries = []heightfield.Summary{ws.core.Topography()}
	}
	var buf bytes.Buffer
	if err := RenderTopographyChart(&buf, entries); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if ws.broadcast == nil {
		httputil.WriteJSON(w, http.StatusOK, []broadcast.SessionInfo{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws.broadcast.Sessions())
}
