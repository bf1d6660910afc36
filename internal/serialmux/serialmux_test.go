package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"
)

func recvLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestMonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe(4)
	_, b := mux.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData("F,2,1,400,410\n")
	if got := recvLine(t, a); got != "F,2,1,400,410" {
		t.Errorf("subscriber a got %q", got)
	}
	if got := recvLine(t, b); got != "F,2,1,400,410" {
		t.Errorf("subscriber b got %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestMonitorReturnsNilOnEOF(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	port.AddReadData("a\nb\n")
	port.EndOfStream()
	if err := mux.Monitor(context.Background()); err != nil {
		t.Errorf("Monitor() = %v, want nil on EOF", err)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, slow := mux.Subscribe(0)
	_, fast := mux.Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	port.AddReadData("1\n2\n3\n")
	for _, want := range []string{"1", "2", "3"} {
		if got := recvLine(t, fast); got != want {
			t.Errorf("fast subscriber got %q, want %q", got, want)
		}
	}
	select {
	case line := <-slow:
		t.Errorf("unbuffered idle subscriber received %q", line)
	default:
	}
}

func TestUnsubscribeAndCloseCloseChannels(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, a := mux.Subscribe(1)
	_, b := mux.Subscribe(1)

	mux.Unsubscribe(id)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}
	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-b; ok {
		t.Error("channel still open after Close")
	}
	if _, c := mux.Subscribe(1); c != nil {
		if _, ok := <-c; ok {
			t.Error("subscribe after Close returned an open channel")
		}
	}
}

func TestSendCommandAndInitialize(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	if err := mux.Initialize("RES 64 48", "STREAM ON\n"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := port.Written(); got != "RES 64 48\nSTREAM ON\n" {
		t.Errorf("written %q", got)
	}

	port.ShortWrite = true
	if err := mux.SendCommand("X"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write error = %v, want ErrWriteFailed", err)
	}
	port.ShortWrite = false
	port.WriteError = errors.New("boom")
	if err := mux.Initialize("A"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Initialize error = %v, want wrapped boom", err)
	}
}

func TestAdminSendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux, "depth0")

	form := url.Values{"command": {"STREAM OFF"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/depth0/send-command", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if port.Written() != "STREAM OFF\n" {
		t.Errorf("written %q", port.Written())
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/depth0/send-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.BaudRate != 115200 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Errorf("defaults = %+v", mode)
	}

	mode, err = PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.Parity != serial.EvenParity || mode.StopBits != serial.TwoStopBits {
		t.Errorf("mode = %+v", mode)
	}

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		if _, err := bad.SerialMode(); err == nil {
			t.Errorf("%+v accepted", bad)
		}
	}
}
