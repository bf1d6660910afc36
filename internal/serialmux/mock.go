package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

// TestableSerialPort implements SerialPorter for tests. Reads block until data
// is added or the port is closed; writes are captured.
type TestableSerialPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	eof      bool
	closed   bool

	// WriteError is returned by every Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	p := &TestableSerialPort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// AddReadData queues data for subsequent Read calls.
func (p *TestableSerialPort) AddReadData(data string) {
	p.mu.Lock()
	p.readBuf.WriteString(data)
	p.mu.Unlock()
	p.readCond.Broadcast()
}

// EndOfStream makes Read return io.EOF once the queued data is drained.
func (p *TestableSerialPort) EndOfStream() {
	p.mu.Lock()
	p.eof = true
	p.mu.Unlock()
	p.readCond.Broadcast()
}

// Read blocks until data is available.
func (p *TestableSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.readBuf.Len() == 0 && !p.closed && !p.eof {
		p.readCond.Wait()
	}
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	return p.readBuf.Read(b)
}

// Write captures b.
func (p *TestableSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WriteError != nil {
		return 0, p.WriteError
	}
	p.writeBuf.Write(b)
	if p.ShortWrite {
		return len(b) - 1, nil
	}
	return len(b), nil
}

// Written returns everything written so far.
func (p *TestableSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

// Close unblocks pending reads.
func (p *TestableSerialPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.readCond.Broadcast()
	return nil
}
