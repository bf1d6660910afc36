package monitoring

import (
	"log"
	"sync"
)

var logMu sync.RWMutex

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	logMu.Lock()
	defer logMu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger tags every message with a component name, e.g. "[Fusion] ...".
type Logger struct {
	tag string
}

// Component returns a Logger for the named component.
func Component(name string) Logger {
	return Logger{tag: "[" + name + "] "}
}

// Printf formats and forwards to Logf.
func (l Logger) Printf(format string, v ...interface{}) {
	logMu.RLock()
	f := Logf
	logMu.RUnlock()
	f(l.tag+format, v...)
}
