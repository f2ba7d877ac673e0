// Package monitoring holds the process-wide diagnostic logger used by the
// streaming engine. Every package logs through Logf (directly or through a
// Subsystem logger) so tests and embedding applications can redirect or mute
// output in one place.
package monitoring

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Its signature matches tailscale.com/types/logger.Logf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Subsystem returns a logger that prefixes every line with "[name] ". The
// returned function resolves Logf on each call, so a later SetLogger still
// applies to loggers created earlier.
func Subsystem(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Limiter suppresses repeated log lines for the same key inside a window and
// reports how many were suppressed once the window reopens.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	now        func() time.Time
	logf       func(format string, v ...interface{})
	last       map[string]time.Time
	suppressed map[string]int
}

// NewLimiter creates a Limiter that logs through logf at most once per window
// per key.
func NewLimiter(window time.Duration, logf func(format string, v ...interface{})) *Limiter {
	if logf == nil {
		logf = func(format string, v ...interface{}) { Logf(format, v...) }
	}
	return &Limiter{
		window:     window,
		now:        time.Now,
		logf:       logf,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Logf logs the message unless key was logged within the window.
func (l *Limiter) Logf(key, format string, v ...interface{}) {
	l.mu.Lock()
	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.window {
		l.suppressed[key]++
		l.mu.Unlock()
		return
	}
	n := l.suppressed[key]
	l.last[key] = now
	delete(l.suppressed, key)
	l.mu.Unlock()

	msg := fmt.Sprintf(format, v...)
	if n > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, n)
	}
	l.logf("%s", msg)
}
