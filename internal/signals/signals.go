// Package signals provides fatal-signal handling for the proxy daemon: a
// backtrace dump on crash-worthy signals, an optional coredump, and a
// clean-shutdown path for SIGTERM/SIGINT.
package signals

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

var signalLog = logrus.WithField("default-signal-logger", true)

// CrashOnError causes a coredump to be produced when the dispatch loop hits
// an internal error or a fatal signal is received, instead of a plain exit.
var CrashOnError = false

// DieCb runs as the first step of Die(), so callers can flush metrics or
// close listening sockets before the process backtraces and exits.
type DieCb func()

// SetLogger sets the logger this package reports through. Call it once
// during daemon startup, before SetupHandler.
func SetLogger(logger *logrus.Entry) {
	signalLog = logger
}

// HandlePanic writes a message to the logger and then calls Die(). Intended
// to be deferred at the top of the I/O driver's main loop.
func HandlePanic(dieCb DieCb) {
	r := recover()

	if r != nil {
		msg := fmt.Sprintf("%s", r)
		signalLog.WithField("panic", msg).Error("fatal error")

		Die(dieCb)
	}
}

// Backtrace writes a multi-line goroutine dump to the logger.
func Backtrace() {
	profiles := pprof.Profiles()

	buf := &bytes.Buffer{}

	for _, p := range profiles {
		// The magic number requests a full stacktrace. See
		// https://golang.org/pkg/runtime/pprof/#Profile.WriteTo.
		pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		signalLog.Error(line)
	}
}

// FatalSignal reports whether sig should cause the proxy to abort.
func FatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return s
}

// NonFatalSignal reports whether sig should only trigger a Backtrace() while
// the proxy keeps running.
func NonFatalSignal(sig syscall.Signal) bool {
	s, exists := handledSignalsMap[sig]
	if !exists {
		return false
	}

	return !s
}

// HandledSignals returns every signal this package knows how to react to.
func HandledSignals() []syscall.Signal {
	var sigs []syscall.Signal

	for sig := range handledSignalsMap {
		sigs = append(sigs, sig)
	}

	return sigs
}

// Die runs dieCb, emits a backtrace, and exits the process (or coredumps if
// CrashOnError is set).
func Die(dieCb DieCb) {
	if dieCb != nil {
		dieCb()
	}

	Backtrace()

	if CrashOnError {
		signal.Reset(syscall.SIGABRT)
		syscall.Kill(0, syscall.SIGABRT)
	}

	os.Exit(1)
}

// SetupHandler starts a goroutine that reacts to every signal in
// HandledSignals() plus SIGTERM/SIGINT, which are treated as a clean shutdown
// request rather than a crash: onShutdown runs once and the goroutine then
// keeps handling crash signals for the remainder of the process's life.
func SetupHandler(log *logrus.Entry, debug bool, onShutdown func()) {
	SetLogger(log)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for _, sig := range HandledSignals() {
		signal.Notify(sigCh, sig)
	}

	go func() {
		shutDown := false
		for sig := range sigCh {
			native, ok := sig.(syscall.Signal)
			if !ok {
				signalLog.WithField("signal", sig.String()).Error("unknown signal type")
				continue
			}

			switch {
			case native == syscall.SIGTERM || native == syscall.SIGINT:
				if shutDown {
					continue
				}
				shutDown = true
				signalLog.WithField("signal", native).Info("shutting down")
				if onShutdown != nil {
					onShutdown()
				}
			case FatalSignal(native):
				signalLog.WithField("signal", native).Error("received fatal signal")
				Die(nil)
			case debug && NonFatalSignal(native):
				signalLog.WithField("signal", native).Debug("handling signal")
				Backtrace()
			}
		}
	}()
}
