// Package fatal implements the engine's disciplined "can't continue"
// signalling mechanism.
//
// The original C++ engine leans on FATAL() and ASSERT() macros that log
// and abort the process wherever a precondition the replay depends on
// doesn't hold: an unknown CPU, a perf_event_open failure, a register
// file that no longer matches the trace. Those are not ordinary Go
// errors — there is no caller that can recover from them, and nothing
// meaningful to return. This package keeps that behavior but makes it
// overridable in tests, so a test can assert "this path goes fatal"
// without actually calling os.Exit.
package fatal

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Sink receives the final formatted message before the process exits.
// The default sink logs at logrus' Fatal level and lets logrus perform
// the os.Exit(1); tests install a Sink that records the message and
// panics instead, so the test goroutine unwinds instead of killing the
// test binary.
type Sink func(msg string)

var sink Sink = defaultSink

func defaultSink(msg string) {
	logrus.StandardLogger().Fatal(msg)
}

// SetSink overrides where fatal messages go. It returns a function that
// restores the previous sink; tests typically do:
//
//	defer fatal.SetSink(func(msg string) { panic(fatalTestPanic{msg}) })()
func SetSink(s Sink) (restore func()) {
	prev := sink
	sink = s
	return func() { sink = prev }
}

// F reports a fatal condition and terminates the process (or, under a
// test sink, unwinds the calling goroutine). F never returns.
func F(format string, args ...interface{}) {
	sink(fmt.Sprintf(format, args...))
	panic("fatal: sink returned") // unreachable unless a test sink forgets to panic/exit
}

// Assert reports a fatal condition if cond is false. Unlike the
// original's ASSERT(), which always fires, Assert's callers are
// expected to have already decided the condition is genuinely
// unrecoverable; overridable soft-assertions (like the HLE/IN_TX
// assertion gated by ForceThings) are expressed as plain warnings at
// the call site instead of going through Assert.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		F(format, args...)
	}
}
