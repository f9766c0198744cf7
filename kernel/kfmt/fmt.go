// Package kfmt implements the kernel's logging facilities. Output produced
// before a sink is attached is kept in a ring buffer and replayed as soon as
// SetOutputSink is invoked.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// printLock serializes writes coming from concurrently running tasks
	// so that lines from different tasks are never interleaved.
	printLock sync.Mutex
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Lock()
	defer printLock.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink or nil if Printf
// output is still being buffered.
func GetOutputSink() io.Writer {
	printLock.Lock()
	defer printLock.Unlock()
	return outputSink
}

// Printf formats according to a format specifier and writes the result to the
// attached output sink. If no sink is attached, the output is captured by the
// early print ring buffer.
func Printf(format string, args ...interface{}) {
	printLock.Lock()
	defer printLock.Unlock()

	if outputSink == nil {
		Fprintf(&earlyPrintBuffer, format, args...)
		return
	}

	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes its output to w. Write errors are
// discarded as there is nowhere left to report them.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
