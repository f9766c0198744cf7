package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. It is used to tag multi-line dumps
// (memory maps, free lists) with the module that produced them.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes len(p) bytes from p to the underlying sink. The injected
// prefix is not included in the number of written bytes returned by this
// method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, start int

	for index, ch := range p {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		if ch != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[start : index+1])
		written += n
		if err != nil {
			return written, err
		}
		start = index + 1
		w.midLine = false
	}

	if start < len(p) {
		n, err := w.Sink.Write(p[start:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
