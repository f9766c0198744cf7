package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The ring buffer size must always be a power of 2.
const ringBufferSize = 2048

// ringBuffer models a ring buffer of size ringBufferSize. When full, the
// oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	for n < len(p) && rb.rIndex != rb.wIndex {
		p[n] = rb.buffer[rb.rIndex]
		rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		n++
	}

	if n == 0 && len(p) != 0 {
		return 0, io.EOF
	}

	return n, nil
}
