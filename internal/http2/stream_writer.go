package http2

import (
	"context"
)

// StreamWriter is the response side of an accepted stream, as handlers see
// it. *Stream implements it.
type StreamWriter interface {
	// SendHeaders sends the response header block. With endStream there is
	// no body.
	SendHeaders(headers []HeaderField, endStream bool) error

	// WriteData sends a chunk of the response body; endStream marks the last.
	WriteData(p []byte, endStream bool) (n int, err error)

	// WriteTrailers sends trailing headers and ends the stream.
	WriteTrailers(trailers []HeaderField) error

	ID() uint32

	// Context ends when the stream is cancelled or closed.
	Context() context.Context
}

var _ StreamWriter = (*Stream)(nil)
