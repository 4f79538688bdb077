package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/2 error code carried by RST_STREAM and GOAWAY.
type ErrorCode uint32

// Error codes from RFC 7540 Section 7.
const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocolError      ErrorCode = 0x1
	ErrCodeInternalError      ErrorCode = 0x2
	ErrCodeFlowControlError   ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSizeError     ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompressionError   ErrorCode = 0x9
	ErrCodeConnectError       ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

var errCodeNames = map[ErrorCode]string{
	ErrCodeNoError:            "NO_ERROR",
	ErrCodeProtocolError:      "PROTOCOL_ERROR",
	ErrCodeInternalError:      "INTERNAL_ERROR",
	ErrCodeFlowControlError:   "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSizeError:     "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompressionError:   "COMPRESSION_ERROR",
	ErrCodeConnectError:       "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

// String returns the RFC name of the code.
func (e ErrorCode) String() string {
	if name, ok := errCodeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
}

// Stream and session errors surfaced to callers. Compare with errors.Is.
var (
	// ErrCapacityExceeded is returned by Open when the negotiated concurrency
	// limit is reached and the open policy is fail-fast. Retryable.
	ErrCapacityExceeded = errors.New("http2: stream capacity exceeded")
	// ErrUnknownStream is returned by Dispatch for identifiers that are not
	// registered. The session tolerates it.
	ErrUnknownStream = errors.New("http2: unknown stream")
	// ErrInvalidTransition is returned when an operation is not allowed in the
	// stream's current state, e.g. writing to a cancelled stream.
	ErrInvalidTransition = errors.New("http2: invalid stream state transition")
	// ErrStreamCancelled is the cause recorded on a stream cancelled locally.
	ErrStreamCancelled = errors.New("http2: stream cancelled")
	// ErrStreamRefused marks streams the peer never processed (REFUSED_STREAM
	// or above a GOAWAY last-stream-id). Safe to retry on another session.
	ErrStreamRefused = errors.New("http2: stream refused")
	// ErrDeadlineExceeded is the cause recorded when a stream deadline fires.
	ErrDeadlineExceeded = errors.New("http2: stream deadline exceeded")
	// ErrStreamsExhausted is returned once the identifier space is spent.
	// The session drains and a new one must be established.
	ErrStreamsExhausted = errors.New("http2: stream identifiers exhausted")

	ErrSessionDraining = errors.New("http2: session is draining")
	ErrSessionFailed   = errors.New("http2: session failed")
	ErrSessionClosed   = errors.New("http2: session closed")
)

// StreamError is an error scoped to a single stream. It never affects the
// session the stream belongs to.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s): %v", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s)", e.StreamID, e.Msg, e.Code)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is an error that terminates the whole session.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error
	// DebugData is sent as GOAWAY additional debug data.
	DebugData []byte
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s): %v", e.Msg, e.LastStreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s)", e.Msg, e.LastStreamID, e.Code)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an underlying cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}

// IsConnectionScoped reports whether err concerns the whole session rather
// than a single stream. Stream-scoped errors never change session state.
func IsConnectionScoped(err error) bool {
	if err == nil {
		return false
	}
	var se *StreamError
	if errors.As(err, &se) {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrSessionFailed) || errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrSessionDraining)
}

// CodeOf extracts the wire error code carried by err, defaulting to CANCEL
// for local cancellation causes and INTERNAL_ERROR otherwise.
func CodeOf(err error) ErrorCode {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case err == nil:
		return ErrCodeNoError
	case errors.Is(err, ErrStreamRefused):
		return ErrCodeRefusedStream
	case errors.Is(err, ErrStreamCancelled), errors.Is(err, ErrDeadlineExceeded),
		errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionFailed):
		return ErrCodeCancel
	}
	return ErrCodeInternalError
}

// GenerateRSTStreamFrame builds an RST_STREAM frame. When err is a
// *StreamError its id and code take precedence over the arguments.
func GenerateRSTStreamFrame(streamID uint32, code ErrorCode, err error) *RSTStreamFrame {
	var se *StreamError
	if errors.As(err, &se) {
		code = se.Code
		if se.StreamID != 0 {
			streamID = se.StreamID
		}
	}
	return &RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: streamID, Length: 4},
		ErrorCode:   code,
	}
}

// GenerateGoAwayFrame builds a GOAWAY frame. When err is a *ConnectionError
// its code and debug data take precedence; lastStreamID always comes from
// the caller, who owns the session's view of processed streams.
func GenerateGoAwayFrame(lastStreamID uint32, code ErrorCode, debug string, err error) *GoAwayFrame {
	debugData := []byte(debug)
	var ce *ConnectionError
	if errors.As(err, &ce) {
		code = ce.Code
		switch {
		case len(ce.DebugData) > 0:
			debugData = ce.DebugData
		case ce.Msg != "":
			debugData = []byte(ce.Msg)
		}
	}
	return &GoAwayFrame{
		FrameHeader:         FrameHeader{Type: FrameGoAway, Length: 8 + uint32(len(debugData))},
		LastStreamID:        lastStreamID,
		ErrorCode:           code,
		AdditionalDebugData: debugData,
	}
}
