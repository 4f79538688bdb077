package http2

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		name string
		e    ErrorCode
		want string
	}{
		{"NoError", ErrCodeNoError, "NO_ERROR"},
		{"ProtocolError", ErrCodeProtocolError, "PROTOCOL_ERROR"},
		{"InternalError", ErrCodeInternalError, "INTERNAL_ERROR"},
		{"FlowControlError", ErrCodeFlowControlError, "FLOW_CONTROL_ERROR"},
		{"SettingsTimeout", ErrCodeSettingsTimeout, "SETTINGS_TIMEOUT"},
		{"StreamClosed", ErrCodeStreamClosed, "STREAM_CLOSED"},
		{"FrameSizeError", ErrCodeFrameSizeError, "FRAME_SIZE_ERROR"},
		{"RefusedStream", ErrCodeRefusedStream, "REFUSED_STREAM"},
		{"Cancel", ErrCodeCancel, "CANCEL"},
		{"CompressionError", ErrCodeCompressionError, "COMPRESSION_ERROR"},
		{"ConnectError", ErrCodeConnectError, "CONNECT_ERROR"},
		{"EnhanceYourCalm", ErrCodeEnhanceYourCalm, "ENHANCE_YOUR_CALM"},
		{"InadequateSecurity", ErrCodeInadequateSecurity, "INADEQUATE_SECURITY"},
		{"HTTP11Required", ErrCodeHTTP11Required, "HTTP_1_1_REQUIRED"},
		{"UnknownErrorCode", ErrorCode(0xff), "UNKNOWN_ERROR_CODE_255"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.String(); got != tt.want {
				t.Errorf("ErrorCode.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStreamError(t *testing.T) {
	cause := errors.New("underlying cause")

	se := NewStreamError(1, ErrCodeProtocolError, "invalid frame")
	if got, want := se.Error(), "stream error on stream 1: invalid frame (code PROTOCOL_ERROR)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if se.Unwrap() != nil {
		t.Errorf("Unwrap() = %v, want nil", se.Unwrap())
	}

	se = NewStreamErrorWithCause(3, ErrCodeCancel, "aborted", cause)
	if got, want := se.Error(), "stream error on stream 3: aborted (code CANCEL): underlying cause"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(se, cause) {
		t.Error("errors.Is(se, cause) = false, want true")
	}

	wrapped := fmt.Errorf("write failed: %w", se)
	var target *StreamError
	if !errors.As(wrapped, &target) || target.StreamID != 3 {
		t.Errorf("errors.As did not recover the StreamError from %v", wrapped)
	}
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("socket gone")

	ce := NewConnectionError(ErrCodeFrameSizeError, "frame too large")
	ce.LastStreamID = 7
	if got, want := ce.Error(), "connection error: frame too large (last_stream_id 7, code FRAME_SIZE_ERROR)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	ce = NewConnectionErrorWithCause(ErrCodeInternalError, "write", cause)
	if got, want := ce.Error(), "connection error: write (last_stream_id 0, code INTERNAL_ERROR): socket gone"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(ce, cause) {
		t.Error("errors.Is(ce, cause) = false, want true")
	}
}

func TestIsConnectionScoped(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"stream error", NewStreamError(1, ErrCodeFlowControlError, "window"), false},
		{"stream error wrapping session error", NewStreamErrorWithCause(1, ErrCodeCancel, "x", ErrSessionClosed), false},
		{"connection error", NewConnectionError(ErrCodeFlowControlError, "window"), true},
		{"wrapped connection error", fmt.Errorf("read: %w", NewConnectionError(ErrCodeProtocolError, "bad")), true},
		{"session failed", fmt.Errorf("%w: eof", ErrSessionFailed), true},
		{"session closed", ErrSessionClosed, true},
		{"session draining", ErrSessionDraining, true},
		{"stream cancelled", ErrStreamCancelled, false},
		{"deadline", ErrDeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionScoped(tt.err); got != tt.want {
				t.Errorf("IsConnectionScoped(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeNoError},
		{"stream error", NewStreamError(1, ErrCodeStreamClosed, "x"), ErrCodeStreamClosed},
		{"connection error", NewConnectionError(ErrCodeEnhanceYourCalm, "x"), ErrCodeEnhanceYourCalm},
		{"refused", fmt.Errorf("%w: above last stream", ErrStreamRefused), ErrCodeRefusedStream},
		{"cancelled", ErrStreamCancelled, ErrCodeCancel},
		{"deadline", ErrDeadlineExceeded, ErrCodeCancel},
		{"session closed", ErrSessionClosed, ErrCodeCancel},
		{"session failed", fmt.Errorf("%w: eof", ErrSessionFailed), ErrCodeCancel},
		{"other", errors.New("boom"), ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestGenerateRSTStreamFrame(t *testing.T) {
	tests := []struct {
		name     string
		streamID uint32
		code     ErrorCode
		err      error
		wantID   uint32
		wantCode ErrorCode
	}{
		{"plain", 5, ErrCodeCancel, nil, 5, ErrCodeCancel},
		{"stream error overrides", 5, ErrCodeCancel, NewStreamError(9, ErrCodeFlowControlError, "x"), 9, ErrCodeFlowControlError},
		{"stream error without id keeps caller id", 5, ErrCodeCancel, NewStreamError(0, ErrCodeProtocolError, "x"), 5, ErrCodeProtocolError},
		{"other error ignored", 3, ErrCodeRefusedStream, errors.New("x"), 3, ErrCodeRefusedStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := GenerateRSTStreamFrame(tt.streamID, tt.code, tt.err)
			if f.Type != FrameRSTStream || f.Length != 4 {
				t.Errorf("header = %v, want RST_STREAM of length 4", f.FrameHeader)
			}
			if f.StreamID != tt.wantID || f.ErrorCode != tt.wantCode {
				t.Errorf("got stream %d code %s, want stream %d code %s", f.StreamID, f.ErrorCode, tt.wantID, tt.wantCode)
			}
		})
	}
}

func TestGenerateGoAwayFrame(t *testing.T) {
	tests := []struct {
		name      string
		code      ErrorCode
		debug     string
		err       error
		wantCode  ErrorCode
		wantDebug string
	}{
		{"no error", ErrCodeNoError, "", nil, ErrCodeNoError, ""},
		{"caller debug", ErrCodeNoError, "bye", nil, ErrCodeNoError, "bye"},
		{"connection error msg", ErrCodeNoError, "", NewConnectionError(ErrCodeProtocolError, "bad preface"), ErrCodeProtocolError, "bad preface"},
		{
			"connection error debug data wins",
			ErrCodeNoError, "",
			&ConnectionError{Code: ErrCodeEnhanceYourCalm, Msg: "msg", DebugData: []byte("calm")},
			ErrCodeEnhanceYourCalm, "calm",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := GenerateGoAwayFrame(11, tt.code, tt.debug, tt.err)
			if f.LastStreamID != 11 {
				t.Errorf("LastStreamID = %d, want 11", f.LastStreamID)
			}
			if f.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %s, want %s", f.ErrorCode, tt.wantCode)
			}
			if string(f.AdditionalDebugData) != tt.wantDebug {
				t.Errorf("debug = %q, want %q", f.AdditionalDebugData, tt.wantDebug)
			}
			if f.Length != 8+uint32(len(tt.wantDebug)) {
				t.Errorf("Length = %d, want %d", f.Length, 8+len(tt.wantDebug))
			}
		})
	}
}
