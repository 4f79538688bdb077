package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType represents an HTTP/2 frame type.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = [...]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags represents flags for an HTTP/2 frame.
type Flags uint8

const (
	FlagDataEndStream          Flags = 0x1
	FlagDataPadded             Flags = 0x8
	FlagHeadersEndStream       Flags = 0x1
	FlagHeadersEndHeaders      Flags = 0x4
	FlagHeadersPadded          Flags = 0x8
	FlagHeadersPriority        Flags = 0x20
	FlagSettingsAck            Flags = 0x1
	FlagPingAck                Flags = 0x1
	FlagContinuationEndHeaders Flags = 0x4
)

// Has reports whether all bits of v are set.
func (f Flags) Has(v Flags) bool { return f&v == v }

// SettingID represents a SETTINGS parameter identifier.
type SettingID uint16

// SETTINGS parameters from RFC 7540 Section 6.5.2.
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
	}
}

const (
	// FrameHeaderLen is the length of the HTTP/2 frame header.
	FrameHeaderLen = 9

	DefaultMaxFrameSize uint32 = 16384
	MinAllowedFrameSize uint32 = 16384
	MaxAllowedFrameSize uint32 = (1 << 24) - 1

	// DefaultInitialWindowSize is the RFC default for stream and connection windows.
	DefaultInitialWindowSize uint32 = 65535

	// DefaultHeaderTableSize is the RFC default HPACK dynamic table size.
	DefaultHeaderTableSize uint32 = 4096

	// MaxStreamID is the largest 31-bit stream identifier.
	MaxStreamID uint32 = (1 << 31) - 1
)

// ClientPreface is the connection preface a client sends before any frame.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// FrameHeader represents the 9-octet header common to all frames.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
}

// ReadFrameHeader reads a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var raw [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{
		Length:   uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2]),
		Type:     FrameType(raw[3]),
		Flags:    Flags(raw[4]),
		StreamID: binary.BigEndian.Uint32(raw[5:]) & MaxStreamID,
	}, nil
}

// WriteTo serializes the frame header to w.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	var raw [FrameHeaderLen]byte
	raw[0] = byte(fh.Length >> 16)
	raw[1] = byte(fh.Length >> 8)
	raw[2] = byte(fh.Length)
	raw[3] = byte(fh.Type)
	raw[4] = byte(fh.Flags)
	binary.BigEndian.PutUint32(raw[5:], fh.StreamID&MaxStreamID)
	n, err := w.Write(raw[:])
	return int64(n), err
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("%s stream=%d len=%d flags=0x%x", fh.Type, fh.StreamID, fh.Length, uint8(fh.Flags))
}

// Frame is the interface for all HTTP/2 frames.
type Frame interface {
	Header() *FrameHeader
	ParsePayload(r io.Reader, header FrameHeader) error
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

func readPayload(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return buf, nil
}

// stripPadding removes the pad length octet and trailing padding.
func stripPadding(h FrameHeader, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("padded %s frame on stream %d has no pad length", h.Type, h.StreamID))
	}
	padLen := int(payload[0])
	if padLen >= len(payload) {
		return nil, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("%s frame on stream %d: padding %d exceeds payload", h.Type, h.StreamID, padLen))
	}
	return payload[1 : len(payload)-padLen], nil
}

func writeAll(w io.Writer, chunks ...[]byte) (int64, error) {
	var total int64
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		n, err := w.Write(c)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DataFrame represents a DATA frame (RFC 7540 6.1). Outgoing DATA frames
// are never padded.
type DataFrame struct {
	FrameHeader
	Data []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "DATA frame on stream 0")
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	if h.Flags.Has(FlagDataPadded) {
		if payload, err = stripPadding(h, payload); err != nil {
			return err
		}
	}
	f.Data = payload
	return nil
}

func (f *DataFrame) WritePayload(w io.Writer) (int64, error) { return writeAll(w, f.Data) }
func (f *DataFrame) PayloadLen() uint32                      { return uint32(len(f.Data)) }

// EndStream reports whether END_STREAM is set.
func (f *DataFrame) EndStream() bool { return f.Flags.Has(FlagDataEndStream) }

// HeadersFrame represents a HEADERS frame (RFC 7540 6.2). Priority
// information is parsed and discarded.
type HeadersFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "HEADERS frame on stream 0")
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	if h.Flags.Has(FlagHeadersPadded) {
		if payload, err = stripPadding(h, payload); err != nil {
			return err
		}
	}
	if h.Flags.Has(FlagHeadersPriority) {
		if len(payload) < 5 {
			return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("HEADERS frame on stream %d too short for priority fields", h.StreamID))
		}
		payload = payload[5:]
	}
	f.HeaderBlockFragment = payload
	return nil
}

func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	return writeAll(w, f.HeaderBlockFragment)
}
func (f *HeadersFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// PriorityFrame is read and ignored; stream prioritization is not implemented.
type PriorityFrame struct {
	FrameHeader
	StreamDependency uint32
	Exclusive        bool
	Weight           uint8
}

func (f *PriorityFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PriorityFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame on stream 0")
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	if h.Length != 5 {
		// payload already consumed, the connection stays in sync
		return NewStreamError(h.StreamID, ErrCodeFrameSizeError, fmt.Sprintf("PRIORITY frame payload must be 5 bytes, got %d", h.Length))
	}
	dep := binary.BigEndian.Uint32(payload)
	f.Exclusive = dep&0x80000000 != 0
	f.StreamDependency = dep & MaxStreamID
	f.Weight = payload[4]
	return nil
}

func (f *PriorityFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [5]byte
	dep := f.StreamDependency & MaxStreamID
	if f.Exclusive {
		dep |= 0x80000000
	}
	binary.BigEndian.PutUint32(buf[:], dep)
	buf[4] = f.Weight
	return writeAll(w, buf[:])
}
func (f *PriorityFrame) PayloadLen() uint32 { return 5 }

// RSTStreamFrame represents an RST_STREAM frame (RFC 7540 6.4).
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "RST_STREAM frame on stream 0")
	}
	if h.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("RST_STREAM frame payload must be 4 bytes, got %d", h.Length))
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(payload))
	return nil
}

func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	return writeAll(w, buf[:])
}
func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

// Setting is a single SETTINGS parameter.
type Setting struct {
	ID    SettingID
	Value uint32
}

const settingEntrySize = 6

// SettingsFrame represents a SETTINGS frame (RFC 7540 6.5).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *SettingsFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "SETTINGS frame on non-zero stream")
	}
	if h.Flags.Has(FlagSettingsAck) && h.Length != 0 {
		return NewConnectionError(ErrCodeFrameSizeError, "SETTINGS ack with non-empty payload")
	}
	if h.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("SETTINGS payload length %d is not a multiple of 6", h.Length))
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.Settings = make([]Setting, 0, len(payload)/settingEntrySize)
	for i := 0; i < len(payload); i += settingEntrySize {
		f.Settings = append(f.Settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(payload[i:])),
			Value: binary.BigEndian.Uint32(payload[i+2:]),
		})
	}
	return nil
}

func (f *SettingsFrame) WritePayload(w io.Writer) (int64, error) {
	buf := make([]byte, len(f.Settings)*settingEntrySize)
	for i, s := range f.Settings {
		binary.BigEndian.PutUint16(buf[i*settingEntrySize:], uint16(s.ID))
		binary.BigEndian.PutUint32(buf[i*settingEntrySize+2:], s.Value)
	}
	return writeAll(w, buf)
}
func (f *SettingsFrame) PayloadLen() uint32 { return uint32(len(f.Settings) * settingEntrySize) }

// PingFrame represents a PING frame (RFC 7540 6.7).
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PingFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "PING frame on non-zero stream")
	}
	if h.Length != 8 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("PING payload must be 8 bytes, got %d", h.Length))
	}
	_, err := io.ReadFull(r, f.OpaqueData[:])
	return err
}

func (f *PingFrame) WritePayload(w io.Writer) (int64, error) { return writeAll(w, f.OpaqueData[:]) }
func (f *PingFrame) PayloadLen() uint32                      { return 8 }

// GoAwayFrame represents a GOAWAY frame (RFC 7540 6.8).
type GoAwayFrame struct {
	FrameHeader
	LastStreamID        uint32
	ErrorCode           ErrorCode
	AdditionalDebugData []byte
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *GoAwayFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "GOAWAY frame on non-zero stream")
	}
	if h.Length < 8 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("GOAWAY payload too short: %d", h.Length))
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.LastStreamID = binary.BigEndian.Uint32(payload) & MaxStreamID
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(payload[4:]))
	if len(payload) > 8 {
		f.AdditionalDebugData = payload[8:]
	}
	return nil
}

func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:], f.LastStreamID&MaxStreamID)
	binary.BigEndian.PutUint32(buf[4:], uint32(f.ErrorCode))
	return writeAll(w, buf[:], f.AdditionalDebugData)
}
func (f *GoAwayFrame) PayloadLen() uint32 { return 8 + uint32(len(f.AdditionalDebugData)) }

// WindowUpdateFrame represents a WINDOW_UPDATE frame (RFC 7540 6.9).
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("WINDOW_UPDATE payload must be 4 bytes, got %d", h.Length))
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.WindowSizeIncrement = binary.BigEndian.Uint32(payload) & MaxStreamID
	return nil
}

func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.WindowSizeIncrement&MaxStreamID)
	return writeAll(w, buf[:])
}
func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame represents a CONTINUATION frame (RFC 7540 6.10).
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	if h.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "CONTINUATION frame on stream 0")
	}
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.HeaderBlockFragment = payload
	return nil
}

func (f *ContinuationFrame) WritePayload(w io.Writer) (int64, error) {
	return writeAll(w, f.HeaderBlockFragment)
}
func (f *ContinuationFrame) PayloadLen() uint32 { return uint32(len(f.HeaderBlockFragment)) }

// UnknownFrame holds a frame of a type this codec does not interpret
// (including PUSH_PROMISE). Its payload is consumed and kept raw.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(r io.Reader, h FrameHeader) error {
	f.FrameHeader = h
	payload, err := readPayload(r, h.Length)
	if err != nil {
		return err
	}
	f.Payload = payload
	return nil
}

func (f *UnknownFrame) WritePayload(w io.Writer) (int64, error) { return writeAll(w, f.Payload) }
func (f *UnknownFrame) PayloadLen() uint32                      { return uint32(len(f.Payload)) }

// ReadFrame reads one frame from r. Frames larger than maxPayload are
// rejected with FRAME_SIZE_ERROR; 0 means MaxAllowedFrameSize.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if maxPayload == 0 {
		maxPayload = MaxAllowedFrameSize
	}
	if fh.Length > maxPayload {
		return nil, NewConnectionError(ErrCodeFrameSizeError, fmt.Sprintf("%s frame of %d bytes exceeds max frame size %d", fh.Type, fh.Length, maxPayload))
	}

	var frame Frame
	switch fh.Type {
	case FrameData:
		frame = &DataFrame{}
	case FrameHeaders:
		frame = &HeadersFrame{}
	case FramePriority:
		frame = &PriorityFrame{}
	case FrameRSTStream:
		frame = &RSTStreamFrame{}
	case FrameSettings:
		frame = &SettingsFrame{}
	case FramePing:
		frame = &PingFrame{}
	case FrameGoAway:
		frame = &GoAwayFrame{}
	case FrameWindowUpdate:
		frame = &WindowUpdateFrame{}
	case FrameContinuation:
		frame = &ContinuationFrame{}
	default:
		frame = &UnknownFrame{}
	}
	if err := frame.ParsePayload(r, fh); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame serializes f to w, setting the header length from PayloadLen.
func WriteFrame(w io.Writer, f Frame) error {
	header := f.Header()
	header.Length = f.PayloadLen()
	if _, err := header.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame header for %s (length %d): %w", header.Type, header.Length, err)
	}
	n, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload (declared length %d): %w", header.Type, header.Length, err)
	}
	if uint32(n) != header.Length {
		return fmt.Errorf("internal: %s payload length mismatch: declared %d, wrote %d", header.Type, header.Length, n)
	}
	return nil
}
