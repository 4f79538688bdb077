package http2

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is a single header name/value pair as seen by stream users.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderValue returns the first value of name in fields, or "".
func HeaderValue(fields []HeaderField, name string) string {
	for _, f := range fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// errHeaderListTooLarge is reported when a decoded block exceeds the
// advertised SETTINGS_MAX_HEADER_LIST_SIZE.
var errHeaderListTooLarge = errors.New("hpack: header list too large")

// HpackAdapter wraps the x/net HPACK encoder and decoder for one session.
// The encoder is only touched by the session writer and the decoder only by
// the session reader, so the adapter carries no lock of its own.
type HpackAdapter struct {
	encoder   *hpack.Encoder
	encodeBuf bytes.Buffer

	decoder       *hpack.Decoder
	decodedFields []HeaderField
	decodedSize   uint32
	maxListSize   uint32
	overflow      bool
}

// NewHpackAdapter creates an adapter whose decoder table is tableSize bytes.
// maxListSize bounds the decoded size of one header block; 0 disables the
// check.
func NewHpackAdapter(tableSize, maxListSize uint32) *HpackAdapter {
	h := &HpackAdapter{maxListSize: maxListSize}
	h.encoder = hpack.NewEncoder(&h.encodeBuf)
	h.decoder = hpack.NewDecoder(tableSize, h.emit)
	return h
}

func (h *HpackAdapter) emit(hf hpack.HeaderField) {
	if h.overflow {
		return
	}
	h.decodedSize += hf.Size()
	if h.maxListSize > 0 && h.decodedSize > h.maxListSize {
		h.overflow = true
		h.decodedFields = nil
		return
	}
	h.decodedFields = append(h.decodedFields, HeaderField{Name: hf.Name, Value: hf.Value})
}

// DecodeFragment feeds one HEADERS or CONTINUATION fragment to the decoder.
func (h *HpackAdapter) DecodeFragment(fragment []byte) error {
	if _, err := h.decoder.Write(fragment); err != nil {
		return fmt.Errorf("hpack: decoding header block fragment: %w", err)
	}
	return nil
}

// FinishDecoding closes the current header block and returns its fields.
// The decoder state is reset for the next block even on error.
func (h *HpackAdapter) FinishDecoding() ([]HeaderField, error) {
	err := h.decoder.Close()
	fields, overflow := h.decodedFields, h.overflow
	h.decodedFields, h.decodedSize, h.overflow = nil, 0, false
	if err != nil {
		return nil, fmt.Errorf("hpack: finishing header block: %w", err)
	}
	if overflow {
		return nil, errHeaderListTooLarge
	}
	return fields, nil
}

// SetMaxEncoderDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (h *HpackAdapter) SetMaxEncoderDynamicTableSize(size uint32) {
	h.encoder.SetMaxDynamicTableSizeLimit(size)
}

// Encode encodes fields into a new header block. Names are lowercased as
// HTTP/2 requires.
func (h *HpackAdapter) Encode(fields []HeaderField) ([]byte, error) {
	h.encodeBuf.Reset()
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("hpack: empty header field name (value %q)", f.Value)
		}
		if err := h.encoder.WriteField(hpack.HeaderField{Name: strings.ToLower(f.Name), Value: f.Value}); err != nil {
			return nil, fmt.Errorf("hpack: encoding header field %q: %w", f.Name, err)
		}
	}
	out := make([]byte, h.encodeBuf.Len())
	copy(out, h.encodeBuf.Bytes())
	return out, nil
}
