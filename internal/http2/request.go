package http2

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// hopByHop are connection-specific fields that must not appear in HTTP/2
// header blocks (RFC 7540, 8.1.2.2).
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// IsHopByHop reports whether name is a connection-specific header field.
func IsHopByHop(name string) bool { return hopByHop[strings.ToLower(name)] }

// extractPseudoHeaders reads the request pseudo-header fields. :method and
// :path are required; pseudo-headers after regular fields, unknown
// pseudo-headers and a malformed :path are errors.
func extractPseudoHeaders(fields []HeaderField) (method, path, scheme, authority string, err error) {
	regular := false
	for _, hf := range fields {
		if !strings.HasPrefix(hf.Name, ":") {
			regular = true
			continue
		}
		if regular {
			return "", "", "", "", fmt.Errorf("pseudo-header %s after regular header fields", hf.Name)
		}
		switch hf.Name {
		case ":method":
			method = hf.Value
		case ":path":
			if hf.Value == "" || (hf.Value[0] != '/' && hf.Value != "*") {
				return "", "", "", "", fmt.Errorf("invalid :path %q", hf.Value)
			}
			path = hf.Value
		case ":scheme":
			scheme = hf.Value
		case ":authority":
			authority = hf.Value
		default:
			return "", "", "", "", fmt.Errorf("unknown pseudo-header %s", hf.Name)
		}
	}
	if method == "" {
		return "", "", "", "", fmt.Errorf("missing :method pseudo-header")
	}
	if path == "" {
		return "", "", "", "", fmt.Errorf("missing :path pseudo-header")
	}
	return method, path, scheme, authority, nil
}

// streamBody exposes an accepted stream's inbound data as a request body.
type streamBody struct{ st *Stream }

func (b streamBody) Read(p []byte) (int, error) { return b.st.Read(p) }

func (b streamBody) Close() error { return nil }

// NewRequest builds an *http.Request from the header block that opened an
// accepted stream. The body reads the stream and the request context is the
// stream's, so it ends when the stream is cancelled.
func NewRequest(st *Stream) (*http.Request, error) {
	fields := st.Headers()
	method, path, scheme, authority, err := extractPseudoHeaders(fields)
	if err != nil {
		return nil, NewStreamErrorWithCause(st.ID(), ErrCodeProtocolError, "malformed request headers", err)
	}
	u := &url.URL{Scheme: scheme, Host: authority, Path: path}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u.Path = path[:i]
		u.RawQuery = path[i+1:]
	}
	h := make(http.Header)
	for _, hf := range fields {
		if !strings.HasPrefix(hf.Name, ":") {
			h.Add(hf.Name, hf.Value)
		}
	}
	if authority == "" {
		authority = h.Get("Host")
	}
	var body io.ReadCloser = http.NoBody
	st.mu.Lock()
	noBody := st.noBody
	st.mu.Unlock()
	if !noBody {
		body = streamBody{st: st}
	}
	req := &http.Request{
		Method:        method,
		URL:           u,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        h,
		Body:          body,
		ContentLength: -1,
		Host:          authority,
		RequestURI:    path,
		RemoteAddr:    st.Session().RemoteAddr().String(),
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			req.ContentLength = n
		}
	}
	if body == http.NoBody {
		req.ContentLength = 0
	}
	return req.WithContext(st.Context()), nil
}

// RequestHeaders builds the header block for a request. Hop-by-hop fields
// in h are dropped and names are lower-cased.
func RequestHeaders(method, scheme, authority, path string, h http.Header) []HeaderField {
	fields := []HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	return appendHeader(fields, h)
}

// ResponseHeaders builds a response header block.
func ResponseHeaders(status int, h http.Header) []HeaderField {
	return appendHeader([]HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}, h)
}

func appendHeader(fields []HeaderField, h http.Header) []HeaderField {
	for name, values := range h {
		if IsHopByHop(name) || strings.EqualFold(name, "host") {
			continue
		}
		lower := strings.ToLower(name)
		for _, v := range values {
			fields = append(fields, HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

// StatusCode returns the :status of a response header block, or 0.
func StatusCode(fields []HeaderField) int {
	n, _ := strconv.Atoi(HeaderValue(fields, ":status"))
	return n
}
