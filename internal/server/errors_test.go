package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/server"
)

func TestPrefersJSON(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   bool
	}{
		{"empty", "", false},
		{"json only", "application/json", true},
		{"html only", "text/html", false},
		{"json then html", "application/json, text/html", true},
		{"html then json, equal q", "text/html, application/json", false},
		{"json higher q", "text/html;q=0.8, application/json", true},
		{"json lower q", "application/json;q=0.5, text/html", false},
		{"json beats wildcard at equal q", "*/*, application/json", true},
		{"application wildcard is not json", "application/*", false},
		{"wildcard only", "*/*", false},
		{"json q=0 is refused", "application/json;q=0, text/html;q=0.1", false},
		{"everything q=0", "application/json;q=0", false},
		{"malformed q counts as refused", "application/json;q=foo", false},
		{"q out of range counts as refused", "application/json;q=2", false},
		{"case insensitive", "Application/JSON", true},
		{"extra params", "application/json; charset=utf-8; q=0.9, text/html;q=0.8", true},
		{"browser style", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", false},
		{"api client style", "application/json, text/plain, */*", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.PrefersJSON(tt.accept); got != tt.want {
				t.Errorf("PrefersJSON(%q) = %v, want %v", tt.accept, got, tt.want)
			}
		})
	}
}

func TestErrorBody(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		accept   string
		detail   string
		wantType string
		contains []string
	}{
		{"404 html", 404, "", "", "text/html; charset=utf-8", []string{"<title>404 Not Found</title>", "<h1>Not Found</h1>"}},
		{"503 html with detail", 503, "text/html", "no <upstream>", "text/html; charset=utf-8", []string{"503 Service Unavailable", "no &lt;upstream&gt;"}},
		{"unknown status html", 418, "", "", "text/html; charset=utf-8", []string{"418 I&#39;m a teapot"}},
		{"404 json", 404, "application/json", "", "application/json; charset=utf-8", []string{`"status_code":404`, `"message":"Not Found"`}},
		{"502 json with detail", 502, "application/json", "upstream reset", "application/json; charset=utf-8", []string{`"detail":"upstream reset"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := server.ErrorBody(tt.status, tt.accept, tt.detail, logger.Nop())
			if ct != tt.wantType {
				t.Errorf("content type = %q, want %q", ct, tt.wantType)
			}
			for _, want := range tt.contains {
				if !strings.Contains(string(body), want) {
					t.Errorf("body %q does not contain %q", body, want)
				}
			}
			if strings.HasPrefix(ct, "application/json") {
				var resp server.ErrorResponseJSON
				if err := json.Unmarshal(body, &resp); err != nil {
					t.Fatalf("body is not valid JSON: %v", err)
				}
				if resp.Error.StatusCode != tt.status {
					t.Errorf("status_code = %d, want %d", resp.Error.StatusCode, tt.status)
				}
			}
		})
	}
}

// mockStreamWriter records what an error response writes.
type mockStreamWriter struct {
	headers     []http2.HeaderField
	headersEnd  bool
	body        []byte
	dataEnd     bool
	sendErr     error
	writeErr    error
	trailersSet bool
}

func (m *mockStreamWriter) SendHeaders(fields []http2.HeaderField, endStream bool) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	if m.headers != nil {
		return errors.New("headers already sent")
	}
	m.headers = fields
	m.headersEnd = endStream
	return nil
}

func (m *mockStreamWriter) WriteData(p []byte, endStream bool) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	if m.headers == nil {
		return 0, errors.New("data before headers")
	}
	m.body = append(m.body, p...)
	m.dataEnd = endStream
	return len(p), nil
}

func (m *mockStreamWriter) WriteTrailers([]http2.HeaderField) error {
	m.trailersSet = true
	return nil
}

func (m *mockStreamWriter) ID() uint32 { return 7 }

func (m *mockStreamWriter) Context() context.Context { return context.Background() }

func TestWriteErrorResponse(t *testing.T) {
	req := &http.Request{Header: http.Header{"Accept": []string{"application/json"}}}
	extra := http.Header{"X-Relay-Error": []string{"upstream-unavailable"}}

	w := &mockStreamWriter{}
	if err := server.WriteErrorResponse(w, http.StatusServiceUnavailable, req, "", extra, logger.Nop()); err != nil {
		t.Fatalf("WriteErrorResponse: %v", err)
	}
	if got := http2.StatusCode(w.headers); got != 503 {
		t.Errorf(":status = %d, want 503", got)
	}
	if w.headersEnd {
		t.Error("headers ended the stream although a body follows")
	}
	if !w.dataEnd {
		t.Error("body did not end the stream")
	}
	checks := map[string]string{
		"content-type":   "application/json; charset=utf-8",
		"content-length": strconv.Itoa(len(w.body)),
		"cache-control":  "no-cache, no-store, must-revalidate",
		"x-relay-error":  "upstream-unavailable",
	}
	for name, want := range checks {
		if got := http2.HeaderValue(w.headers, name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
	if w.trailersSet {
		t.Error("error response sent trailers")
	}
}

func TestWriteErrorResponseNilRequest(t *testing.T) {
	w := &mockStreamWriter{}
	if err := server.WriteErrorResponse(w, http.StatusInternalServerError, nil, "", nil, nil); err != nil {
		t.Fatalf("WriteErrorResponse: %v", err)
	}
	if got := http2.HeaderValue(w.headers, "content-type"); got != "text/html; charset=utf-8" {
		t.Errorf("content-type = %q, want html", got)
	}
	if !strings.Contains(string(w.body), "500 Internal Server Error") {
		t.Errorf("unexpected body %q", w.body)
	}
}

func TestWriteErrorResponseFailures(t *testing.T) {
	tests := []struct {
		name string
		w    *mockStreamWriter
		want string
	}{
		{"headers", &mockStreamWriter{sendErr: errors.New("stream reset")}, "failed to send error response headers (status 404) on stream 7"},
		{"body", &mockStreamWriter{writeErr: errors.New("window closed")}, "failed to send error response body (status 404) on stream 7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := server.WriteErrorResponse(tt.w, http.StatusNotFound, nil, "", nil, logger.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}
