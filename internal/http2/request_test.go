package http2

import (
	"context"
	"io"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPseudoHeaders(t *testing.T) {
	tests := []struct {
		name    string
		fields  []HeaderField
		wantErr bool
	}{
		{"complete", getRequest("/a?b=c"), false},
		{"asterisk path", []HeaderField{{Name: ":method", Value: "OPTIONS"}, {Name: ":path", Value: "*"}}, false},
		{"missing method", []HeaderField{{Name: ":path", Value: "/"}}, true},
		{"missing path", []HeaderField{{Name: ":method", Value: "GET"}}, true},
		{"relative path", []HeaderField{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "a"}}, true},
		{"unknown pseudo", append(getRequest("/"), HeaderField{Name: ":protocol", Value: "x"}), true},
		{"pseudo after regular", []HeaderField{{Name: ":method", Value: "GET"}, {Name: "accept", Value: "*/*"}, {Name: ":path", Value: "/"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := extractPseudoHeaders(tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	server, peer := startServer(t, Config{})
	fields := append(getRequest("/echo?n=3"),
		HeaderField{Name: "content-length", Value: "5"},
		HeaderField{Name: "x-trace", Value: "abc"})
	peer.writeHeaders(1, fields, false)
	peer.write(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, Flags: FlagDataEndStream, StreamID: 1}, Data: []byte("hello")})

	st, err := server.Accept(context.Background())
	require.NoError(t, err)
	req, err := NewRequest(st)
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/echo", req.URL.Path)
	assert.Equal(t, "n=3", req.URL.RawQuery)
	assert.Equal(t, "test", req.Host)
	assert.Equal(t, "/echo?n=3", req.RequestURI)
	assert.Equal(t, int64(5), req.ContentLength)
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Equal(t, 2, req.ProtoMajor)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	st.Cancel(ErrCodeCancel)
	select {
	case <-req.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("request context not cancelled with the stream")
	}
}

func TestNewRequestWithoutBody(t *testing.T) {
	server, peer := startServer(t, Config{})
	peer.writeHeaders(1, getRequest("/"), true)
	st, err := server.Accept(context.Background())
	require.NoError(t, err)

	req, err := NewRequest(st)
	require.NoError(t, err)
	assert.Equal(t, http.NoBody, req.Body)
	assert.Equal(t, int64(0), req.ContentLength)
}

func TestNewRequestMalformed(t *testing.T) {
	server, peer := startServer(t, Config{})
	peer.writeHeaders(1, []HeaderField{{Name: ":method", Value: "GET"}}, true)
	st, err := server.Accept(context.Background())
	require.NoError(t, err)

	_, err = NewRequest(st)
	require.Error(t, err)
	assert.Equal(t, ErrCodeProtocolError, CodeOf(err))
	assert.False(t, IsConnectionScoped(err))
}

func TestRequestAndResponseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("Host", "ignored")
	h.Set("X-Custom", "v")
	h.Set("Transfer-Encoding", "chunked")

	req := RequestHeaders("POST", "https", "example.com", "/up", h)
	require.Len(t, req, 5)
	assert.Equal(t, []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/up"},
		{Name: "x-custom", Value: "v"},
	}, req)

	resp := ResponseHeaders(503, http.Header{"X-Relay-Error": {"upstream-unavailable"}, "Keep-Alive": {"5"}})
	sort.Slice(resp, func(i, j int) bool { return resp[i].Name < resp[j].Name })
	assert.Equal(t, []HeaderField{
		{Name: ":status", Value: "503"},
		{Name: "x-relay-error", Value: "upstream-unavailable"},
	}, resp)
	assert.Equal(t, 503, StatusCode(resp))
	assert.Equal(t, 0, StatusCode(nil))

	assert.True(t, IsHopByHop("Proxy-Connection"))
	assert.False(t, IsHopByHop("x-custom"))
}
