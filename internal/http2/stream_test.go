package http2

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamStateString(t *testing.T) {
	tests := []struct {
		state StreamState
		want  string
	}{
		{StreamStatePending, "PENDING"},
		{StreamStateOpen, "OPEN"},
		{StreamStateHalfClosedLocal, "HALF_CLOSED_LOCAL"},
		{StreamStateHalfClosedRemote, "HALF_CLOSED_REMOTE"},
		{StreamStateClosed, "CLOSED"},
		{StreamStateCancelled, "CANCELLED"},
		{StreamState(42), "UNKNOWN_STREAM_STATE_42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
	assert.True(t, StreamStateClosed.Terminal())
	assert.True(t, StreamStateCancelled.Terminal())
	assert.False(t, StreamStateHalfClosedRemote.Terminal())
}

func TestStreamLifecycle(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	accepted := make(chan *Stream, 1)
	serve(server, func(st *Stream) { accepted <- st })

	st, err := client.OpenStream(context.Background(), getRequest("/lifecycle"), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.ID())
	assert.True(t, st.IsLocal())
	assert.Equal(t, StreamStatePending, st.State())

	var srv *Stream
	select {
	case srv = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not accepted")
	}
	assert.False(t, srv.IsLocal())
	assert.Equal(t, StreamStateOpen, srv.State())
	assert.Equal(t, "/lifecycle", HeaderValue(srv.Headers(), ":path"))

	require.NoError(t, srv.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}, {Name: "x-a", Value: "b"}}, false))
	hdrs, err := st.AwaitHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", HeaderValue(hdrs, "x-a"))
	assert.Equal(t, 200, st.Status())
	assert.Equal(t, 200, srv.Status())
	assert.Equal(t, StreamStateOpen, st.State())

	require.NoError(t, st.CloseWrite())
	assert.Equal(t, StreamStateHalfClosedLocal, st.State())
	require.NoError(t, st.CloseWrite(), "CloseWrite is idempotent")
	require.Eventually(t, func() bool { return srv.State() == StreamStateHalfClosedRemote }, 2*time.Second, time.Millisecond)

	_, err = srv.WriteData([]byte("bye"), true)
	require.NoError(t, err)
	<-srv.Done()
	assert.Equal(t, StreamStateClosed, srv.State())

	body, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(body))
	<-st.Done()
	assert.Equal(t, StreamStateClosed, st.State())
	assert.NoError(t, st.Err())
	assert.ErrorIs(t, context.Cause(st.Context()), errStreamClosed)
	assert.Equal(t, 0, client.ActiveStreams())
	assert.Equal(t, SessionActive, client.State())
}

func TestStreamEcho(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, echo)

	st, err := client.OpenStream(context.Background(), getRequest("/echo"), false)
	require.NoError(t, err)
	for _, msg := range []string{"one", "two", strings.Repeat("x", 40000)} {
		_, err := st.Write([]byte(msg))
		require.NoError(t, err)
		got := make([]byte, len(msg))
		_, err = io.ReadFull(st, got)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
	require.NoError(t, st.CloseWrite())
	_, err = st.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)

	stats := st.Stats()
	assert.Equal(t, int64(3), stats.MessagesSent)
	assert.Equal(t, int64(6+40000), stats.BytesSent)
	assert.Equal(t, int64(6+40000), stats.BytesReceived)
}

func TestStreamLargeTransferRespectsFlowControl(t *testing.T) {
	// A small window forces many WINDOW_UPDATE round trips.
	client, server := newPair(t, Config{}, Config{InitialWindowSize: 1024})
	got := make(chan int, 1)
	serve(server, func(st *Stream) {
		n, _ := io.Copy(io.Discard, st)
		got <- int(n)
		st.CloseWrite()
	})

	st, err := client.OpenStream(context.Background(), getRequest("/upload"), false)
	require.NoError(t, err)
	payload := make([]byte, 256*1024)
	_, err = st.WriteData(payload, true)
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, len(payload), n)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete")
	}
}

func TestStreamDeadline(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, tick("t", 5*time.Millisecond))

	st, err := client.OpenStream(context.Background(), getRequest("/"), true)
	require.NoError(t, err)
	st.SetDeadline(time.Now().Add(30 * time.Millisecond))
	assert.True(t, st.HasDeadline())

	<-st.Done()
	assert.Equal(t, StreamStateCancelled, st.State())
	assert.ErrorIs(t, st.Err(), ErrDeadlineExceeded)
	assert.False(t, st.HasDeadline())
	_, err = st.ReadMessage()
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Equal(t, SessionActive, client.State())
}

func TestStreamDeadlineDisarm(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, echo)

	st, err := client.OpenStream(context.Background(), getRequest("/"), false)
	require.NoError(t, err)
	st.SetDeadline(time.Now().Add(20 * time.Millisecond))
	st.SetDeadline(time.Time{})
	assert.False(t, st.HasDeadline())
	time.Sleep(40 * time.Millisecond)
	assert.False(t, st.State().Terminal())
	require.True(t, st.Cancel(ErrCodeCancel))
}

func TestStreamOperationsAfterCancel(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, echo)

	st, err := client.OpenStream(context.Background(), getRequest("/"), false)
	require.NoError(t, err)
	require.True(t, st.Cancel(ErrCodeCancel))
	assert.False(t, st.Cancel(ErrCodeCancel))

	tests := []struct {
		name string
		op   func() error
	}{
		{"write", func() error { _, err := st.Write([]byte("x")); return err }},
		{"close write", st.CloseWrite},
		{"trailers", func() error { return st.WriteTrailers([]HeaderField{{Name: "x-t", Value: "1"}}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.ErrorIs(t, err, ErrStreamCancelled)
		})
	}
	_, err = st.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrStreamCancelled)
	assert.NoError(t, st.Close(), "closing a cancelled stream is a no-op")
	assert.Equal(t, StreamStateCancelled, st.State())
}

func TestStreamPeerReset(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, func(st *Stream) {
		st.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		st.Cancel(ErrCodeInternalError)
	})

	st, err := client.OpenStream(context.Background(), getRequest("/"), false)
	require.NoError(t, err)
	<-st.Done()
	assert.Equal(t, StreamStateCancelled, st.State())
	assert.Equal(t, ErrCodeInternalError, st.Code())
	var se *StreamError
	require.True(t, errors.As(st.Err(), &se))
	assert.Equal(t, ErrCodeInternalError, se.Code)
	assert.Equal(t, SessionActive, client.State())
	assert.Equal(t, int64(1), client.Controller().Stats().PeerResets)
}

func TestStreamTrailers(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, func(st *Stream) {
		st.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		st.Write([]byte("body"))
		st.WriteTrailers([]HeaderField{{Name: "x-checksum", Value: "abc"}})
	})

	st, err := client.OpenStream(context.Background(), getRequest("/"), true)
	require.NoError(t, err)
	body, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "body", string(body))
	<-st.Done()
	assert.Equal(t, "abc", HeaderValue(st.Trailers(), "x-checksum"))
	assert.Equal(t, StreamStateClosed, st.State())
}

func TestStreamImplicitResponseHeaders(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	serve(server, func(st *Stream) {
		st.WriteData([]byte("hi"), true)
	})

	st, err := client.OpenStream(context.Background(), getRequest("/"), true)
	require.NoError(t, err)
	hdrs, err := st.AwaitHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "200", HeaderValue(hdrs, ":status"))
	body, err := io.ReadAll(st)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(body))
}

func TestStreamSendHeadersTwice(t *testing.T) {
	server, peer := startServer(t, Config{})
	peer.writeHeaders(1, getRequest("/"), false)
	st, err := server.Accept(context.Background())
	require.NoError(t, err)

	require.NoError(t, st.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false))
	assert.ErrorIs(t, st.SendHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false), ErrInvalidTransition)
	peer.expect(time.Second, isHeadersOn(1))
}

func TestStreamProtocolViolationsResetOnlyTheStream(t *testing.T) {
	tests := []struct {
		name     string
		send     func(p *rawPeer)
		wantCode ErrorCode
	}{
		{
			name: "DATA after END_STREAM",
			send: func(p *rawPeer) {
				p.writeHeaders(1, getRequest("/"), true)
				p.write(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 1}, Data: []byte("late")})
			},
			wantCode: ErrCodeStreamClosed,
		},
		{
			name: "DATA beyond stream window",
			send: func(p *rawPeer) {
				p.writeHeaders(1, getRequest("/"), false)
				chunk := make([]byte, 16384)
				for i := 0; i < 5; i++ {
					p.write(&DataFrame{FrameHeader: FrameHeader{Type: FrameData, StreamID: 1}, Data: chunk})
				}
			},
			wantCode: ErrCodeFlowControlError,
		},
		{
			name: "trailers without END_STREAM",
			send: func(p *rawPeer) {
				p.writeHeaders(1, getRequest("/"), false)
				p.writeHeaders(1, []HeaderField{{Name: "x-t", Value: "1"}}, false)
			},
			wantCode: ErrCodeProtocolError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, peer := startServer(t, Config{InitialWindowSize: DefaultInitialWindowSize})
			tt.send(peer)

			rst := peer.expect(2*time.Second, isRST(1)).(*RSTStreamFrame)
			assert.Equal(t, tt.wantCode, rst.ErrorCode)
			_, err := server.Ping(context.Background())
			require.NoError(t, err)
			assert.Equal(t, SessionActive, server.State())
		})
	}
}
