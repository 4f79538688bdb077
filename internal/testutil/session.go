package testutil

import (
	"context"
	"net"
	"net/http"
	"testing"

	"example.com/h2mux/internal/http2"
)

// SessionPair returns a client and a server session connected over
// net.Pipe. Both are closed when the test ends.
func SessionPair(t *testing.T, clientCfg, serverCfg http2.Config) (client, server *http2.Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	type result struct {
		s   *http2.Session
		err error
	}
	srvc := make(chan result, 1)
	go func() {
		s, err := http2.Server(context.Background(), c2, serverCfg)
		srvc <- result{s, err}
	}()
	client, err := http2.Client(context.Background(), c1, clientCfg)
	r := <-srvc
	if err != nil || r.err != nil {
		t.Fatalf("session handshake: client %v, server %v", err, r.err)
	}
	t.Cleanup(func() {
		client.Close()
		r.s.Close()
	})
	return client, r.s
}

// Serve runs serve for every stream sess accepts, each on its own
// goroutine, until the session ends. Streams whose headers do not form a
// request are reset. Whatever serve leaves open is closed afterwards.
func Serve(sess *http2.Session, serve func(*http2.Stream, *http.Request)) {
	go func() {
		for {
			st, err := sess.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				req, err := http2.NewRequest(st)
				if err != nil {
					st.Cancel(http2.CodeOf(err))
					return
				}
				serve(st, req)
				st.CloseWrite()
				st.Close()
			}()
		}
	}()
}

// Get returns the header block of a GET request for path.
func Get(path string) []http2.HeaderField {
	return http2.RequestHeaders(http.MethodGet, "https", "localhost", path, nil)
}

// Post returns the header block of a POST request for path.
func Post(path string) []http2.HeaderField {
	return http2.RequestHeaders(http.MethodPost, "https", "localhost", path, nil)
}
