// Package relay forwards streams accepted on a client-facing session to an
// upstream HTTP/2 server, one upstream stream per inbound stream, and
// mirrors cancellation between the two legs in both directions.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
	"example.com/h2mux/internal/server"
)

// Relay is the handler for "Relay" routes.
type Relay struct {
	cfg      *config.RelayConfig
	upstream *Upstream
	log      *logger.Logger
	metrics  *metrics.Metrics
	remap    map[int]int
	active   atomic.Int64
}

// New builds a Relay for cfg. The upstream is dialed on first use.
func New(cfg *config.RelayConfig, lg *logger.Logger, m *metrics.Metrics) (*Relay, error) {
	up, err := NewUpstream(cfg, lg, m)
	if err != nil {
		return nil, err
	}
	remap := make(map[int]int, len(cfg.StatusRemap))
	for from, to := range cfg.StatusRemap {
		code, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("status_remap key %q: %w", from, err)
		}
		remap[code] = to
	}
	return &Relay{cfg: cfg, upstream: up, log: lg, metrics: m, remap: remap}, nil
}

// Factory returns a server.HandlerFactory that records relay metrics on m.
func Factory(m *metrics.Metrics) server.HandlerFactory {
	return func(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
		cfg, err := config.ParseRelayConfig(raw)
		if err != nil {
			return nil, err
		}
		return New(cfg, lg, m)
	}
}

// Upstream exposes the relay's upstream pool.
func (r *Relay) Upstream() *Upstream { return r.upstream }

// ActivePairs is the number of relay pairs currently linked.
func (r *Relay) ActivePairs() int { return int(r.active.Load()) }

// Close closes the upstream sessions.
func (r *Relay) Close() error { return r.upstream.Close() }

func (r *Relay) ServeHTTP2(in *http2.Stream, req *http.Request) {
	err := r.Serve(in, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrUpstreamUnavailable):
		r.log.Warn("relay upstream unavailable", logger.LogFields{"stream": in.ID(), "path": req.RequestURI, "error": err.Error()})
	case errors.Is(err, http2.ErrCapacityExceeded):
		r.log.Warn("relay upstream at capacity, stream refused", logger.LogFields{"stream": in.ID(), "path": req.RequestURI, "error": err.Error()})
	case in.State() == http2.StreamStateCancelled:
		// Cancellations are part of normal traffic.
		if r.log.DebugEnabled() {
			r.log.Debug("relay pair cancelled", logger.LogFields{"stream": in.ID(), "error": err.Error()})
		}
	default:
		r.log.Error("relay pair failed", logger.LogFields{"stream": in.ID(), "path": req.RequestURI, "error": err.Error()})
	}
}

// Serve relays one inbound stream. It returns once both legs are done.
func (r *Relay) Serve(in *http2.Stream, req *http.Request) error {
	headers := r.outboundHeaders(req)
	out, err := r.upstream.Open(in.Context(), headers, req.Body == http.NoBody)
	if err != nil {
		if in.Context().Err() != nil {
			return err
		}
		if errors.Is(err, ErrUpstreamUnavailable) {
			return r.unavailable(in, req, err)
		}
		if errors.Is(err, http2.ErrCapacityExceeded) {
			// The upstream leg is full; the client may retry the stream.
			in.Cancel(http2.ErrCodeRefusedStream)
			return err
		}
		return multierr.Combine(err, server.WriteErrorResponse(in, http.StatusBadGateway, req, "The upstream server rejected the stream.", nil, r.log))
	}

	p := &pair{relay: r, req: req, in: in, out: out}
	in.SetPeer(out)
	out.SetPeer(in)
	r.active.Add(1)
	r.metrics.RelayPair(1)
	defer func() {
		r.active.Add(-1)
		r.metrics.RelayPair(-1)
	}()
	return p.run(req.Body == http.NoBody)
}

// unavailable answers in with the configured unavailable status. err is
// returned wrapped in ErrUpstreamUnavailable.
func (r *Relay) unavailable(in *http2.Stream, req *http.Request, err error) error {
	if !errors.Is(err, ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	r.metrics.UpstreamUnavailable()
	extra := http.Header{"X-Relay-Error": []string{"upstream-unavailable"}}
	return multierr.Combine(err, server.WriteErrorResponse(in, r.cfg.UnavailableStatus, req, "The upstream server could not be reached.", extra, r.log))
}

func (r *Relay) outboundHeaders(req *http.Request) []http2.HeaderField {
	scheme := "http"
	if r.upstream.TLS() {
		scheme = "https"
	}
	authority := req.Host
	if r.cfg.RewriteAuthority || authority == "" {
		authority = r.cfg.Upstream
		if host, port, err := net.SplitHostPort(authority); err == nil && (port == "443" || port == "80") {
			authority = host
		}
	}
	path := req.RequestURI
	if path == "" {
		path = req.URL.RequestURI()
	}
	return http2.RequestHeaders(req.Method, scheme, authority, path, req.Header)
}

// pair is one relay pair: in is accepted on the client-facing session, out
// is opened on the upstream session.
type pair struct {
	relay *Relay
	req   *http.Request
	in    *http2.Stream
	out   *http2.Stream

	// lost is set once the client leg has been answered as unavailable.
	lost atomic.Bool
}

func (p *pair) run(noBody bool) error {
	stop := make(chan struct{})
	mirrored := make(chan struct{})
	go func() {
		defer close(mirrored)
		p.mirror(stop)
	}()

	var g errgroup.Group
	if !noBody {
		g.Go(p.pumpRequest)
	}
	g.Go(p.pumpResponse)
	err := g.Wait()
	if p.lost.Load() && !errors.Is(err, ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, p.out.Err())
	}

	close(stop)
	<-mirrored
	p.propagate(p.out, p.in)
	p.propagate(p.in, p.out)
	p.out.Close()
	return err
}

// mirror cancels the other leg as soon as one leg is cancelled.
func (p *pair) mirror(stop <-chan struct{}) {
	inDone, outDone := p.in.Done(), p.out.Done()
	for inDone != nil || outDone != nil {
		select {
		case <-inDone:
			inDone = nil
			p.propagate(p.in, p.out)
		case <-outDone:
			outDone = nil
			p.propagate(p.out, p.in)
		case <-stop:
			return
		}
	}
}

func (p *pair) propagate(from, to *http2.Stream) {
	if from.State() != http2.StreamStateCancelled {
		return
	}
	if from == p.out && (p.lost.Load() || p.upstreamLost()) {
		// pumpResponse answers the client with the unavailable status.
		return
	}
	code := mirrorCode(from)
	if to.Cancel(code) && p.relay.log.DebugEnabled() {
		p.relay.log.Debug("relay cancellation mirrored", logger.LogFields{
			"from_stream": from.ID(),
			"to_stream":   to.ID(),
			"code":        code.String(),
		})
	}
}

// mirrorCode is the code the other leg is reset with. Session-wide causes
// belong to one leg's connection only, so they become CANCEL.
func mirrorCode(st *http2.Stream) http2.ErrorCode {
	if http2.IsConnectionScoped(st.Err()) {
		return http2.ErrCodeCancel
	}
	code := st.Code()
	if code == http2.ErrCodeNoError {
		return http2.ErrCodeCancel
	}
	return code
}

// upstreamLost reports whether the upstream session ended before any
// response reached the client.
func (p *pair) upstreamLost() bool {
	return p.out.State() == http2.StreamStateCancelled &&
		p.out.Headers() == nil &&
		http2.IsConnectionScoped(p.out.Err()) &&
		p.in.Status() == 0
}

// pumpRequest copies the inbound request body and trailers upstream.
func (p *pair) pumpRequest() error {
	for {
		msg, err := p.in.ReadMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := p.out.Write(msg); err != nil {
			return p.outErr(err)
		}
	}
	if tr := p.in.Trailers(); len(tr) > 0 {
		return p.outErr(p.out.WriteTrailers(tr))
	}
	return p.outErr(p.out.CloseWrite())
}

// outErr drops write errors caused by the upstream having finished its
// response; the rest of the request is not needed then.
func (p *pair) outErr(err error) error {
	if err != nil && p.out.State() == http2.StreamStateClosed {
		return nil
	}
	return err
}

// pumpResponse copies the upstream response to the inbound stream.
func (p *pair) pumpResponse() error {
	hdrs, err := p.out.AwaitHeaders(p.in.Context())
	if err != nil {
		if p.upstreamLost() && !p.in.State().Terminal() {
			p.lost.Store(true)
			err = p.relay.unavailable(p.in, p.req, err)
			// Any request body still in flight is no longer wanted.
			p.in.Close()
		}
		return err
	}
	if err := p.in.SendHeaders(p.responseHeaders(hdrs), false); err != nil {
		return err
	}
	for {
		msg, err := p.out.ReadMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := p.in.Write(msg); err != nil {
			return err
		}
	}
	if tr := p.out.Trailers(); len(tr) > 0 {
		err = p.in.WriteTrailers(tr)
	} else {
		err = p.in.CloseWrite()
	}
	if err != nil {
		return err
	}
	// The response is complete; a client still sending is told to stop.
	p.in.Close()
	return nil
}

func (p *pair) responseHeaders(upstream []http2.HeaderField) []http2.HeaderField {
	status := http2.StatusCode(upstream)
	if to, ok := p.relay.remap[status]; ok {
		status = to
	}
	fields := []http2.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	for _, hf := range upstream {
		if strings.HasPrefix(hf.Name, ":") || http2.IsHopByHop(hf.Name) {
			continue
		}
		fields = append(fields, hf)
	}
	return fields
}

var _ server.Handler = (*Relay)(nil)
var _ io.Closer = (*Relay)(nil)
