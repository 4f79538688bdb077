package http2

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/logger"
	"example.com/h2mux/internal/metrics"
)

// CancellationController aborts streams and absorbs peer resets. Stream
// cancellation never touches session state: the only session-level effect
// it can have is the reset safety valve, and only under the goaway policy.
type CancellationController struct {
	sess *Session

	// limiter is nil when the reset rate is unbounded.
	limiter   *rate.Limiter
	policy    config.ResetPolicy
	throttled atomic.Bool

	localCancels atomic.Int64
	peerResets   atomic.Int64
	refused      atomic.Int64
}

// CancelStats counts what the controller has handled.
type CancelStats struct {
	LocalCancels int64
	PeerResets   int64
	Refused      int64
	Throttled    bool
}

func newCancellationController(sess *Session, resetRate float64, resetBurst int, policy config.ResetPolicy) *CancellationController {
	c := &CancellationController{sess: sess, policy: policy}
	if resetRate > 0 && !math.IsInf(resetRate, 1) {
		if resetBurst < 1 {
			resetBurst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(resetRate), resetBurst)
	}
	return c
}

// Cancel marks st CANCELLED, queues RST_STREAM(code) for the peer and
// releases the stream's resources before returning. It never blocks. It
// reports whether this call performed the transition; cancelling a
// terminal stream is a no-op.
func (c *CancellationController) Cancel(st *Stream, code ErrorCode) bool {
	cause := ErrStreamCancelled
	if code != ErrCodeCancel {
		cause = fmt.Errorf("%w (code %s)", ErrStreamCancelled, code)
	}
	return c.cancel(st, code, cause, true, metrics.OriginLocal)
}

func (c *CancellationController) cancel(st *Stream, code ErrorCode, cause error, notifyPeer bool, origin string) bool {
	if !st.terminate(true, code, cause, notifyPeer) {
		return false
	}
	if origin == metrics.OriginLocal || origin == metrics.OriginDeadline {
		c.localCancels.Add(1)
	}
	c.sess.metrics.StreamCancelled(c.sess.role.String(), origin)
	if c.sess.log.DebugEnabled() {
		c.sess.log.Debug("stream cancelled", c.sess.fields(st.id, "code", code.String(), "origin", origin))
	}
	return true
}

// expire cancels st because its deadline passed.
func (c *CancellationController) expire(st *Stream) {
	c.cancel(st, ErrCodeCancel, ErrDeadlineExceeded, true, metrics.OriginDeadline)
}

// onPeerReset handles RST_STREAM from the peer. Resets of streams the peer
// opened are charged to the safety valve.
func (c *CancellationController) onPeerReset(st *Stream, code ErrorCode) {
	if code == ErrCodeNoError {
		// A peer that has sent its complete response may stop the rest of
		// our request this way (RFC 7540, 8.1). What it sent stays readable.
		st.mu.Lock()
		complete := st.remoteDone
		st.mu.Unlock()
		if complete {
			st.aborted.Store(true)
			st.terminate(false, ErrCodeNoError, nil, false)
			return
		}
	}
	cause := NewStreamError(st.id, code, "stream reset by peer")
	if code == ErrCodeRefusedStream {
		cause.Cause = ErrStreamRefused
	}
	if !c.cancel(st, code, cause, false, metrics.OriginPeer) {
		return
	}
	c.peerResets.Add(1)
	if st.local || c.limiter == nil {
		return
	}
	if c.limiter.Allow() {
		return
	}
	switch c.policy {
	case config.ResetPolicyGoAway:
		c.sess.fail(&ConnectionError{
			LastStreamID: c.sess.mux.lastPeerStreamID(),
			Code:         ErrCodeEnhanceYourCalm,
			Msg:          "stream reset rate exceeded",
		})
	default:
		if !c.throttled.Swap(true) {
			c.sess.log.Warn("peer stream reset rate exceeded, refusing new streams", logger.LogFields{
				"session": c.sess.id,
				"limit":   float64(c.limiter.Limit()),
				"burst":   c.limiter.Burst(),
			})
		}
	}
}

// AllowNewStream reports whether a new peer stream may be accepted under
// the refuse policy. Refusals are counted.
func (c *CancellationController) AllowNewStream() bool {
	if c.limiter == nil || !c.throttled.Load() {
		return true
	}
	if c.limiter.Tokens() >= 1 {
		c.throttled.Store(false)
		return true
	}
	c.refused.Add(1)
	return false
}

// CancelAll cancels every registered stream with cause, without telling the
// peer: it is used when the whole session ends.
func (c *CancellationController) CancelAll(cause error) int {
	n := 0
	for _, st := range c.sess.mux.snapshot() {
		if c.cancel(st, CodeOf(cause), cause, false, metrics.OriginSession) {
			n++
		}
	}
	return n
}

func (c *CancellationController) Stats() CancelStats {
	return CancelStats{
		LocalCancels: c.localCancels.Load(),
		PeerResets:   c.peerResets.Load(),
		Refused:      c.refused.Load(),
		Throttled:    c.throttled.Load(),
	}
}
