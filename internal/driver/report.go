package driver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"example.com/h2mux/internal/config"
	"example.com/h2mux/internal/http2"
)

// Failure records a session that ended while cycles were running on it.
type Failure struct {
	Iteration int
	Session   string
	State     string
	Err       string
}

// Report summarizes a run.
type Report struct {
	Mode        config.DriverMode
	Iterations  int
	Concurrency int

	Completed    int
	Cancelled    int
	Refused      int
	SessionEnded int
	Errors       int

	BytesSent        int64
	BytesReceived    int64
	MessagesReceived int64
	// PeakActiveStreams is the largest active stream count seen right
	// after a cycle ended.
	PeakActiveStreams int

	Sessions int
	Failures []Failure
	Duration time.Duration

	mu sync.Mutex
}

func (r *Report) record(outcome string, stats http2.StreamStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeCancelled:
		r.Cancelled++
	case OutcomeRefused:
		r.Refused++
	case OutcomeSessionEnded:
		r.SessionEnded++
	default:
		r.Errors++
	}
	r.BytesSent += stats.BytesSent
	r.BytesReceived += stats.BytesReceived
	r.MessagesReceived += stats.MessagesReceived
}

func (r *Report) observeActive(n int) {
	r.mu.Lock()
	if n > r.PeakActiveStreams {
		r.PeakActiveStreams = n
	}
	r.mu.Unlock()
}

func (r *Report) addFailure(f Failure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}

// Cycles is the number of cycles that ran to an outcome.
func (r *Report) Cycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cyclesLocked()
}

func (r *Report) cyclesLocked() int {
	return r.Completed + r.Cancelled + r.Refused + r.SessionEnded + r.Errors
}

// OK reports whether every iteration ran and no session ended.
func (r *Report) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failures) == 0 && r.Errors == 0 && r.cyclesLocked() == r.Iterations
}

func (r *Report) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	cycles := r.cyclesLocked()
	fmt.Fprintf(&b, "mode %s: %s/%s cycles in %s", r.Mode,
		humanize.Comma(int64(cycles)), humanize.Comma(int64(r.Iterations)), r.Duration.Round(time.Millisecond))
	if secs := r.Duration.Seconds(); secs > 0 {
		fmt.Fprintf(&b, " (%s cycles/s)", humanize.CommafWithDigits(float64(cycles)/secs, 1))
	}
	fmt.Fprintf(&b, "\n  completed %s, cancelled %s, refused %s, session ended %s, errors %s",
		humanize.Comma(int64(r.Completed)), humanize.Comma(int64(r.Cancelled)),
		humanize.Comma(int64(r.Refused)), humanize.Comma(int64(r.SessionEnded)), humanize.Comma(int64(r.Errors)))
	fmt.Fprintf(&b, "\n  sent %s, received %s in %s messages, peak active streams %d, sessions %d",
		humanize.IBytes(uint64(r.BytesSent)), humanize.IBytes(uint64(r.BytesReceived)),
		humanize.Comma(r.MessagesReceived), r.PeakActiveStreams, r.Sessions)
	if len(r.Failures) == 0 {
		b.WriteString("\n  session survived every iteration")
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n  session %s became %s at iteration %s", f.Session, f.State, humanize.Comma(int64(f.Iteration)))
		if f.Err != "" {
			fmt.Fprintf(&b, ": %s", f.Err)
		}
	}
	return b.String()
}
