// Package datasource produces the periodic payloads that handlers write on
// open streams. Scheduling lives here, apart from the stream machinery:
// a Pump only needs an io.Writer.
package datasource

import (
	"context"
	"io"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// ISO8601 is the millisecond UTC layout used in clock lines.
const ISO8601 = "2006-01-02T15:04:05.000Z07:00"

// Source yields the message to send at a tick.
type Source interface {
	Next(now time.Time) []byte
}

// SourceFunc adapts a function to Source.
type SourceFunc func(now time.Time) []byte

func (f SourceFunc) Next(now time.Time) []byte { return f(now) }

// CurrentTime yields "Current Time: <ISO-8601>\n".
type CurrentTime struct{}

func (CurrentTime) Next(now time.Time) []byte {
	return []byte("Current Time: " + now.UTC().Format(ISO8601) + "\n")
}

// Repeat yields the same message on every tick.
type Repeat string

func (r Repeat) Next(time.Time) []byte { return []byte(r) }

// Interval is the range the delay before each message is drawn from.
type Interval struct {
	Min, Max time.Duration
}

// Pick returns a uniformly random delay in [Min, Max].
func (iv Interval) Pick() time.Duration {
	if iv.Max <= iv.Min {
		return iv.Min
	}
	return iv.Min + rand.N(iv.Max-iv.Min+1)
}

// Pump writes one message from Source per tick.
type Pump struct {
	Source   Source
	Interval Interval
	// Count stops the pump after that many messages; 0 means no limit.
	Count int
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Run writes messages to w until Count is reached, ctx ends or a write
// fails. The first message goes out after the first interval. It returns
// the number of messages written; the error is nil only when Count was
// reached.
func (p *Pump) Run(ctx context.Context, w io.Writer) (int, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(p.Interval.Pick())
	defer timer.Stop()

	sent := 0
	for p.Count == 0 || sent < p.Count {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case now := <-timer.C:
			if _, err := w.Write(p.Source.Next(now)); err != nil {
				return sent, err
			}
			sent++
			timer.Reset(p.Interval.Pick())
		}
	}
	return sent, nil
}
