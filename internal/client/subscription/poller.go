// Package subscription follows an incident's log from the actor's side.
// The poller owns the cursor; a push hint only makes it poll sooner.
package subscription

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/client/transport"
	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	DefaultMinInterval = 1200 * time.Millisecond
	DefaultMaxInterval = 1500 * time.Millisecond
	DefaultTimeout     = 10 * time.Second
)

// Reader is the read side of a transport.
type Reader interface {
	Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*eventlog.Batch, error)
}

// Handler receives new events in id order. Returning an error leaves the
// cursor where it was so the same events arrive again next poll.
type Handler func(ctx context.Context, events []*eventlog.Event) error

type Poller struct {
	reader      Reader
	incidentID  uuid.UUID
	minInterval time.Duration
	maxInterval time.Duration
	timeout     time.Duration
	limit       int
	fromNow     bool
	logger      zerolog.Logger

	mu     sync.Mutex
	cursor int64
	primed bool
	wake   chan struct{}
}

type Option func(*Poller)

// WithInterval sets the jitter window between polls.
func WithInterval(lo, hi time.Duration) Option {
	return func(p *Poller) {
		if lo > 0 {
			p.minInterval = lo
		}
		if hi >= p.minInterval {
			p.maxInterval = hi
		} else {
			p.maxInterval = p.minInterval
		}
	}
}

// WithTimeout bounds each read.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithCursor resumes after a cursor saved earlier.
func WithCursor(cursor int64) Option {
	return func(p *Poller) { p.cursor = cursor }
}

func WithLimit(n int) Option {
	return func(p *Poller) { p.limit = n }
}

// FromNow skips history: the first poll only learns the head cursor.
func FromNow() Option {
	return func(p *Poller) { p.fromNow = true }
}

func New(reader Reader, incidentID uuid.UUID, logger zerolog.Logger, opts ...Option) *Poller {
	p := &Poller{
		reader:      reader,
		incidentID:  incidentID,
		minInterval: DefaultMinInterval,
		maxInterval: DefaultMaxInterval,
		timeout:     DefaultTimeout,
		logger:      logger.With().Str("component", "poller").Str("incident_id", incidentID.String()).Logger(),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Wake makes a running poller poll now, e.g. on a push hint.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) read(ctx context.Context, since int64) (*eventlog.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.reader.Read(ctx, p.incidentID, since, p.limit)
}

// Poll fetches everything after the cursor, hands new events to h and
// advances the cursor only if h succeeds. It returns how many events were
// delivered.
func (p *Poller) Poll(ctx context.Context, h Handler) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fromNow && !p.primed {
		batch, err := p.read(ctx, transport.SinceNow)
		if err != nil {
			return 0, fmt.Errorf("read head: %w", err)
		}
		p.cursor, p.primed = batch.Now, true
		return 0, nil
	}

	delivered := 0
	for {
		batch, err := p.read(ctx, p.cursor)
		if err != nil {
			return delivered, err
		}
		fresh := newerThan(batch.Events, p.cursor)
		if len(fresh) > 0 {
			if err := h(ctx, fresh); err != nil {
				return delivered, fmt.Errorf("handle events: %w", err)
			}
			delivered += len(fresh)
		}
		next := batch.Now
		if n := len(fresh); n > 0 && fresh[n-1].ID > next {
			next = fresh[n-1].ID
		}
		if next > p.cursor {
			p.cursor = next
		}
		if !batch.More || len(fresh) == 0 {
			return delivered, nil
		}
	}
}

// newerThan drops events at or before the cursor and repeats within the
// batch, which a retried or overlapping read can return.
func newerThan(events []*eventlog.Event, cursor int64) []*eventlog.Event {
	out := make([]*eventlog.Event, 0, len(events))
	last := cursor
	for _, ev := range events {
		if ev.ID <= last {
			continue
		}
		out = append(out, ev)
		last = ev.ID
	}
	return out
}

func (p *Poller) interval() time.Duration {
	spread := p.maxInterval - p.minInterval
	if spread <= 0 {
		return p.minInterval
	}
	return p.minInterval + rand.N(spread)
}

// Run polls until ctx ends. Failed polls are logged and retried on the
// next tick; the cursor never moves past events that were not handled.
func (p *Poller) Run(ctx context.Context, h Handler) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-p.wake:
			timer.Stop()
		}

		n, err := p.Poll(ctx, h)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Warn().Err(err).Int64("cursor", p.Cursor()).Msg("poll failed")
		case n > 0:
			p.logger.Debug().Int("events", n).Int64("cursor", p.Cursor()).Msg("events received")
		}
		timer.Reset(p.interval())
	}
}
