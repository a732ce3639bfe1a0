package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// Failover tries links in order of preference. It stays on the link that
// last worked and only goes back to an earlier one after recheckEvery has
// passed, so a flapping primary does not cost a timeout on every call.
type Failover struct {
	links        []Transport
	recheckEvery time.Duration
	logger       zerolog.Logger
	nowFn        func() time.Time

	mu          sync.Mutex
	active      int
	lastRecheck time.Time
}

var _ Router = (*Failover)(nil)

func NewFailover(logger zerolog.Logger, recheckEvery time.Duration, links ...Transport) *Failover {
	if recheckEvery <= 0 {
		recheckEvery = 30 * time.Second
	}
	return &Failover{links: links, recheckEvery: recheckEvery, logger: logger, nowFn: time.Now}
}

func (f *Failover) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return "none"
	}
	return f.links[f.active].Name()
}

// order returns the link indexes to try for this call.
func (f *Failover) order() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.active
	if start > 0 && f.nowFn().Sub(f.lastRecheck) >= f.recheckEvery {
		f.lastRecheck = f.nowFn()
		start = 0
	}
	out := make([]int, 0, len(f.links))
	for i := start; i < len(f.links); i++ {
		out = append(out, i)
	}
	for i := 0; i < start; i++ {
		out = append(out, i)
	}
	return out
}

func (f *Failover) settle(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i != f.active {
		f.logger.Info().Str("from", f.links[f.active].Name()).Str("to", f.links[i].Name()).Msg("transport switched")
		if f.active == 0 {
			f.lastRecheck = f.nowFn()
		}
		f.active = i
	}
}

// try runs op on each link until one succeeds and returns the index of
// that link. Permanent errors stop the walk; every other link would give
// the same answer.
func (f *Failover) try(op func(Transport) error) (int, error) {
	if len(f.links) == 0 {
		return -1, errors.New("no transports configured")
	}
	var errs []error
	for _, i := range f.order() {
		link := f.links[i]
		err := op(link)
		if err == nil {
			f.settle(i)
			return i, nil
		}
		if IsPermanent(err) {
			return -1, err
		}
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		f.logger.Debug().Err(err).Str("transport", link.Name()).Msg("link failed")
		errs = append(errs, fmt.Errorf("%s: %w", link.Name(), err))
	}
	if len(errs) == 0 {
		return -1, ErrUnsupported
	}
	return -1, errors.Join(errs...)
}

func (f *Failover) Append(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, error) {
	ev, _, err := f.AppendRouted(ctx, req)
	return ev, err
}

// AppendRouted appends like Append and names the link that accepted it.
func (f *Failover) AppendRouted(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, string, error) {
	var ev *eventlog.Event
	i, err := f.try(func(t Transport) error {
		var err error
		ev, err = t.Append(ctx, req)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return ev, f.links[i].Name(), nil
}

// AppendVia sends through the named link only, without failing over and
// without changing the active link.
func (f *Failover) AppendVia(ctx context.Context, link string, req *eventlog.AppendRequest) (*eventlog.Event, error) {
	for _, t := range f.links {
		if t.Name() == link {
			return t.Append(ctx, req)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLink, link)
}

func (f *Failover) Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*eventlog.Batch, error) {
	var batch *eventlog.Batch
	_, err := f.try(func(t Transport) error {
		var err error
		batch, err = t.Read(ctx, incidentID, since, limit)
		return err
	})
	return batch, err
}
