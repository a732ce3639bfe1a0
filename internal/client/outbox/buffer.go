package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/client/transport"
	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// DefaultStallAfter is how many failed attempts mark an entry stalled.
const DefaultStallAfter = 8

// Store persists entries. SQLiteStore is the implementation agents use.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Update(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]*Entry, error)
	Incidents(ctx context.Context) ([]uuid.UUID, error)
	Pending(ctx context.Context, incidentID uuid.UUID) ([]*Entry, error)
}

// Result summarises one flush.
type Result struct {
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	// Forwarded entries were taken by a store-and-forward link and await
	// confirmation in the log.
	Forwarded int `json:"forwarded"`
}

type Buffer struct {
	store      Store
	link       transport.Transport
	stallAfter int
	nowFn      func() time.Time
	logger     zerolog.Logger

	// flushMu keeps two flushes from delivering the same head twice.
	flushMu sync.Mutex
}

func NewBuffer(store Store, link transport.Transport, stallAfter int, logger zerolog.Logger) *Buffer {
	if stallAfter <= 0 {
		stallAfter = DefaultStallAfter
	}
	return &Buffer{
		store:      store,
		link:       link,
		stallAfter: stallAfter,
		nowFn:      time.Now,
		logger:     logger.With().Str("component", "outbox").Logger(),
	}
}

// Enqueue records the append locally and returns as soon as it is on disk.
func (b *Buffer) Enqueue(ctx context.Context, req *eventlog.AppendRequest) (*Entry, error) {
	now := b.nowFn().UTC()
	e := &Entry{
		ID:            req.ClientKey,
		IncidentID:    req.IncidentID,
		Type:          req.Type,
		From:          req.From,
		Payload:       req.Payload,
		CreatedAt:     now,
		NextAttemptAt: now,
		Status:        StatusPending,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if req.ClientAt != nil {
		e.CreatedAt = req.ClientAt.UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = []byte(`{}`)
	}
	if err := b.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	b.logger.Debug().Str("id", e.ID).Str("incident_id", e.IncidentID.String()).Str("type", e.Type).Msg("event buffered")
	return e, nil
}

func (b *Buffer) List(ctx context.Context) ([]*Entry, error) {
	return b.store.List(ctx)
}

// Abandon removes an entry the user no longer wants sent.
func (b *Buffer) Abandon(ctx context.Context, id string) error {
	if err := b.store.Delete(ctx, id); err != nil {
		return err
	}
	b.logger.Info().Str("id", id).Msg("entry abandoned")
	return nil
}

// Flush delivers due entries. Each incident's entries reach the log in the
// order they were enqueued; a head that cannot be delivered holds back the
// rest of its incident but not other incidents.
func (b *Buffer) Flush(ctx context.Context) (Result, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var res Result
	incidents, err := b.store.Incidents(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range incidents {
		if err := b.flushIncident(ctx, id, &res); err != nil {
			return res, err
		}
	}
	if res.Delivered+res.Dropped+res.Failed+res.Retrying+res.Forwarded > 0 {
		b.logger.Info().Int("delivered", res.Delivered).Int("dropped", res.Dropped).
			Int("failed", res.Failed).Int("retrying", res.Retrying).Int("forwarded", res.Forwarded).
			Str("transport", b.link.Name()).Msg("outbox flushed")
	}
	return res, nil
}

// flushIncident walks the incident's queue in order. A forwarded entry
// that is not yet visible in the log pins the rest of the queue to the link
// holding it, since that link delivers in order but no other link can
// overtake it safely.
func (b *Buffer) flushIncident(ctx context.Context, incidentID uuid.UUID, res *Result) error {
	entries, err := b.store.Pending(ctx, incidentID)
	if err != nil {
		return err
	}
	var waiting []*Entry
	pin, readable := "", true
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.Status == StatusForwarded {
			landed := false
			if readable {
				landed, readable, err = b.confirm(ctx, e)
				if err != nil {
					return err
				}
			}
			if !landed {
				waiting = append(waiting, e)
				pin = e.Custody
				continue
			}
			res.Delivered++
			if err := b.store.Delete(ctx, e.ID); err != nil {
				return err
			}
			// the link delivers in order, so anything it took earlier that
			// is still missing after one more look was refused by the server
			var still []*Entry
			for _, w := range waiting {
				if w.Custody != e.Custody {
					still = append(still, w)
					continue
				}
				late, ok, err := b.confirm(ctx, w)
				if err != nil {
					return err
				}
				if !late && !ok {
					still = append(still, w)
					continue
				}
				if late {
					res.Delivered++
					err = b.store.Delete(ctx, w.ID)
				} else {
					res.Failed++
					err = b.fail(ctx, w, fmt.Errorf("not in the log although a later entry sent via %s is", w.Custody))
				}
				if err != nil {
					return err
				}
			}
			waiting = still
			pin = ""
			if len(waiting) > 0 {
				pin = waiting[len(waiting)-1].Custody
			}
			continue
		}
		if e.NextAttemptAt.After(b.nowFn()) {
			return nil
		}

		ev, via, sendErr := b.send(ctx, e, pin)
		if errors.Is(sendErr, transport.ErrUnknownLink) {
			b.logger.Warn().Str("id", e.ID).Str("link", pin).Msg("link holding earlier entries is gone, unpinning")
			pin = ""
			ev, via, sendErr = b.send(ctx, e, pin)
		}
		switch {
		case sendErr == nil && ev == nil:
			res.Forwarded++
			e.Status = StatusForwarded
			e.Custody = via
			e.LastError = ""
			pin = via
			if err := b.store.Update(ctx, e); err != nil {
				return err
			}
		case sendErr == nil:
			res.Delivered++
			if err := b.store.Delete(ctx, e.ID); err != nil {
				return err
			}
		case transport.IsClosed(sendErr):
			res.Dropped++
			b.logger.Warn().Str("id", e.ID).Str("incident_id", incidentID.String()).Str("type", e.Type).
				Msg("incident closed, buffered event dropped")
			if err := b.store.Delete(ctx, e.ID); err != nil {
				return err
			}
		case transport.IsPermanent(sendErr):
			res.Failed++
			e.Attempts++
			if err := b.fail(ctx, e, sendErr); err != nil {
				return err
			}
		default:
			res.Retrying++
			return b.retryLater(ctx, e, sendErr)
		}
	}
	return nil
}

// send delivers e, through the pinned link when there is one, and names the
// link that took it.
func (b *Buffer) send(ctx context.Context, e *Entry, pin string) (*eventlog.Event, string, error) {
	router, ok := b.link.(transport.Router)
	switch {
	case ok && pin != "":
		ev, err := router.AppendVia(ctx, pin, e.Request())
		return ev, pin, err
	case ok:
		return router.AppendRouted(ctx, e.Request())
	}
	ev, err := b.link.Append(ctx, e.Request())
	return ev, b.link.Name(), err
}

// confirm looks for a forwarded entry's client key in the log, resuming
// where the last search stopped. readable is false when no link could
// serve the read, so the caller can skip further lookups this round.
func (b *Buffer) confirm(ctx context.Context, e *Entry) (landed, readable bool, err error) {
	start := e.ScanFrom
	readable = true
	for {
		batch, err := b.link.Read(ctx, e.IncidentID, e.ScanFrom, 0)
		if err != nil {
			if ctx.Err() != nil {
				return false, false, ctx.Err()
			}
			b.logger.Debug().Err(err).Str("id", e.ID).Msg("forwarded entry not confirmed yet")
			readable = false
			break
		}
		for _, ev := range batch.Events {
			if ev.ClientKey == e.ID {
				return true, true, nil
			}
		}
		if batch.Now <= e.ScanFrom {
			break
		}
		e.ScanFrom = batch.Now
		if !batch.More {
			break
		}
	}
	if e.ScanFrom != start {
		if err := b.store.Update(ctx, e); err != nil {
			return false, readable, err
		}
	}
	return false, readable, nil
}

func (b *Buffer) fail(ctx context.Context, e *Entry, cause error) error {
	e.Status = StatusFailed
	e.LastError = cause.Error()
	b.logger.Error().Err(cause).Str("id", e.ID).Str("incident_id", e.IncidentID.String()).
		Str("type", e.Type).Msg("buffered event rejected")
	return b.store.Update(ctx, e)
}

func (b *Buffer) retryLater(ctx context.Context, e *Entry, sendErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.Attempts++
	e.NextAttemptAt = b.nowFn().Add(Backoff(e.Attempts)).UTC()
	e.LastError = sendErr.Error()
	if e.Attempts >= b.stallAfter && e.Status != StatusStalled {
		e.Status = StatusStalled
		b.logger.Warn().Err(sendErr).Str("id", e.ID).Str("incident_id", e.IncidentID.String()).
			Int("attempts", e.Attempts).Msg("buffered event stalled, still retrying")
	}
	if err := b.store.Update(ctx, e); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx ends.
func (b *Buffer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Msg("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
