package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative, append-only log. Append is the only
// serialization point: it assigns the next id for the incident and stores
// the event atomically.
type Store interface {
	// Open creates an empty stream for a new incident.
	Open(ctx context.Context, incidentID uuid.UUID) error
	// Append stores the event and returns it with id and timestamp set. If
	// the request carries a ClientKey already stored for this incident, the
	// original event is returned and replayed is true.
	Append(ctx context.Context, req *AppendRequest) (ev *Event, replayed bool, err error)
	// Read returns up to limit events with id > since, in id order. Now
	// never exceeds the head.
	Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*Batch, error)
	// Head returns the id of the latest event, or 0 for an empty stream.
	Head(ctx context.Context, incidentID uuid.UUID) (int64, error)
	// Name labels the store in metrics.
	Name() string
}

type memoryStream struct {
	events []*Event
	keys   map[string]*Event
	closed bool
}

// MemoryStore keeps every stream in process. It backs development servers
// without DATABASE_URL and the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*memoryStream
	nowFn   func() time.Time

	// txMu serialises WithTx so a rollback only ever undoes its own writes.
	txMu sync.Mutex
}

// memoryTx records what a WithTx call wrote so it can be undone.
type memoryTx struct {
	store    *MemoryStore
	opened   []uuid.UUID
	appended []*Event
	closed   []uuid.UUID
}

type memoryTxKey struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[uuid.UUID]*memoryStream),
		nowFn:   time.Now,
	}
}

// WithClock replaces the store's clock. Used in tests.
func (s *MemoryStore) WithClock(nowFn func() time.Time) *MemoryStore {
	s.nowFn = nowFn
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

// WithTx runs fn so that the opens and appends it makes are undone if it
// fails, e.g. when a reaction rejects the audit entry for an override. Other
// readers may see the writes before fn returns. Nested calls join the
// outer transaction.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		s.rollback(tx)
		return err
	}
	return nil
}

func (s *MemoryStore) journal(ctx context.Context) *memoryTx {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok && tx.store == s {
		return tx
	}
	return nil
}

func (s *MemoryStore) rollback(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tx.closed {
		if st, ok := s.streams[id]; ok {
			st.closed = false
		}
	}
	for i := len(tx.appended) - 1; i >= 0; i-- {
		ev := tx.appended[i]
		st, ok := s.streams[ev.IncidentID]
		if !ok {
			continue
		}
		if int64(len(st.events)) >= ev.ID {
			st.events = st.events[:ev.ID-1]
		}
		if ev.ClientKey != "" {
			delete(st.keys, ev.ClientKey)
		}
	}
	for _, id := range tx.opened {
		delete(s.streams, id)
	}
}

func (s *MemoryStore) Open(ctx context.Context, incidentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[incidentID]; ok {
		return ErrStreamExists
	}
	s.streams[incidentID] = &memoryStream{keys: map[string]*Event{}}
	if tx := s.journal(ctx); tx != nil {
		tx.opened = append(tx.opened, incidentID)
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, req *AppendRequest) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[req.IncidentID]
	if !ok {
		return nil, false, ErrIncidentNotFound
	}
	if req.ClientKey != "" {
		if prev, dup := st.keys[req.ClientKey]; dup {
			return prev, true, nil
		}
	}
	if st.closed {
		return nil, false, ErrIncidentClosed
	}

	ev := &Event{
		ID:         int64(len(st.events)) + 1,
		IncidentID: req.IncidentID,
		Type:       req.Type,
		From:       req.From,
		Payload:    append([]byte(nil), req.Payload...),
		At:         s.nowFn().UTC(),
		ClientAt:   req.ClientAt,
		ClientKey:  req.ClientKey,
	}
	st.events = append(st.events, ev)
	if req.ClientKey != "" {
		st.keys[req.ClientKey] = ev
	}
	if req.closes {
		st.closed = true
	}
	if tx := s.journal(ctx); tx != nil {
		tx.appended = append(tx.appended, ev)
		if req.closes {
			tx.closed = append(tx.closed, req.IncidentID)
		}
	}
	return ev, false, nil
}

func (s *MemoryStore) Read(_ context.Context, incidentID uuid.UUID, since int64, limit int) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[incidentID]
	if !ok {
		return nil, ErrIncidentNotFound
	}
	if since < 0 {
		since = 0
	}
	batch := &Batch{Events: []*Event{}, Now: since}
	if head := int64(len(st.events)); since >= head {
		// a cursor past the head comes back as the head
		batch.Now = head
		return batch, nil
	}
	// ids are dense from 1, so events[since:] is everything after the cursor
	tail := st.events[since:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
		batch.More = true
	}
	batch.Events = append(batch.Events, tail...)
	batch.Now = tail[len(tail)-1].ID
	return batch, nil
}

func (s *MemoryStore) Head(_ context.Context, incidentID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[incidentID]
	if !ok {
		return 0, ErrIncidentNotFound
	}
	return int64(len(st.events)), nil
}
