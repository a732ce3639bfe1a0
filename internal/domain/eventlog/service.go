package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/platform/metrics"
)

const (
	DefaultReadLimit = 500
	MaxReadLimit     = 1000
)

// Policy vets an append before it reaches the store.
type Policy interface {
	Check(ctx context.Context, req *AppendRequest) error
}

type PolicyFunc func(ctx context.Context, req *AppendRequest) error

func (f PolicyFunc) Check(ctx context.Context, req *AppendRequest) error { return f(ctx, req) }

// Appender is the narrow write surface handed to reactions and to other
// domain services.
type Appender interface {
	Append(ctx context.Context, req *AppendRequest) (*Event, error)
}

// Reader is the narrow read surface used by folds.
type Reader interface {
	ReadAll(ctx context.Context, incidentID uuid.UUID) ([]*Event, error)
	Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*Batch, error)
}

// Reaction runs after a new (non-replayed) event of a given type is stored,
// inside the same transaction when one is configured. Events it appends go
// through the same validation and are stored after the trigger.
type Reaction func(ctx context.Context, ev *Event, log Appender) error

// Notifier is told about every stored event once the append has committed.
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

// TxFunc runs fn so that every store call made with the ctx it receives
// commits or rolls back together.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type systemKey struct{}

// WithSystem marks appends made by the server itself, e.g. audit entries
// written by the consent gate.
func WithSystem(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemKey{}, true)
}

func IsSystem(ctx context.Context) bool {
	v, _ := ctx.Value(systemKey{}).(bool)
	return v
}

type Service struct {
	store     Store
	validator *Validator
	policies  []Policy
	reactions map[string][]Reaction
	notifiers []Notifier
	tx        TxFunc
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	readLimit int
}

// NewService wraps store. A store with its own WithTx, like MemoryStore,
// is used for transactions until SetTx says otherwise.
func NewService(store Store, validator *Validator, logger zerolog.Logger) *Service {
	tx := TxFunc(noTx)
	if ts, ok := store.(interface {
		WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	}); ok {
		tx = ts.WithTx
	}
	return &Service{
		store:     store,
		validator: validator,
		reactions: map[string][]Reaction{},
		tx:        tx,
		logger:    logger.With().Str("component", "eventlog").Logger(),
		readLimit: DefaultReadLimit,
	}
}

func (s *Service) Use(p Policy) { s.policies = append(s.policies, p) }
func (s *Service) React(eventType string, r Reaction) { s.reactions[eventType] = append(s.reactions[eventType], r) }
func (s *Service) AddNotifier(n Notifier) { s.notifiers = append(s.notifiers, n) }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }
func (s *Service) SetTx(tx TxFunc) { s.tx = tx }
func (s *Service) Validator() *Validator { return s.validator }

// SetReadLimit sets the page size used when a reader does not ask for one.
func (s *Service) SetReadLimit(n int) {
	if n > 0 && n <= MaxReadLimit {
		s.readLimit = n
	}
}

// Open creates the stream for a new incident.
func (s *Service) Open(ctx context.Context, incidentID uuid.UUID) error {
	return s.store.Open(ctx, incidentID)
}

// Append validates and stores one event. Validation failures are returned as
// *ValidationError and nothing is stored.
func (s *Service) Append(ctx context.Context, req *AppendRequest) (*Event, error) {
	var stored []*Event
	var first *Event
	err := s.tx(ctx, func(ctx context.Context) error {
		w := &txAppender{svc: s, stored: &stored}
		ev, err := w.Append(ctx, req)
		first = ev
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range stored {
		for _, n := range s.notifiers {
			n.Notify(ctx, ev)
		}
	}
	return first, nil
}

// txAppender does the work of Append for the trigger and for any events
// appended by reactions, collecting them for notification after commit.
type txAppender struct {
	svc    *Service
	stored *[]*Event
}

func (w *txAppender) Append(ctx context.Context, req *AppendRequest) (*Event, error) {
	s := w.svc
	start := time.Now()
	if err := s.prepare(ctx, req); err != nil {
		s.reject(req, err)
		return nil, err
	}

	ev, replayed, err := s.store.Append(ctx, req)
	if err != nil {
		s.reject(req, err)
		return nil, err
	}
	if replayed {
		s.logger.Debug().Str("incident_id", req.IncidentID.String()).
			Str("client_key", req.ClientKey).Int64("id", ev.ID).Msg("duplicate append absorbed")
		return ev, nil
	}

	s.metrics.ObserveAppend(s.store.Name(), start)
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(metricType(s.validator, ev.Type)).Inc()
	}
	s.logger.Debug().Str("incident_id", ev.IncidentID.String()).Int64("id", ev.ID).
		Str("type", ev.Type).Str("actor", ev.From.ID).Msg("event appended")
	*w.stored = append(*w.stored, ev)

	for _, react := range s.reactions[ev.Type] {
		if err := react(WithSystem(ctx), ev, w); err != nil {
			return nil, fmt.Errorf("%s reaction: %w", ev.Type, err)
		}
	}
	return ev, nil
}

func (s *Service) prepare(ctx context.Context, req *AppendRequest) error {
	if req.IncidentID == uuid.Nil {
		return invalid(req.Type, "incident id is required")
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if err := s.validator.Validate(req.Type, req.Payload); err != nil {
		return err
	}
	if req.From.ID == "" || req.From.Role == "" {
		return invalid(req.Type, "from.id and from.role are required")
	}
	for _, p := range s.policies {
		if err := p.Check(ctx, req); err != nil {
			return err
		}
	}
	if req.Type == TypeStatus {
		var st StatusPayload
		if err := json.Unmarshal(req.Payload, &st); err == nil && st.Status == StatusClosed {
			req.closes = true
		}
	}
	return nil
}

func (s *Service) reject(req *AppendRequest, err error) {
	reason := "error"
	switch {
	case errors.Is(err, ErrIncidentNotFound):
		reason = "not_found"
	case errors.Is(err, ErrIncidentClosed):
		reason = "closed"
	case errors.Is(err, ErrForbidden):
		reason = "forbidden"
	case IsValidation(err):
		reason = "invalid"
	}
	if s.metrics != nil {
		s.metrics.AppendsRejected.WithLabelValues(reason).Inc()
	}
	evt := s.logger.Info()
	if reason == "error" {
		evt = s.logger.Error()
	}
	evt.Err(err).Str("incident_id", req.IncidentID.String()).Str("type", req.Type).
		Str("actor", req.From.ID).Str("reason", reason).Msg("append rejected")
}

// metricType keeps label cardinality bounded: unknown tags share one label.
func metricType(v *Validator, eventType string) string {
	if v.Known(eventType) {
		return eventType
	}
	return "other"
}

// Read returns the events after since. A non-positive limit uses the
// configured page size.
func (s *Service) Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*Batch, error) {
	if limit <= 0 {
		limit = s.readLimit
	}
	if limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	batch, err := s.store.Read(ctx, incidentID, since, limit)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ReadBatchSize.Observe(float64(len(batch.Events)))
	}
	return batch, nil
}

// Head returns the current cursor for the incident, for readers that only
// care about future events.
func (s *Service) Head(ctx context.Context, incidentID uuid.UUID) (int64, error) {
	return s.store.Head(ctx, incidentID)
}

// ReadAll pages through the whole log. Folds use it to rebuild state.
func (s *Service) ReadAll(ctx context.Context, incidentID uuid.UUID) ([]*Event, error) {
	var all []*Event
	var since int64
	for {
		batch, err := s.store.Read(ctx, incidentID, since, MaxReadLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, batch.Events...)
		since = batch.Now
		if !batch.More {
			return all, nil
		}
	}
}

// RequireRoles rejects events of eventType whose actor role is not listed.
func RequireRoles(eventType string, roles ...string) Policy {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return PolicyFunc(func(ctx context.Context, req *AppendRequest) error {
		if req.Type != eventType || allowed[req.From.Role] || allowed["*"] {
			return nil
		}
		return fmt.Errorf("%w: %s requires role %v", ErrForbidden, eventType, roles)
	})
}

// Reserved rejects events of the given types unless the server itself is
// appending them.
func Reserved(types ...string) Policy {
	reserved := make(map[string]bool, len(types))
	for _, t := range types {
		reserved[t] = true
	}
	return PolicyFunc(func(ctx context.Context, req *AppendRequest) error {
		if reserved[req.Type] && !IsSystem(ctx) {
			return fmt.Errorf("%w: %s is written by the server", ErrForbidden, req.Type)
		}
		return nil
	})
}
