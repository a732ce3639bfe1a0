// Package projection memoises folds over incident logs. A snapshot taken at
// cursor N stays valid forever, so loading is "restore snapshot, apply
// everything after N".
package projection

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// State is a fold over one incident's log. Apply must ignore events at or
// below Position so overlapping batches are harmless.
type State interface {
	Apply(ev *eventlog.Event)
	Position() int64
}

type Projector[S State] struct {
	kind   string
	log    eventlog.Reader
	cache  Cache
	newFn  func() S
	logger zerolog.Logger
}

func New[S State](kind string, log eventlog.Reader, cache Cache, newFn func() S, logger zerolog.Logger) *Projector[S] {
	if cache == nil {
		cache = NopCache{}
	}
	return &Projector[S]{
		kind:   kind,
		log:    log,
		cache:  cache,
		newFn:  newFn,
		logger: logger.With().Str("projection", kind).Logger(),
	}
}

// Key is the cache key for an incident's snapshot of the given fold.
func Key(kind string, incidentID uuid.UUID) string {
	return kind + ":" + incidentID.String()
}

// Load returns the fold brought up to the head of the log. Cache failures
// are logged and fall back to a full replay.
func (p *Projector[S]) Load(ctx context.Context, incidentID uuid.UUID) (S, error) {
	key := Key(p.kind, incidentID)
	state := p.restore(ctx, key)

	since := state.Position()
	advanced := false
	for {
		batch, err := p.log.Read(ctx, incidentID, since, eventlog.MaxReadLimit)
		if err != nil {
			var zero S
			return zero, err
		}
		for _, ev := range batch.Events {
			state.Apply(ev)
			advanced = true
		}
		since = batch.Now
		if !batch.More {
			break
		}
	}

	if advanced {
		if data, err := json.Marshal(state); err != nil {
			p.logger.Warn().Err(err).Msg("marshal snapshot")
		} else if err := p.cache.Set(ctx, key, data); err != nil {
			p.logger.Warn().Err(err).Str("key", key).Msg("store snapshot")
		}
	}
	return state, nil
}

func (p *Projector[S]) restore(ctx context.Context, key string) S {
	state := p.newFn()
	data, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("load snapshot")
		return state
	}
	if !ok {
		return state
	}
	if err := json.Unmarshal(data, state); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable snapshot")
		return p.newFn()
	}
	return state
}
