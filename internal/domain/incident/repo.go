package incident

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

type Repository interface {
	Create(ctx context.Context, inc *Incident) error
	GetByID(ctx context.Context, id uuid.UUID) (*Incident, error)
	// List returns incidents newest first. An empty kind lists every kind.
	List(ctx context.Context, kind string, limit, offset int) ([]*Incident, int, error)
}

type MemoryRepo struct {
	mu        sync.RWMutex
	incidents map[uuid.UUID]*Incident
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{incidents: make(map[uuid.UUID]*Incident)}
}

func (r *MemoryRepo) Create(_ context.Context, inc *Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inc
	r.incidents[inc.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, eventlog.ErrIncidentNotFound
	}
	cp := *inc
	return &cp, nil
}

func (r *MemoryRepo) List(_ context.Context, kind string, limit, offset int) ([]*Incident, int, error) {
	r.mu.RLock()
	var all []*Incident
	for _, inc := range r.incidents {
		if kind == "" || inc.Kind == kind {
			cp := *inc
			all = append(all, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
