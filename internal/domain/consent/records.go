package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/responsegrid/coord/internal/platform/db"
)

// SensitiveRecord is data about a person that may only be read through the
// gate, e.g. medical history shared for an incident.
type SensitiveRecord struct {
	ID         string                 `json:"id"`
	IncidentID uuid.UUID              `json:"incidentId"`
	SubjectID  string                 `json:"subjectId"`
	Kind       string                 `json:"kind"`
	Data       map[string]interface{} `json:"data"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// Only returns a copy restricted to the given top-level fields. No fields
// means the whole record.
func (r *SensitiveRecord) Only(fields []string) *SensitiveRecord {
	out := *r
	if len(fields) == 0 {
		return &out
	}
	out.Data = make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := r.Data[f]; ok {
			out.Data[f] = v
		}
	}
	return &out
}

type RecordReader interface {
	Get(ctx context.Context, incidentID uuid.UUID, recordID string) (*SensitiveRecord, error)
}

type RecordStore interface {
	RecordReader
	Put(ctx context.Context, rec *SensitiveRecord) error
}

type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]*SensitiveRecord
	nowFn   func() time.Time
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]*SensitiveRecord), nowFn: time.Now}
}

func memoryKey(incidentID uuid.UUID, recordID string) string {
	return incidentID.String() + "/" + recordID
}

func (m *MemoryRecords) Get(_ context.Context, incidentID uuid.UUID, recordID string) (*SensitiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[memoryKey(incidentID, recordID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r.Only(nil), nil
}

func (m *MemoryRecords) Put(_ context.Context, rec *SensitiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = m.nowFn().UTC()
	m.records[memoryKey(rec.IncidentID, rec.ID)] = rec.Only(nil)
	return nil
}

type PGRecords struct {
	pool *pgxpool.Pool
}

func NewPGRecords(pool *pgxpool.Pool) *PGRecords { return &PGRecords{pool: pool} }

func (r *PGRecords) Get(ctx context.Context, incidentID uuid.UUID, recordID string) (*SensitiveRecord, error) {
	var rec SensitiveRecord
	var data []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, incident_id, subject_id, kind, data, updated_at
		FROM sensitive_record WHERE incident_id = $1 AND id = $2`, incidentID, recordID,
	).Scan(&rec.ID, &rec.IncidentID, &rec.SubjectID, &rec.Kind, &data, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sensitive record: %w", err)
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return nil, fmt.Errorf("decode sensitive record: %w", err)
	}
	return &rec, nil
}

func (r *PGRecords) Put(ctx context.Context, rec *SensitiveRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO sensitive_record (incident_id, id, subject_id, kind, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (incident_id, id) DO UPDATE
			SET subject_id = EXCLUDED.subject_id, kind = EXCLUDED.kind,
			    data = EXCLUDED.data, updated_at = NOW()
		RETURNING updated_at`,
		rec.IncidentID, rec.ID, rec.SubjectID, rec.Kind, data,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put sensitive record: %w", err)
	}
	return nil
}
