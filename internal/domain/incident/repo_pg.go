package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/db"
)

type PGRepo struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) *PGRepo { return &PGRepo{pool: pool} }

const incidentCols = `id, kind, priority, lat, lng, accuracy, cultural_protocols, reported_by, created_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var inc Incident
	var lat, lng, accuracy *float64
	err := row.Scan(&inc.ID, &inc.Kind, &inc.Priority, &lat, &lng, &accuracy,
		&inc.CulturalProtocols, &inc.ReportedBy, &inc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		inc.Location = &Location{Lat: *lat, Lng: *lng, Accuracy: accuracy}
	}
	return &inc, nil
}

func (r *PGRepo) Create(ctx context.Context, inc *Incident) error {
	var lat, lng, accuracy *float64
	if inc.Location != nil {
		lat, lng, accuracy = &inc.Location.Lat, &inc.Location.Lng, inc.Location.Accuracy
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO incident (id, kind, priority, lat, lng, accuracy, cultural_protocols, reported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		inc.ID, inc.Kind, inc.Priority, lat, lng, accuracy, inc.CulturalProtocols, inc.ReportedBy,
	).Scan(&inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

func (r *PGRepo) GetByID(ctx context.Context, id uuid.UUID) (*Incident, error) {
	inc, err := scanIncident(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+incidentCols+` FROM incident WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventlog.ErrIncidentNotFound
	}
	return inc, err
}

func (r *PGRepo) List(ctx context.Context, kind string, limit, offset int) ([]*Incident, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM incident WHERE $1 = '' OR kind = $1`, kind).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count incidents: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT `+incidentCols+` FROM incident
		WHERE $1 = '' OR kind = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, kind, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var items []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inc)
	}
	return items, total, rows.Err()
}
