package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/responsegrid/coord/internal/platform/db"
)

// PGStore keeps the log in Postgres. The event_stream row for an incident is
// locked for the duration of each append, which makes last_seq the
// per-incident counter and gives readers a gap-free prefix.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) Name() string { return "postgres" }

const eventCols = `seq, incident_id, type, actor_role, actor_id, actor_name, payload, at, client_at, client_key`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var clientKey *string
	var payload []byte
	err := row.Scan(&e.ID, &e.IncidentID, &e.Type, &e.From.Role, &e.From.ID, &e.From.Name,
		&payload, &e.At, &e.ClientAt, &clientKey)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	if clientKey != nil {
		e.ClientKey = *clientKey
	}
	e.At = e.At.UTC()
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGStore) Open(ctx context.Context, incidentID uuid.UUID) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO event_stream (incident_id) VALUES ($1) ON CONFLICT DO NOTHING`, incidentID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStreamExists
	}
	return nil
}

func (s *PGStore) Append(ctx context.Context, req *AppendRequest) (*Event, bool, error) {
	tx, err := db.Begin(ctx, s.pool)
	if err != nil {
		return nil, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int64
	var closed bool
	err = tx.QueryRow(ctx,
		`SELECT last_seq, closed_at IS NOT NULL FROM event_stream WHERE incident_id = $1 FOR UPDATE`,
		req.IncidentID).Scan(&last, &closed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrIncidentNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock stream: %w", err)
	}

	if req.ClientKey != "" {
		prev, err := scanEvent(tx.QueryRow(ctx,
			`SELECT `+eventCols+` FROM event WHERE incident_id = $1 AND client_key = $2`,
			req.IncidentID, req.ClientKey))
		if err == nil {
			return prev, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("lookup client key: %w", err)
		}
	}
	if closed {
		return nil, false, ErrIncidentClosed
	}

	ev, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO event (incident_id, seq, type, actor_role, actor_id, actor_name, payload, at, client_at, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp(), $8, $9)
		RETURNING `+eventCols,
		req.IncidentID, last+1, req.Type, req.From.Role, req.From.ID, req.From.Name,
		string(req.Payload), req.ClientAt, nullable(req.ClientKey)))
	if err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE event_stream
		SET last_seq = $2, closed_at = CASE WHEN $3 THEN clock_timestamp() ELSE closed_at END
		WHERE incident_id = $1`,
		req.IncidentID, ev.ID, req.closes); err != nil {
		return nil, false, fmt.Errorf("advance stream: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}
	return ev, false, nil
}

func (s *PGStore) Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*Batch, error) {
	if since < 0 {
		since = 0
	}
	q := `SELECT ` + eventCols + ` FROM event WHERE incident_id = $1 AND seq > $2 ORDER BY seq`
	args := []interface{}{incidentID, since}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit+1)
	}

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	batch := &Batch{Events: []*Event{}, Now: since}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		batch.Events = append(batch.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	if limit > 0 && len(batch.Events) > limit {
		batch.Events = batch.Events[:limit]
		batch.More = true
	}
	if n := len(batch.Events); n > 0 {
		batch.Now = batch.Events[n-1].ID
		return batch, nil
	}

	// empty read: distinguish "nothing new" from "no such incident", and
	// pull a cursor from the future back to the head
	head, err := s.Head(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if batch.Now > head {
		batch.Now = head
	}
	return batch, nil
}

func (s *PGStore) Head(ctx context.Context, incidentID uuid.UUID) (int64, error) {
	var last int64
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT last_seq FROM event_stream WHERE incident_id = $1`, incidentID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrIncidentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
	return last, nil
}
