package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    incident_id     TEXT NOT NULL,
    type            TEXT NOT NULL,
    actor_id        TEXT NOT NULL,
    actor_role      TEXT NOT NULL,
    actor_name      TEXT NOT NULL DEFAULT '',
    payload         BLOB NOT NULL,
    created_ns      INTEGER NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_ns INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    last_error      TEXT NOT NULL DEFAULT '',
    custody         TEXT NOT NULL DEFAULT '',
    scan_from       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_incident ON outbox(incident_id, status, seq);
`

const entryColumns = `seq, id, incident_id, type, actor_id, actor_role, actor_name, payload,
	created_ns, attempts, next_attempt_ns, status, last_error, custody, scan_from`

// addedColumns are applied to queues created before the columns existed.
var addedColumns = []struct{ name, ddl string }{
	{"custody", `ALTER TABLE outbox ADD COLUMN custody TEXT NOT NULL DEFAULT ''`},
	{"scan_from", `ALTER TABLE outbox ADD COLUMN scan_from INTEGER NOT NULL DEFAULT 0`},
}

// SQLiteStore is the on-device queue. One connection serialises writers,
// which is all a single agent needs.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the queue database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	if err := upgrade(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func upgrade(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('outbox')`)
	if err != nil {
		return fmt.Errorf("inspect outbox schema: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect outbox schema: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect outbox schema: %w", err)
	}
	for _, col := range addedColumns {
		if have[col.name] {
			continue
		}
		if _, err := db.Exec(col.ddl); err != nil {
			return fmt.Errorf("add outbox column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (id, incident_id, type, actor_id, actor_role, actor_name, payload,
			created_ns, attempts, next_attempt_ns, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IncidentID.String(), e.Type, e.From.ID, e.From.Role, e.From.Name, []byte(e.Payload),
		e.CreatedAt.UnixNano(), e.Attempts, e.NextAttemptAt.UnixNano(), e.Status, e.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get outbox seq: %w", err)
	}
	e.Seq = seq
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, e *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = ?, next_attempt_ns = ?, status = ?, last_error = ?,
			custody = ?, scan_from = ?
		WHERE id = ?`,
		e.Attempts, e.NextAttemptAt.UnixNano(), e.Status, e.LastError, e.Custody, e.ScanFrom, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return mustAffect(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return mustAffect(res)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM outbox WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// List returns every entry in enqueue order.
func (s *SQLiteStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Incidents lists incidents with entries still to deliver.
func (s *SQLiteStore) Incidents(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id FROM outbox WHERE status != ?
		GROUP BY incident_id ORDER BY MIN(seq)`, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list outbox incidents: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan incident id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse incident id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Pending returns the incident's entries still to deliver or confirm, in
// enqueue order. Failed entries are left out.
func (s *SQLiteStore) Pending(ctx context.Context, incidentID uuid.UUID) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM outbox
		WHERE incident_id = ? AND status != ? ORDER BY seq`, incidentID.String(), StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var incident string
	var payload []byte
	var createdNs, nextNs int64
	err := row.Scan(&e.Seq, &e.ID, &incident, &e.Type, &e.From.ID, &e.From.Role, &e.From.Name,
		&payload, &createdNs, &e.Attempts, &nextNs, &e.Status, &e.LastError, &e.Custody, &e.ScanFrom)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	if e.IncidentID, err = uuid.Parse(incident); err != nil {
		return nil, fmt.Errorf("parse incident id %q: %w", incident, err)
	}
	e.Payload = payload
	e.CreatedAt = time.Unix(0, createdNs).UTC()
	e.NextAttemptAt = time.Unix(0, nextNs).UTC()
	return &e, nil
}
