// Package outbox keeps an agent's writes on disk until the server has them.
// Enqueue never waits for the network; a flusher delivers entries in order
// per incident whenever a link is up.
package outbox

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	StatusPending = "pending"
	// StatusStalled entries are still retried but have failed long enough
	// that the user should be told.
	StatusStalled = "stalled"
	// StatusFailed entries were rejected for good and wait for the user to
	// abandon them.
	StatusFailed = "failed"
	// StatusForwarded entries were handed to a store-and-forward link. They
	// stay queued until the event shows up in the log, and later entries of
	// the incident go through the same link meanwhile.
	StatusForwarded = "forwarded"
)

var ErrEntryNotFound = errors.New("outbox entry not found")

// Entry is one buffered append. ID doubles as the client key, so a
// delivery retried after a lost response is stored once.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	IncidentID    uuid.UUID       `json:"incidentId"`
	Type          string          `json:"type"`
	From          eventlog.Actor  `json:"from"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	Status        string          `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	// Custody names the link holding a forwarded entry.
	Custody string `json:"custody,omitempty"`
	// ScanFrom is how far the log has been searched for a forwarded entry.
	ScanFrom int64 `json:"scanFrom,omitempty"`
}

// Request rebuilds the append this entry stands for.
func (e *Entry) Request() *eventlog.AppendRequest {
	at := e.CreatedAt
	return &eventlog.AppendRequest{
		IncidentID: e.IncidentID,
		Type:       e.Type,
		From:       e.From,
		Payload:    e.Payload,
		ClientAt:   &at,
		ClientKey:  e.ID,
	}
}

var backoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Backoff is the wait before the next try after the given number of failed
// attempts. It levels off at one minute and never gives up.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	if attempts > len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[attempts-1]
}
