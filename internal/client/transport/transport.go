// Package transport moves events between an agent and the server over
// whatever link is up: HTTP over LTE or mesh, or a broker that forwards
// later.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// SinceNow asks Read for the head cursor without any events.
const SinceNow int64 = -1

// Transport is one link to the authoritative log. Append returns the stored
// event, or nil when the link only took custody of it (store-and-forward).
type Transport interface {
	Name() string
	Append(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, error)
	Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*eventlog.Batch, error)
}

// Router is a transport made of several links. It can report which link
// accepted an append and can send through one named link only, so a caller
// can keep related writes on the link that holds the earlier ones.
type Router interface {
	Transport
	AppendRouted(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, string, error)
	AppendVia(ctx context.Context, link string, req *eventlog.AppendRequest) (*eventlog.Event, error)
}

// ErrUnknownLink is returned by AppendVia for a link that is not configured.
var ErrUnknownLink = errors.New("no such transport link")

// ErrUnsupported is returned by links that cannot serve an operation, e.g.
// reads over the relay queue.
var ErrUnsupported = errors.New("operation not supported by this transport")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap maps the status back onto the log's sentinel errors so callers can
// use errors.Is across transports.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return eventlog.ErrIncidentNotFound
	case http.StatusConflict:
		return eventlog.ErrIncidentClosed
	case http.StatusForbidden:
		return eventlog.ErrForbidden
	case http.StatusUnauthorized:
		return eventlog.ErrUnknownActor
	}
	return nil
}

// IsPermanent reports whether retrying err can never succeed: the event is
// malformed, the incident is closed or unknown, or the actor may not write it.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
			http.StatusConflict, http.StatusUnprocessableEntity:
			return true
		}
		return false
	}
	return eventlog.IsValidation(err) ||
		errors.Is(err, eventlog.ErrIncidentClosed) ||
		errors.Is(err, eventlog.ErrIncidentNotFound) ||
		errors.Is(err, eventlog.ErrForbidden)
}

// IsTransient reports whether err is worth retrying: timeouts, refused
// connections, 5xx and 429 answers, and anything unclassified.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) || errors.Is(err, ErrUnsupported) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsClosed reports whether err means the incident no longer accepts events.
func IsClosed(err error) bool {
	return errors.Is(err, eventlog.ErrIncidentClosed)
}
