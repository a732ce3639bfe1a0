package eventlog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrIncidentClosed   = errors.New("incident is closed")
	ErrStreamExists     = errors.New("incident stream already exists")
	ErrForbidden        = errors.New("actor may not append this event")
	ErrUnknownActor     = errors.New("caller has no identity")
)

// ValidationError is returned when an event is malformed. Nothing is stored.
type ValidationError struct {
	Type     string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid %s event", e.Type)
	}
	return fmt.Sprintf("invalid %s event: %s", e.Type, strings.Join(e.Problems, "; "))
}

func invalid(eventType string, problems ...string) *ValidationError {
	return &ValidationError{Type: eventType, Problems: problems}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
