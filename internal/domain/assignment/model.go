// Package assignment derives the responder-to-incident lifecycle from the
// incident log: unassigned, claimed, en_route, arrived, completed.
package assignment

import (
	"errors"
	"time"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	Unassigned = "unassigned"
	Claimed    = "claimed"
	EnRoute    = "en_route"
	Arrived    = "arrived"
	Completed  = "completed"
)

var (
	ErrAlreadyAssigned   = errors.New("someone else is already responding")
	ErrNotAssignee       = errors.New("only the assigned responder can do that")
	ErrInvalidTransition = errors.New("assignment cannot move to that state")
	ErrUnknownAction     = errors.New("unknown assignment action")
)

var rank = map[string]int{
	Unassigned: 0,
	Claimed:    1,
	EnRoute:    2,
	Arrived:    3,
	Completed:  4,
}

// Conflict is a claim that lost to an earlier one. It changes nothing but
// lets the losing responder see who got there first.
type Conflict struct {
	ResponderID   string    `json:"responderId"`
	ResponderName string    `json:"responderName,omitempty"`
	EventID       int64     `json:"eventId"`
	At            time.Time `json:"at"`
}

// State is the fold of assignment and assignment_release events.
type State struct {
	ResponderID   string     `json:"responderId,omitempty"`
	ResponderName string     `json:"responderName,omitempty"`
	State         string     `json:"state"`
	ClaimEventID  int64      `json:"claimEventId,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
	Conflicts     []Conflict `json:"conflicts,omitempty"`
	Cursor        int64      `json:"cursor"`
}

func New() *State {
	return &State{State: Unassigned}
}

// Fold replays events into a fresh state.
func Fold(events []*eventlog.Event) *State {
	s := New()
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}

func (s *State) Position() int64 { return s.Cursor }

// Apply folds one event. The earliest claim by event id wins; later claims
// by other responders are recorded as conflicts. Only the assignee moves
// the state, and only forward. completed is terminal.
func (s *State) Apply(ev *eventlog.Event) {
	if ev.ID <= s.Cursor {
		return
	}
	s.Cursor = ev.ID

	switch ev.Type {
	case eventlog.TypeAssignment:
		var p eventlog.AssignmentPayload
		if err := ev.Decode(&p); err != nil || p.ResponderID == "" {
			return
		}
		s.applyTransition(ev, p)
	case eventlog.TypeAssignmentRelease:
		var p eventlog.AssignmentReleasePayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if s.State == Unassigned || s.State == Completed || p.ResponderID != s.ResponderID {
			return
		}
		at := ev.At
		*s = State{State: Unassigned, UpdatedAt: &at, Conflicts: s.Conflicts, Cursor: s.Cursor}
	}
}

func (s *State) applyTransition(ev *eventlog.Event, p eventlog.AssignmentPayload) {
	target, ok := rank[p.State]
	if !ok || p.State == Unassigned {
		return
	}
	at := ev.At

	if p.State == Claimed {
		switch {
		case s.State == Unassigned:
			s.ResponderID = p.ResponderID
			s.ResponderName = p.ResponderName
			s.State = Claimed
			s.ClaimEventID = ev.ID
			s.UpdatedAt = &at
		case p.ResponderID != s.ResponderID:
			s.Conflicts = append(s.Conflicts, Conflict{
				ResponderID:   p.ResponderID,
				ResponderName: p.ResponderName,
				EventID:       ev.ID,
				At:            ev.At,
			})
		}
		return
	}

	if s.State == Unassigned || p.ResponderID != s.ResponderID {
		return
	}
	if target <= rank[s.State] {
		return
	}
	s.State = p.State
	s.UpdatedAt = &at
}

// Assigned reports whether a responder currently holds the incident.
func (s *State) Assigned() bool {
	return s.State != Unassigned
}

// Terminal reports whether no further transition is possible.
func (s *State) Terminal() bool {
	return s.State == Completed
}

// Check is the optimistic test a client runs before appending: it returns
// the error the fold would effectively apply to the action.
func (s *State) Check(responderID, target string) error {
	switch target {
	case Claimed:
		if s.State != Unassigned && s.ResponderID != responderID {
			return ErrAlreadyAssigned
		}
		if s.State != Unassigned {
			return ErrInvalidTransition
		}
		return nil
	case Unassigned:
		if s.State == Unassigned || s.ResponderID != responderID {
			return ErrNotAssignee
		}
		if s.State == Completed {
			return ErrInvalidTransition
		}
		return nil
	}
	r, ok := rank[target]
	if !ok {
		return ErrUnknownAction
	}
	if s.State == Unassigned || s.ResponderID != responderID {
		return ErrNotAssignee
	}
	if r <= rank[s.State] {
		return ErrInvalidTransition
	}
	return nil
}
