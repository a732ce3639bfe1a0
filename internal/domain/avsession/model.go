// Package avsession negotiates audio/video between incident participants.
// The log records request, accept and end; everything else is local to the
// device holding the camera.
package avsession

import (
	"errors"
	"time"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	PhaseIdle       = "idle"
	PhaseRequested  = "requested"
	PhaseConsented  = "consented"
	PhaseConnecting = "connecting"
	PhaseConnected  = "connected"
	PhaseEnded      = "ended"
	PhaseError      = "error"
)

// ReasonDeclined on av_end before acceptance withdraws the request instead
// of ending a session.
const ReasonDeclined = "declined"

var (
	ErrSessionActive    = errors.New("an a/v session is already active")
	ErrNoPendingRequest = errors.New("no pending a/v request")
	ErrNotCounterParty  = errors.New("only the other party can answer this request")
	ErrNotParticipant   = errors.New("not a participant in this session")
	ErrUnknownAction    = errors.New("unknown a/v action")
)

// State is the log's view of the incident's current A/V session.
type State struct {
	Phase     string          `json:"phase"`
	RequestID int64           `json:"requestId,omitempty"`
	Requester *eventlog.Actor `json:"requester,omitempty"`
	To        string          `json:"to,omitempty"`
	Media     string          `json:"media,omitempty"`
	Accepter  *eventlog.Actor `json:"accepter,omitempty"`
	EndedBy   *eventlog.Actor `json:"endedBy,omitempty"`
	EndReason string          `json:"endReason,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Cursor    int64           `json:"cursor"`
}

func New() *State {
	return &State{Phase: PhaseIdle}
}

func Fold(events []*eventlog.Event) *State {
	s := New()
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}

func (s *State) Position() int64 { return s.Cursor }

func (s *State) Apply(ev *eventlog.Event) {
	if ev.ID <= s.Cursor {
		return
	}
	s.Cursor = ev.ID
	at := ev.At

	switch ev.Type {
	case eventlog.TypeAVRequest:
		if s.Active() {
			return
		}
		var p eventlog.AVRequestPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		from := ev.From
		*s = State{
			Phase:     PhaseRequested,
			RequestID: ev.ID,
			Requester: &from,
			To:        p.To,
			Media:     p.Media,
			UpdatedAt: &at,
			Cursor:    s.Cursor,
		}
	case eventlog.TypeAVAccept:
		if s.Phase != PhaseRequested || !s.IsCounterParty(ev.From) {
			return
		}
		var p eventlog.AVAcceptPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if p.RequestID != 0 && p.RequestID != s.RequestID {
			return
		}
		from := ev.From
		s.Phase = PhaseConnected
		s.Accepter = &from
		s.UpdatedAt = &at
	case eventlog.TypeAVEnd:
		if !s.Active() || !s.IsParticipant(ev.From) {
			return
		}
		var p eventlog.AVEndPayload
		if err := ev.Decode(&p); err != nil {
			return
		}
		if s.Phase == PhaseRequested && p.Reason == ReasonDeclined {
			*s = State{Phase: PhaseIdle, UpdatedAt: &at, Cursor: s.Cursor}
			return
		}
		from := ev.From
		s.Phase = PhaseEnded
		s.EndedBy = &from
		s.EndReason = p.Reason
		s.UpdatedAt = &at
	}
}

// Active reports whether a request is pending or a session is connected.
func (s *State) Active() bool {
	return s.Phase == PhaseRequested || s.Phase == PhaseConnected
}

// IsCounterParty reports whether a may answer the pending request. An
// addressed request ("to" holding an actor id or role) can only be answered
// by that actor; the requester never answers its own request.
func (s *State) IsCounterParty(a eventlog.Actor) bool {
	if s.Requester == nil || a.ID == s.Requester.ID {
		return false
	}
	return s.To == "" || s.To == a.ID || s.To == a.Role
}

// IsParticipant reports whether a may end the session.
func (s *State) IsParticipant(a eventlog.Actor) bool {
	if s.Requester != nil && a.ID == s.Requester.ID {
		return true
	}
	if s.Accepter != nil {
		return a.ID == s.Accepter.ID
	}
	return s.IsCounterParty(a)
}
