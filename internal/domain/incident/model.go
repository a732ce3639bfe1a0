package incident

import (
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/assignment"
	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	KindReport  = "report"
	KindCheckIn = "check_in"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Check-in statuses a civilian can submit.
const (
	CheckInNeedHelp     = "need_help"
	CheckInCantEvacuate = "cant_evacuate"
	CheckInSafe         = "safe"
)

var validPriorities = map[string]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityCritical: true,
}

var validCheckIns = map[string]bool{
	CheckInNeedHelp: true, CheckInCantEvacuate: true, CheckInSafe: true,
}

type Location struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Incident holds the fields fixed at creation. Status lives in the log.
type Incident struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Kind              string    `db:"kind" json:"kind"`
	Priority          string    `db:"priority" json:"priority"`
	Location          *Location `db:"-" json:"location,omitempty"`
	CulturalProtocols bool      `db:"cultural_protocols" json:"culturalProtocols"`
	ReportedBy        string    `db:"reported_by" json:"reportedBy"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// StatusState folds status events. Status only moves forward and closed is
// terminal; a stream with no status event is reported.
type StatusState struct {
	Status    string     `json:"status"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Note      string     `json:"note,omitempty"`
	Cursor    int64      `json:"cursor"`
}

var statusRank = map[string]int{
	eventlog.StatusReported:   0,
	eventlog.StatusDispatched: 1,
	eventlog.StatusInProgress: 2,
	eventlog.StatusResolved:   3,
	eventlog.StatusClosed:     4,
}

func NewStatusState() *StatusState {
	return &StatusState{Status: eventlog.StatusReported}
}

func (s *StatusState) Position() int64 { return s.Cursor }

func (s *StatusState) Apply(ev *eventlog.Event) {
	if ev.ID <= s.Cursor {
		return
	}
	s.Cursor = ev.ID
	if ev.Type != eventlog.TypeStatus {
		return
	}
	var p eventlog.StatusPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	next, ok := statusRank[p.Status]
	if !ok || s.Status == eventlog.StatusClosed {
		return
	}
	if next < statusRank[s.Status] {
		return
	}
	at := ev.At
	s.Status = p.Status
	s.Note = p.Note
	s.UpdatedAt = &at
}

// CanMoveTo reports whether status is a legal next status.
func (s *StatusState) CanMoveTo(status string) bool {
	next, ok := statusRank[status]
	return ok && s.Status != eventlog.StatusClosed && next >= statusRank[s.Status]
}

// CheckInState folds the check_in events of a check-in incident. The latest
// one wins, so a civilian can update "need_help" to "safe".
type CheckInState struct {
	Status     string    `json:"status"`
	Location   *Location `json:"location,omitempty"`
	Note       string    `json:"note,omitempty"`
	Dependents int       `json:"dependents"`
	By         string    `json:"by,omitempty"`
	Cursor     int64     `json:"cursor"`
}

func (s *CheckInState) Position() int64 { return s.Cursor }

func (s *CheckInState) Apply(ev *eventlog.Event) {
	if ev.ID <= s.Cursor {
		return
	}
	s.Cursor = ev.ID
	if ev.Type != eventlog.TypeCheckIn {
		return
	}
	var p eventlog.CheckInPayload
	if err := ev.Decode(&p); err != nil {
		return
	}
	s.Status = p.Status
	s.Note = p.Note
	s.Dependents = p.Dependents
	s.By = ev.From.ID
	if p.Location != nil {
		s.Location = &Location{Lat: p.Location.Lat, Lng: p.Location.Lng, Accuracy: p.Location.Accuracy}
	}
}

// View is an incident with its derived state.
type View struct {
	*Incident
	Status     string            `json:"status"`
	StatusAt   *time.Time        `json:"statusAt,omitempty"`
	Cursor     int64             `json:"cursor"`
	Assignment *assignment.State `json:"assignment"`
}

// CheckIn is a SafetyCheckIn: the civilian's latest report plus the
// assignment of the responder handling it.
type CheckIn struct {
	IncidentID uuid.UUID         `json:"incidentId"`
	Status     string            `json:"status"`
	Location   *Location         `json:"location,omitempty"`
	Note       string            `json:"note,omitempty"`
	Dependents int               `json:"dependents"`
	By         string            `json:"by"`
	CreatedAt  time.Time         `json:"createdAt"`
	Assignment *assignment.State `json:"assignment"`
}

type ReportRequest struct {
	Priority          string    `json:"priority"`
	Location          *Location `json:"location,omitempty"`
	CulturalProtocols bool      `json:"culturalProtocols"`
	Note              string    `json:"note,omitempty"`
}

type CheckInRequest struct {
	// ID lets an agent pick the incident id up front so a retried
	// submission lands on the same incident.
	ID         uuid.UUID `json:"id,omitempty"`
	Status     string    `json:"status"`
	Location   *Location `json:"location,omitempty"`
	Note       string    `json:"note,omitempty"`
	Dependents int       `json:"dependents"`
}
