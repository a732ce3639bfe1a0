// Package consent gates access to sensitive records. Every decision is an
// event in the incident log, and the audit trail is a filtered view of it.
package consent

import (
	"errors"
	"time"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const (
	StatusNone     = "none"
	StatusGranted  = "granted"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
	StatusOverride = "override"
)

// Outcomes recorded on record_access events.
const (
	OutcomeGranted  = "granted"
	OutcomeDenied   = "denied"
	OutcomeOverride = "override"
)

// NoticeObligation is recorded with every override so the operator follows
// up with the person whose record was opened.
const NoticeObligation = "notify the record subject of emergency access once the incident is over"

var (
	ErrOverrideNotPermitted = errors.New("override requires an elevated role")
	ErrJustificationMissing = errors.New("override requires a justification")
	ErrRecordNotFound       = errors.New("record not found")
)

// Override is the emergency access that pinned a record.
type Override struct {
	EventID       int64          `json:"eventId"`
	By            eventlog.Actor `json:"by"`
	Justification string         `json:"justification"`
	At            time.Time      `json:"at"`
}

// Record is the derived consent state of one sensitive record.
type Record struct {
	RecordID  string     `json:"recordId"`
	SubjectID string     `json:"subjectId,omitempty"`
	Status    string     `json:"status"`
	Fields    []string   `json:"fields,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	// ConsentEventID is the consent event the status is based on.
	ConsentEventID int64 `json:"consentEventId,omitempty"`
	// Consent is the latest voluntary decision, kept even after an
	// override so auditors can see both.
	Consent  string    `json:"consent,omitempty"`
	Override *Override `json:"override,omitempty"`
}

// State folds consent and elder_override events per record.
type State struct {
	Records map[string]*Record `json:"records"`
	Cursor  int64              `json:"cursor"`
}

func New() *State {
	return &State{Records: map[string]*Record{}}
}

func Fold(events []*eventlog.Event) *State {
	s := New()
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}

func (s *State) Position() int64 { return s.Cursor }

func (s *State) record(id string) *Record {
	if s.Records == nil {
		s.Records = map[string]*Record{}
	}
	r, ok := s.Records[id]
	if !ok {
		r = &Record{RecordID: id, Status: StatusNone}
		s.Records[id] = r
	}
	return r
}

// Apply folds one event. The latest consent decision replaces the previous
// one, except that an override, once recorded, stays the record's status.
func (s *State) Apply(ev *eventlog.Event) {
	if ev.ID <= s.Cursor {
		return
	}
	s.Cursor = ev.ID
	at := ev.At

	switch ev.Type {
	case eventlog.TypeConsent:
		var p eventlog.ConsentPayload
		if err := ev.Decode(&p); err != nil || p.RecordID == "" {
			return
		}
		r := s.record(p.RecordID)
		if p.SubjectID != "" {
			r.SubjectID = p.SubjectID
		}
		r.Consent = p.Status
		r.UpdatedAt = &at
		if r.Status == StatusOverride {
			return
		}
		r.Status = p.Status
		r.Fields = p.Fields
		r.ExpiresAt = p.ExpiresAt
		r.ConsentEventID = ev.ID
	case eventlog.TypeElderOverride:
		var p eventlog.OverridePayload
		if err := ev.Decode(&p); err != nil || p.RecordID == "" {
			return
		}
		r := s.record(p.RecordID)
		r.UpdatedAt = &at
		if r.Override != nil {
			return
		}
		r.Status = StatusOverride
		r.Fields = nil
		r.ExpiresAt = nil
		r.Override = &Override{EventID: ev.ID, By: ev.From, Justification: p.Justification, At: ev.At}
	}
}

// Lookup returns a copy of the record's state as of now. A grant past its
// expiry reads as expired.
func (s *State) Lookup(recordID string, now time.Time) Record {
	r, ok := s.Records[recordID]
	if !ok {
		return Record{RecordID: recordID, Status: StatusNone}
	}
	out := *r
	if out.Status == StatusGranted && out.ExpiresAt != nil && !now.Before(*out.ExpiresAt) {
		out.Status = StatusExpired
	}
	return out
}

// AuditEntry is one sensitive action read back from the log.
type AuditEntry struct {
	EventID       int64     `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	ActorID       string    `json:"actorId"`
	ActorRole     string    `json:"actorRole"`
	Action        string    `json:"action"`
	RecordID      string    `json:"recordId"`
	Justification string    `json:"justification,omitempty"`
	BasisEventID  int64     `json:"basisEventId,omitempty"`
	Note          string    `json:"note,omitempty"`
}

// AuditTypes are the event types that make up the compliance trail.
var AuditTypes = []string{
	eventlog.TypeConsent,
	eventlog.TypeElderOverride,
	eventlog.TypeRecordAccess,
	eventlog.TypeOverrideNotice,
}

// AuditTrail filters the log down to sensitive actions. recordID narrows it
// to one record when set.
func AuditTrail(events []*eventlog.Event, recordID string) []AuditEntry {
	var out []AuditEntry
	for _, ev := range eventlog.Filter(events, AuditTypes...) {
		entry := AuditEntry{EventID: ev.ID, Timestamp: ev.At, ActorID: ev.From.ID, ActorRole: ev.From.Role}
		switch ev.Type {
		case eventlog.TypeConsent:
			var p eventlog.ConsentPayload
			_ = ev.Decode(&p)
			entry.Action, entry.RecordID = "consent_"+p.Status, p.RecordID
		case eventlog.TypeElderOverride:
			var p eventlog.OverridePayload
			_ = ev.Decode(&p)
			entry.Action, entry.RecordID, entry.Justification = "override_activated", p.RecordID, p.Justification
		case eventlog.TypeRecordAccess:
			var p eventlog.RecordAccessPayload
			_ = ev.Decode(&p)
			entry.Action, entry.RecordID = "access_"+p.Outcome, p.RecordID
			entry.Justification, entry.BasisEventID = p.Justification, p.BasisEventID
		case eventlog.TypeOverrideNotice:
			var p eventlog.OverrideNoticePayload
			_ = ev.Decode(&p)
			entry.Action, entry.RecordID, entry.BasisEventID = "notification_required", p.RecordID, p.OverrideEventID
			entry.Note = p.Obligation
		}
		if recordID != "" && entry.RecordID != recordID {
			continue
		}
		out = append(out, entry)
	}
	return out
}
