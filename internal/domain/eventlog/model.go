package eventlog

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Event types with a fixed payload shape. Anything else that matches
// typePattern is stored as-is and ignored by the folds.
const (
	TypeMessage           = "message"
	TypeLocation          = "location"
	TypeVitals            = "vitals"
	TypeStatus            = "status"
	Type911Call           = "911_call"
	TypeAEDDeployed       = "aed_deployed"
	TypeConsent           = "consent"
	TypeElderOverride     = "elder_override"
	TypeAVRequest         = "av_request"
	TypeAVAccept          = "av_accept"
	TypeAVEnd             = "av_end"
	TypeCheckIn           = "check_in"
	TypeAssignment        = "assignment"
	TypeAssignmentRelease = "assignment_release"
	TypeRecordAccess      = "record_access"
	TypeOverrideNotice    = "override_notice"
)

var typePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Actor identifies who appended an event.
type Actor struct {
	Role string `json:"role"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is one immutable entry in an incident's log. ID is assigned by the
// store and strictly increases within an incident; At is the server clock.
type Event struct {
	ID         int64           `db:"seq" json:"id"`
	IncidentID uuid.UUID       `db:"incident_id" json:"incidentId"`
	Type       string          `db:"type" json:"type"`
	From       Actor           `db:"-" json:"from"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	At         time.Time       `db:"at" json:"at"`
	ClientAt   *time.Time      `db:"client_at" json:"clientAt,omitempty"`
	ClientKey  string          `db:"client_key" json:"clientKey,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// AppendRequest is what a caller asks the log to record. ClientKey, when
// set, makes the append idempotent: a retry with the same key returns the
// event stored the first time.
type AppendRequest struct {
	IncidentID uuid.UUID       `json:"-"`
	Type       string          `json:"type"`
	From       Actor           `json:"from"`
	Payload    json.RawMessage `json:"payload"`
	ClientAt   *time.Time      `json:"clientAt,omitempty"`
	ClientKey  string          `json:"clientKey,omitempty"`

	// closes is set by the service when the event moves the incident to
	// its terminal status.
	closes bool
}

// Closes reports whether storing this request closes the incident.
func (r *AppendRequest) Closes() bool { return r.closes }

// Batch is the answer to a cursor read: events with id > since in id order,
// and the cursor to send next time.
type Batch struct {
	Events []*Event `json:"events"`
	Now    int64    `json:"now"`
	More   bool     `json:"more,omitempty"`
}

// Filter returns the events whose type is in types, preserving order.
func Filter(events []*Event, types ...string) []*Event {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}
