// Package timeline renders an incident's log for people: a readable
// timeline and a downloadable transcript. It keeps no state of its own.
package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

const timeLayout = "2006-01-02 15:04:05Z07:00"

// Line is one rendered event.
type Line struct {
	EventID   int64     `json:"eventId"`
	At        time.Time `json:"at"`
	Type      string    `json:"type"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	// Sensitive marks consent, override and audit entries.
	Sensitive bool `json:"sensitive,omitempty"`
}

func (l Line) String() string {
	return fmt.Sprintf("[%s] #%d %s: %s", l.At.UTC().Format(timeLayout), l.EventID, l.Actor, l.Text)
}

func actorLabel(a eventlog.Actor) string {
	if a.Name != "" {
		return fmt.Sprintf("%s (%s)", a.Name, a.Role)
	}
	return fmt.Sprintf("%s (%s)", a.ID, a.Role)
}

// Build renders events in log order.
func Build(events []*eventlog.Event) []Line {
	lines := make([]Line, 0, len(events))
	for _, ev := range events {
		lines = append(lines, Render(ev))
	}
	return lines
}

// Render turns one event into a line. Payloads that do not decode are shown
// raw rather than dropped.
func Render(ev *eventlog.Event) Line {
	l := Line{
		EventID:   ev.ID,
		At:        ev.At,
		Type:      ev.Type,
		ActorID:   ev.From.ID,
		ActorRole: ev.From.Role,
		Actor:     actorLabel(ev.From),
	}
	text, sensitive, err := describe(ev)
	if err != nil {
		text = fmt.Sprintf("%s %s", ev.Type, compact(ev.Payload))
	}
	l.Text, l.Sensitive = text, sensitive
	return l
}

func describe(ev *eventlog.Event) (string, bool, error) {
	switch ev.Type {
	case eventlog.TypeMessage:
		var p eventlog.MessagePayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("said %q", p.Text), false, nil

	case eventlog.TypeLocation:
		var p eventlog.LocationPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return "location " + formatLocation(p), false, nil

	case eventlog.TypeVitals:
		var p map[string]interface{}
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return "vitals " + formatFields(p), false, nil

	case eventlog.TypeStatus:
		var p eventlog.StatusPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return withNote("status set to "+p.Status, p.Note), false, nil

	case eventlog.Type911Call:
		return "called 911", false, nil

	case eventlog.TypeAEDDeployed:
		return "deployed an AED", false, nil

	case eventlog.TypeCheckIn:
		var p eventlog.CheckInPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		text := "checked in as " + p.Status
		if p.Dependents > 0 {
			text += fmt.Sprintf(" with %d dependents", p.Dependents)
		}
		if p.Location != nil {
			text += " at " + formatLocation(*p.Location)
		}
		return withNote(text, p.Note), false, nil

	case eventlog.TypeAssignment:
		var p eventlog.AssignmentPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		who := p.ResponderName
		if who == "" {
			who = p.ResponderID
		}
		return fmt.Sprintf("assignment %s by %s", p.State, who), false, nil

	case eventlog.TypeAssignmentRelease:
		var p eventlog.AssignmentReleasePayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return withNote("released assignment held by "+p.ResponderID, p.Reason), false, nil

	case eventlog.TypeAVRequest:
		var p eventlog.AVRequestPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		text := "requested a " + orDefault(p.Media, "video") + " call"
		if p.To != "" {
			text += " with " + p.To
		}
		return text, false, nil

	case eventlog.TypeAVAccept:
		return "accepted the call", false, nil

	case eventlog.TypeAVEnd:
		var p eventlog.AVEndPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return withNote("ended the call", p.Reason), false, nil

	case eventlog.TypeConsent:
		var p eventlog.ConsentPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		text := fmt.Sprintf("consent %s for record %s", p.Status, p.RecordID)
		if len(p.Fields) > 0 {
			text += " (fields: " + strings.Join(p.Fields, ", ") + ")"
		}
		if p.ExpiresAt != nil {
			text += " until " + p.ExpiresAt.UTC().Format(timeLayout)
		}
		return text, true, nil

	case eventlog.TypeElderOverride:
		var p eventlog.OverridePayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		return fmt.Sprintf("EMERGENCY OVERRIDE of record %s, justification %q", p.RecordID, p.Justification), true, nil

	case eventlog.TypeRecordAccess:
		var p eventlog.RecordAccessPayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		text := fmt.Sprintf("record %s access %s", p.RecordID, p.Outcome)
		if p.Justification != "" {
			text += fmt.Sprintf(", justification %q", p.Justification)
		}
		if p.BasisEventID > 0 {
			text += fmt.Sprintf(" (basis #%d)", p.BasisEventID)
		}
		return text, true, nil

	case eventlog.TypeOverrideNotice:
		var p eventlog.OverrideNoticePayload
		if err := ev.Decode(&p); err != nil {
			return "", false, err
		}
		who := orDefault(p.SubjectID, "record subject")
		return fmt.Sprintf("notification owed to %s for override #%d: %s", who, p.OverrideEventID, p.Obligation), true, nil
	}
	return fmt.Sprintf("%s %s", ev.Type, compact(ev.Payload)), false, nil
}

func formatLocation(p eventlog.LocationPayload) string {
	s := fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
	if p.Accuracy != nil {
		s += fmt.Sprintf(" ±%.0fm", *p.Accuracy)
	}
	return s
}

func formatFields(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func withNote(text, note string) string {
	if note == "" {
		return text
	}
	return text + " (" + note + ")"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// WriteText writes the plain-text transcript.
func WriteText(w io.Writer, incidentID uuid.UUID, lines []Line, generated time.Time) error {
	if _, err := fmt.Fprintf(w, "Incident %s\nGenerated %s\n%d events\n\n",
		incidentID, generated.UTC().Format(timeLayout), len(lines)); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteNDJSON writes one raw event per line, the form auditors load into
// other tools.
func WriteNDJSON(w io.Writer, events []*eventlog.Event) error {
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
