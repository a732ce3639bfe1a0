package consent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func event(id int64, eventType string, from eventlog.Actor, payload interface{}) *eventlog.Event {
	data, _ := json.Marshal(payload)
	return &eventlog.Event{
		ID:         id,
		IncidentID: uuid.Nil,
		Type:       eventType,
		From:       from,
		Payload:    data,
		At:         testNow.Add(time.Duration(id) * time.Minute),
	}
}

var (
	subject   = eventlog.Actor{Role: "civilian", ID: "civ-1"}
	physician = eventlog.Actor{Role: "physician", ID: "doc-1"}
)

func TestState_LatestConsentWins(t *testing.T) {
	st := Fold([]*eventlog.Event{
		event(1, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusGranted, Fields: []string{"allergies"}}),
		event(2, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusDenied}),
	})
	rec := st.Lookup("r1", testNow)
	if rec.Status != StatusDenied || rec.ConsentEventID != 2 {
		t.Fatalf("expected denied from event 2, got %+v", rec)
	}
	if len(rec.Fields) != 0 {
		t.Fatalf("denied consent should carry no fields, got %v", rec.Fields)
	}
}

func TestState_OverrideIsSticky(t *testing.T) {
	st := Fold([]*eventlog.Event{
		event(1, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusDenied}),
		event(2, eventlog.TypeElderOverride, physician, eventlog.OverridePayload{RecordID: "r1", Justification: "unconscious"}),
		event(3, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusDenied}),
		event(4, eventlog.TypeElderOverride, physician, eventlog.OverridePayload{RecordID: "r1", Justification: "second"}),
	})
	rec := st.Lookup("r1", testNow)
	if rec.Status != StatusOverride {
		t.Fatalf("expected override to stick, got %s", rec.Status)
	}
	if rec.Override == nil || rec.Override.EventID != 2 || rec.Override.Justification != "unconscious" {
		t.Fatalf("expected the first override to be kept, got %+v", rec.Override)
	}
	if rec.Consent != StatusDenied {
		t.Fatalf("expected the voluntary decision to be kept for audit, got %q", rec.Consent)
	}
}

func TestState_GrantExpires(t *testing.T) {
	exp := testNow.Add(time.Hour)
	st := Fold([]*eventlog.Event{
		event(1, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusGranted, ExpiresAt: &exp}),
	})
	if got := st.Lookup("r1", testNow).Status; got != StatusGranted {
		t.Fatalf("expected granted before expiry, got %s", got)
	}
	if got := st.Lookup("r1", exp).Status; got != StatusExpired {
		t.Fatalf("expected expired at expiry, got %s", got)
	}
	// Lookup returns a copy; the fold itself is untouched.
	if st.Records["r1"].Status != StatusGranted {
		t.Fatal("lookup must not mutate the fold")
	}
}

func TestState_UnknownRecordAndReplay(t *testing.T) {
	events := []*eventlog.Event{
		event(1, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusGranted}),
		event(2, eventlog.TypeMessage, subject, eventlog.MessagePayload{Text: "hi"}),
	}
	st := Fold(events)
	if got := st.Lookup("missing", testNow).Status; got != StatusNone {
		t.Fatalf("expected none for unknown record, got %s", got)
	}
	for _, ev := range events {
		st.Apply(ev)
	}
	if st.Position() != 2 || st.Records["r1"].ConsentEventID != 1 {
		t.Fatalf("replay changed state: %+v", st.Records["r1"])
	}
}

func TestAuditTrail(t *testing.T) {
	events := []*eventlog.Event{
		event(1, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r1", Status: StatusDenied}),
		event(2, eventlog.TypeMessage, subject, eventlog.MessagePayload{Text: "help"}),
		event(3, eventlog.TypeElderOverride, physician, eventlog.OverridePayload{RecordID: "r1", Justification: "unconscious"}),
		event(4, eventlog.TypeRecordAccess, physician, eventlog.RecordAccessPayload{RecordID: "r1", Outcome: OutcomeOverride, Justification: "unconscious", BasisEventID: 3}),
		event(5, eventlog.TypeOverrideNotice, physician, eventlog.OverrideNoticePayload{RecordID: "r1", OverrideEventID: 3, Obligation: NoticeObligation}),
		event(6, eventlog.TypeConsent, subject, eventlog.ConsentPayload{RecordID: "r2", Status: StatusGranted}),
	}

	all := AuditTrail(events, "")
	if len(all) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(all))
	}
	trail := AuditTrail(events, "r1")
	want := []string{"consent_denied", "override_activated", "access_override", "notification_required"}
	if len(trail) != len(want) {
		t.Fatalf("expected %d entries for r1, got %d", len(want), len(trail))
	}
	for i, action := range want {
		if trail[i].Action != action {
			t.Errorf("entry %d: expected %s, got %s", i, action, trail[i].Action)
		}
	}
	if trail[2].Justification != "unconscious" || trail[2].BasisEventID != 3 || trail[2].ActorRole != "physician" {
		t.Errorf("unexpected access entry %+v", trail[2])
	}
	if trail[3].Note != NoticeObligation {
		t.Errorf("expected notice obligation, got %q", trail[3].Note)
	}
}
