package avsession

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

var (
	responderA = eventlog.Actor{Role: "responder", ID: "resp-a"}
	civilianC  = eventlog.Actor{Role: "civilian", ID: "civ-c"}
	bystander  = eventlog.Actor{Role: "civilian", ID: "civ-x"}
)

func ev(id int64, typ string, from eventlog.Actor, payload string) *eventlog.Event {
	return &eventlog.Event{
		ID: id, Type: typ, From: from, Payload: json.RawMessage(payload),
		At: time.Date(2025, 6, 1, 12, 0, int(id), 0, time.UTC),
	}
}

func TestFold_RequestAcceptEnd(t *testing.T) {
	events := []*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, responderA, `{"to":"civ-c","media":"video"}`),
	}
	st := Fold(events)
	if st.Phase != PhaseRequested || st.RequestID != 1 || st.Media != "video" {
		t.Fatalf("expected requested, got %+v", st)
	}

	st.Apply(ev(2, eventlog.TypeAVAccept, civilianC, `{"requestId":1}`))
	if st.Phase != PhaseConnected || st.Accepter.ID != "civ-c" {
		t.Fatalf("expected connected, got %+v", st)
	}

	st.Apply(ev(3, eventlog.TypeAVEnd, civilianC, `{}`))
	if st.Phase != PhaseEnded || st.EndedBy.ID != "civ-c" {
		t.Fatalf("expected ended by civilian, got %+v", st)
	}
}

func TestFold_AcceptMustComeFromCounterParty(t *testing.T) {
	st := Fold([]*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, responderA, `{"to":"civ-c"}`),
		ev(2, eventlog.TypeAVAccept, responderA, `{}`),
		ev(3, eventlog.TypeAVAccept, bystander, `{}`),
		ev(4, eventlog.TypeAVAccept, civilianC, `{"requestId":99}`),
	})
	if st.Phase != PhaseRequested {
		t.Fatalf("expected still requested, got %s", st.Phase)
	}
}

func TestFold_AddressedByRole(t *testing.T) {
	st := Fold([]*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, civilianC, `{"to":"responder"}`),
		ev(2, eventlog.TypeAVAccept, responderA, `{}`),
	})
	if st.Phase != PhaseConnected {
		t.Fatalf("expected a responder to be able to accept, got %s", st.Phase)
	}
}

func TestFold_DeclineReturnsToIdle(t *testing.T) {
	st := Fold([]*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, responderA, `{}`),
		ev(2, eventlog.TypeAVEnd, civilianC, `{"reason":"declined"}`),
	})
	if st.Phase != PhaseIdle || st.Requester != nil {
		t.Fatalf("expected idle, got %+v", st)
	}

	// a later request starts a fresh session
	st.Apply(ev(3, eventlog.TypeAVRequest, responderA, `{}`))
	if st.Phase != PhaseRequested || st.RequestID != 3 {
		t.Fatalf("expected new request 3, got %+v", st)
	}
}

func TestFold_EndWithoutDeclineEndsSession(t *testing.T) {
	st := Fold([]*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, responderA, `{}`),
		ev(2, eventlog.TypeAVEnd, responderA, `{"reason":"cancelled"}`),
	})
	if st.Phase != PhaseEnded {
		t.Fatalf("expected ended, got %s", st.Phase)
	}
}

func TestFold_IgnoresOutsidersAndDuplicates(t *testing.T) {
	events := []*eventlog.Event{
		ev(1, eventlog.TypeAVRequest, responderA, `{"to":"civ-c"}`),
		ev(2, eventlog.TypeAVRequest, civilianC, `{}`),
		ev(3, eventlog.TypeAVAccept, civilianC, `{}`),
		ev(4, eventlog.TypeAVEnd, bystander, `{}`),
	}
	once := Fold(events)
	if once.Phase != PhaseConnected || once.RequestID != 1 {
		t.Fatalf("expected connected on request 1, got %+v", once)
	}

	twice := New()
	for _, e := range append(append([]*eventlog.Event{}, events...), events...) {
		twice.Apply(e)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("duplicate delivery changed the fold")
	}
}
