package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/projection"
)

func newTestService(t *testing.T) (*Service, *eventlog.Service, uuid.UUID) {
	t.Helper()
	log := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.MustValidator(), zerolog.New(io.Discard))
	log.Use(Policy())
	id := uuid.New()
	if err := log.Open(context.Background(), id); err != nil {
		t.Fatalf("open: %v", err)
	}
	return NewService(log, projection.NewMemoryCache(), zerolog.New(io.Discard)), log, id
}

func responder(id string) eventlog.Actor {
	return eventlog.Actor{Role: "responder", ID: id, Name: "Responder " + id}
}

func TestService_CheckInScenario(t *testing.T) {
	svc, log, id := newTestService(t)
	ctx := context.Background()

	_, err := log.Append(ctx, &eventlog.AppendRequest{IncidentID: id, Type: eventlog.TypeCheckIn,
		From: eventlog.Actor{Role: "civilian", ID: "civ"}, Payload: json.RawMessage(`{"status":"need_help"}`)})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	st, err := svc.Transition(ctx, id, "claim", responder("A"))
	if err != nil || st.State != Claimed || st.ResponderID != "A" {
		t.Fatalf("A claim: %+v %v", st, err)
	}

	st, err = svc.Transition(ctx, id, "claim", responder("B"))
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected B to be told it is already assigned, got %v", err)
	}
	if st.ResponderID != "A" {
		t.Fatalf("expected A to keep the assignment, got %s", st.ResponderID)
	}

	for _, action := range []string{"en_route", "arrived", "complete"} {
		if st, err = svc.Transition(ctx, id, action, responder("A")); err != nil {
			t.Fatalf("%s: %v", action, err)
		}
	}
	if st.State != Completed {
		t.Fatalf("expected completed, got %s", st.State)
	}
	if _, err := svc.Transition(ctx, id, "release", responder("A")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected completed to be final, got %v", err)
	}
}

func TestService_ReclaimIsNoop(t *testing.T) {
	svc, log, id := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Transition(ctx, id, "claim", responder("A")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := svc.Transition(ctx, id, "claim", responder("A")); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if head, _ := log.Head(ctx, id); head != 1 {
		t.Fatalf("expected one assignment event, head=%d", head)
	}
}

func TestService_LateBufferedClaimLoses(t *testing.T) {
	svc, log, id := newTestService(t)
	ctx := context.Background()

	// B's claim was buffered offline and reaches the log after A's.
	if _, err := svc.Transition(ctx, id, "claim", responder("A")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	payload, _ := json.Marshal(eventlog.AssignmentPayload{ResponderID: "B", State: Claimed})
	if _, err := log.Append(ctx, &eventlog.AppendRequest{IncidentID: id, Type: eventlog.TypeAssignment,
		From: responder("B"), Payload: payload}); err != nil {
		t.Fatalf("late claim should be stored: %v", err)
	}

	st, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.ResponderID != "A" || len(st.Conflicts) != 1 {
		t.Fatalf("expected A to hold with one conflict, got %+v", st)
	}
}

func TestService_ErrorsAndRelease(t *testing.T) {
	svc, _, id := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Transition(ctx, id, "teleport", responder("A")); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := svc.Transition(ctx, id, "arrived", responder("A")); !errors.Is(err, ErrNotAssignee) {
		t.Fatalf("expected ErrNotAssignee before claim, got %v", err)
	}
	if _, err := svc.Transition(ctx, uuid.New(), "claim", responder("A")); !errors.Is(err, eventlog.ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound, got %v", err)
	}

	_, _ = svc.Transition(ctx, id, "claim", responder("A"))
	st, err := svc.Transition(ctx, id, "release", responder("A"))
	if err != nil || st.State != Unassigned {
		t.Fatalf("release: %+v %v", st, err)
	}
	st, err = svc.Transition(ctx, id, "claim", responder("B"))
	if err != nil || st.ResponderID != "B" {
		t.Fatalf("B claim after release: %+v %v", st, err)
	}
}

func TestPolicy_ForbidsActingForOthers(t *testing.T) {
	_, log, id := newTestService(t)
	ctx := context.Background()
	payload, _ := json.Marshal(eventlog.AssignmentPayload{ResponderID: "A", State: Claimed})

	_, err := log.Append(ctx, &eventlog.AppendRequest{IncidentID: id, Type: eventlog.TypeAssignment,
		From: responder("B"), Payload: payload})
	if !errors.Is(err, eventlog.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	_, err = log.Append(ctx, &eventlog.AppendRequest{IncidentID: id, Type: eventlog.TypeAssignment,
		From: eventlog.Actor{Role: "dispatcher", ID: "D"}, Payload: payload})
	if err != nil {
		t.Fatalf("dispatcher should be able to assign: %v", err)
	}
}
