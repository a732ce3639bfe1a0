package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/platform/metrics"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	events []*Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev *Event) {
	n.events = append(n.events, ev)
}

func newTestService(t *testing.T) (*Service, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore().WithClock(func() time.Time { return testNow })
	svc := NewService(store, MustValidator(), zerolog.New(io.Discard))
	id := uuid.New()
	if err := svc.Open(context.Background(), id); err != nil {
		t.Fatalf("open: %v", err)
	}
	return svc, id
}

func civilian() Actor { return Actor{Role: "civilian", ID: "civ-1", Name: "Jo"} }

func TestService_AppendAssignsServerFields(t *testing.T) {
	svc, id := newTestService(t)
	clientAt := testNow.Add(-time.Hour)

	ev, err := svc.Append(context.Background(), &AppendRequest{
		IncidentID: id,
		Type:       TypeMessage,
		From:       civilian(),
		Payload:    json.RawMessage(`{"text":"smoke on level 2"}`),
		ClientAt:   &clientAt,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.ID != 1 {
		t.Errorf("expected id 1, got %d", ev.ID)
	}
	if !ev.At.Equal(testNow) {
		t.Errorf("expected server timestamp %v, got %v", testNow, ev.At)
	}
	if ev.ClientAt == nil || !ev.ClientAt.Equal(clientAt) {
		t.Errorf("expected client timestamp kept as advisory")
	}
}

func TestService_EmptyPayloadDefaultsToObject(t *testing.T) {
	svc, id := newTestService(t)
	ev, err := svc.Append(context.Background(), &AppendRequest{IncidentID: id, Type: TypeAVEnd, From: civilian()})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if string(ev.Payload) != `{}` {
		t.Errorf("expected {}, got %s", ev.Payload)
	}
}

func TestService_MalformedIsRejectedAndNotStored(t *testing.T) {
	svc, id := newTestService(t)
	m := metrics.New(nil)
	svc.SetMetrics(m)
	ctx := context.Background()

	_, err := svc.Append(ctx, &AppendRequest{
		IncidentID: id, Type: TypeLocation, From: civilian(),
		Payload: json.RawMessage(`{"lat":"north"}`),
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if head, _ := svc.Head(ctx, id); head != 0 {
		t.Fatalf("expected nothing stored, head=%d", head)
	}
	if got := testutil.ToFloat64(m.AppendsRejected.WithLabelValues("invalid")); got != 1 {
		t.Errorf("expected 1 invalid rejection, got %v", got)
	}
}

func TestService_RequiresActor(t *testing.T) {
	svc, id := newTestService(t)
	_, err := svc.Append(context.Background(), &AppendRequest{
		IncidentID: id, Type: TypeMessage, Payload: json.RawMessage(`{"text":"x"}`),
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error for missing actor, got %v", err)
	}
}

func TestService_UnknownTypeStored(t *testing.T) {
	svc, id := newTestService(t)
	m := metrics.New(nil)
	svc.SetMetrics(m)

	ev, err := svc.Append(context.Background(), &AppendRequest{
		IncidentID: id, Type: "drone_dispatched", From: civilian(),
		Payload: json.RawMessage(`{"droneId":"d-9"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Type != "drone_dispatched" {
		t.Errorf("expected type preserved, got %s", ev.Type)
	}
	if got := testutil.ToFloat64(m.EventsAppended.WithLabelValues("other")); got != 1 {
		t.Errorf("expected unknown types counted as other, got %v", got)
	}
}

func TestService_UnknownIncident(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Append(context.Background(), &AppendRequest{
		IncidentID: uuid.New(), Type: TypeMessage, From: civilian(),
		Payload: json.RawMessage(`{"text":"x"}`),
	})
	if !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound, got %v", err)
	}
}

func TestService_ClosingStatusClosesIncident(t *testing.T) {
	svc, id := newTestService(t)
	ctx := context.Background()
	dispatcher := Actor{Role: "dispatcher", ID: "d-1"}

	if _, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeStatus, From: dispatcher,
		Payload: json.RawMessage(`{"status":"resolved"}`)}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeMessage, From: civilian(),
		Payload: json.RawMessage(`{"text":"still open"}`)}); err != nil {
		t.Fatalf("resolved incidents still accept events: %v", err)
	}
	if _, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeStatus, From: dispatcher,
		Payload: json.RawMessage(`{"status":"closed"}`)}); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeMessage, From: civilian(),
		Payload: json.RawMessage(`{"text":"too late"}`)})
	if !errors.Is(err, ErrIncidentClosed) {
		t.Fatalf("expected ErrIncidentClosed, got %v", err)
	}
}

func TestService_Policies(t *testing.T) {
	svc, id := newTestService(t)
	svc.Use(RequireRoles(TypeElderOverride, "elder", "physician"))
	svc.Use(Reserved(TypeRecordAccess))
	ctx := context.Background()

	override := json.RawMessage(`{"recordId":"med-1","justification":"unconscious"}`)
	_, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeElderOverride, From: civilian(), Payload: override})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected civilian override to be forbidden, got %v", err)
	}
	_, err = svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeElderOverride,
		From: Actor{Role: "elder", ID: "e-1"}, Payload: override})
	if err != nil {
		t.Fatalf("elder override: %v", err)
	}

	access := json.RawMessage(`{"recordId":"med-1","outcome":"granted"}`)
	_, err = svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeRecordAccess, From: civilian(), Payload: access})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected reserved type to be forbidden, got %v", err)
	}
	_, err = svc.Append(WithSystem(ctx), &AppendRequest{IncidentID: id, Type: TypeRecordAccess, From: civilian(), Payload: access})
	if err != nil {
		t.Fatalf("system append of reserved type: %v", err)
	}
}

func TestService_ReactionsRunAfterTriggerAndNotifyInOrder(t *testing.T) {
	svc, id := newTestService(t)
	n := &recordingNotifier{}
	svc.AddNotifier(n)
	svc.Use(Reserved(TypeOverrideNotice))
	svc.React(TypeElderOverride, func(ctx context.Context, ev *Event, log Appender) error {
		if !IsSystem(ctx) {
			t.Error("reactions should run with the system flag")
		}
		_, err := log.Append(ctx, &AppendRequest{
			IncidentID: ev.IncidentID, Type: TypeOverrideNotice, From: ev.From,
			Payload: json.RawMessage(`{"recordId":"med-1","overrideEventId":1,"obligation":"notify"}`),
		})
		return err
	})

	ev, err := svc.Append(context.Background(), &AppendRequest{IncidentID: id, Type: TypeElderOverride,
		From: Actor{Role: "elder", ID: "e-1"}, Payload: json.RawMessage(`{"recordId":"med-1","justification":"x"}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.Type != TypeElderOverride || ev.ID != 1 {
		t.Fatalf("expected the trigger event back, got %+v", ev)
	}
	if len(n.events) != 2 || n.events[0].ID != 1 || n.events[1].Type != TypeOverrideNotice {
		t.Fatalf("expected trigger then reaction notified, got %d events", len(n.events))
	}
}

func TestService_FailedReactionRollsBackTrigger(t *testing.T) {
	svc, id := newTestService(t)
	n := &recordingNotifier{}
	svc.AddNotifier(n)
	fail := true
	svc.React(TypeElderOverride, func(ctx context.Context, ev *Event, log Appender) error {
		if _, err := log.Append(ctx, &AppendRequest{
			IncidentID: ev.IncidentID, Type: TypeOverrideNotice, From: ev.From,
			Payload: json.RawMessage(`{"recordId":"med-1","overrideEventId":1,"obligation":"notify"}`),
		}); err != nil {
			return err
		}
		if fail {
			return errors.New("audit store unavailable")
		}
		return nil
	})
	req := func() *AppendRequest {
		return &AppendRequest{IncidentID: id, Type: TypeElderOverride, From: Actor{Role: "elder", ID: "e-1"},
			Payload: json.RawMessage(`{"recordId":"med-1","justification":"x"}`), ClientKey: "override-1"}
	}

	if _, err := svc.Append(context.Background(), req()); err == nil {
		t.Fatal("expected the reaction failure to fail the append")
	}
	if head, _ := svc.Head(context.Background(), id); head != 0 {
		t.Fatalf("expected nothing stored after a failed reaction, head=%d", head)
	}
	if len(n.events) != 0 {
		t.Fatalf("expected no notifications, got %d", len(n.events))
	}

	fail = false
	ev, err := svc.Append(context.Background(), req())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ev.ID != 1 {
		t.Fatalf("expected the retry to take id 1, got %d", ev.ID)
	}
	events, _ := svc.ReadAll(context.Background(), id)
	if len(events) != 2 || len(Filter(events, TypeElderOverride)) != 1 {
		t.Fatalf("expected one override and its notice, got %d events", len(events))
	}
}

func TestMemoryStore_NestedTxJoinsOuter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.Open(ctx, id); err != nil {
			return err
		}
		return s.WithTx(ctx, func(ctx context.Context) error {
			rawAppend(t, s, id, TypeMessage, "")
			return errors.New("boom")
		})
	})
	if err == nil {
		t.Fatal("expected the inner error")
	}
	if _, err := s.Head(ctx, id); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected the opened stream to be rolled back, got %v", err)
	}
}

func TestService_ReplayDoesNotRerunReactionsOrNotify(t *testing.T) {
	svc, id := newTestService(t)
	n := &recordingNotifier{}
	svc.AddNotifier(n)
	runs := 0
	svc.React(TypeMessage, func(context.Context, *Event, Appender) error {
		runs++
		return nil
	})

	req := func() *AppendRequest {
		return &AppendRequest{IncidentID: id, Type: TypeMessage, From: civilian(),
			Payload: json.RawMessage(`{"text":"x"}`), ClientKey: "outbox-1"}
	}
	first, _ := svc.Append(context.Background(), req())
	second, err := svc.Append(context.Background(), req())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same event, got %d and %d", first.ID, second.ID)
	}
	if runs != 1 || len(n.events) != 1 {
		t.Fatalf("expected one reaction and one notification, got %d and %d", runs, len(n.events))
	}
}

func TestService_ReadAllPages(t *testing.T) {
	svc, id := newTestService(t)
	ctx := context.Background()
	total := MaxReadLimit + 5
	for i := 0; i < total; i++ {
		if _, err := svc.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeMessage, From: civilian(),
			Payload: json.RawMessage(`{"text":"x"}`)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	all, err := svc.ReadAll(ctx, id)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != total || all[total-1].ID != int64(total) {
		t.Fatalf("expected %d events, got %d", total, len(all))
	}

	svc.SetReadLimit(10)
	batch, _ := svc.Read(ctx, id, 0, 0)
	if len(batch.Events) != 10 || !batch.More {
		t.Fatalf("expected default page of 10, got %d", len(batch.Events))
	}
	batch, _ = svc.Read(ctx, id, 0, MaxReadLimit*5)
	if len(batch.Events) != MaxReadLimit {
		t.Fatalf("expected limit capped at %d, got %d", MaxReadLimit, len(batch.Events))
	}
}

func TestFilter(t *testing.T) {
	events := []*Event{{ID: 1, Type: TypeMessage}, {ID: 2, Type: TypeConsent}, {ID: 3, Type: TypeRecordAccess}}
	got := Filter(events, TypeConsent, TypeRecordAccess)
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("unexpected filter result %+v", got)
	}
}
