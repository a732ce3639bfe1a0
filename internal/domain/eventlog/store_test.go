package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func openStream(t *testing.T, s Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := s.Open(context.Background(), id); err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

func rawAppend(t *testing.T, s Store, id uuid.UUID, typ, key string) *Event {
	t.Helper()
	ev, _, err := s.Append(context.Background(), &AppendRequest{
		IncidentID: id,
		Type:       typ,
		From:       Actor{Role: "civilian", ID: "civ-1"},
		Payload:    json.RawMessage(`{"text":"hi"}`),
		ClientKey:  key,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func TestMemoryStore_IdsIncreasePerIncident(t *testing.T) {
	s := NewMemoryStore()
	a := openStream(t, s)
	b := openStream(t, s)

	for i := int64(1); i <= 3; i++ {
		if ev := rawAppend(t, s, a, TypeMessage, ""); ev.ID != i {
			t.Fatalf("expected id %d on incident a, got %d", i, ev.ID)
		}
	}
	if ev := rawAppend(t, s, b, TypeMessage, ""); ev.ID != 1 {
		t.Fatalf("expected id 1 on incident b, got %d", ev.ID)
	}
}

func TestMemoryStore_ReadCursor(t *testing.T) {
	s := NewMemoryStore()
	id := openStream(t, s)
	for i := 0; i < 5; i++ {
		rawAppend(t, s, id, TypeMessage, "")
	}
	ctx := context.Background()

	batch, err := s.Read(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch.Events) != 5 || batch.Now != 5 || batch.More {
		t.Fatalf("expected 5 events and cursor 5, got %d events, now=%d more=%v", len(batch.Events), batch.Now, batch.More)
	}

	batch, _ = s.Read(ctx, id, 2, 2)
	if len(batch.Events) != 2 || batch.Events[0].ID != 3 || batch.Now != 4 || !batch.More {
		t.Fatalf("unexpected paged read: %+v", batch)
	}

	batch, _ = s.Read(ctx, id, 5, 0)
	if len(batch.Events) != 0 || batch.Now != 5 {
		t.Fatalf("expected empty batch at head, got %+v", batch)
	}

	// repeat reads are idempotent
	again, _ := s.Read(ctx, id, 2, 2)
	if again.Events[0].ID != 3 || again.Now != 4 {
		t.Fatalf("repeat read differed: %+v", again)
	}

	// a cursor from the future is pulled back so the next append is seen
	batch, _ = s.Read(ctx, id, 42, 0)
	if len(batch.Events) != 0 || batch.Now != 5 {
		t.Fatalf("expected cursor clamped to head 5, got %+v", batch)
	}
	rawAppend(t, s, id, TypeMessage, "")
	batch, _ = s.Read(ctx, id, batch.Now, 0)
	if len(batch.Events) != 1 || batch.Events[0].ID != 6 {
		t.Fatalf("expected event 6 after the clamped cursor, got %+v", batch)
	}
}

func TestMemoryStore_UnknownIncident(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.Append(ctx, &AppendRequest{IncidentID: uuid.New(), Type: TypeMessage})
	if !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound on append, got %v", err)
	}
	if _, err := s.Read(ctx, uuid.New(), 0, 0); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound on read, got %v", err)
	}
	if _, err := s.Head(ctx, uuid.New()); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("expected ErrIncidentNotFound on head, got %v", err)
	}
}

func TestMemoryStore_OpenTwice(t *testing.T) {
	s := NewMemoryStore()
	id := openStream(t, s)
	if err := s.Open(context.Background(), id); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestMemoryStore_ClientKeyIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	id := openStream(t, s)

	first := rawAppend(t, s, id, TypeMessage, "k-1")
	ev, replayed, err := s.Append(context.Background(), &AppendRequest{
		IncidentID: id, Type: TypeMessage, From: Actor{Role: "civilian", ID: "civ-1"},
		Payload: json.RawMessage(`{"text":"retry"}`), ClientKey: "k-1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !replayed || ev.ID != first.ID {
		t.Fatalf("expected replay of event %d, got id=%d replayed=%v", first.ID, ev.ID, replayed)
	}
	if head, _ := s.Head(context.Background(), id); head != 1 {
		t.Fatalf("expected head 1, got %d", head)
	}
}

func TestMemoryStore_ClosedRejectsAppends(t *testing.T) {
	s := NewMemoryStore()
	id := openStream(t, s)
	ctx := context.Background()

	req := &AppendRequest{IncidentID: id, Type: TypeStatus, From: Actor{Role: "dispatcher", ID: "d"},
		Payload: json.RawMessage(`{"status":"closed"}`), ClientKey: "close-1"}
	req.closes = true
	if _, _, err := s.Append(ctx, req); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, _, err := s.Append(ctx, &AppendRequest{IncidentID: id, Type: TypeMessage, Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrIncidentClosed) {
		t.Fatalf("expected ErrIncidentClosed, got %v", err)
	}

	// a retried close is still answered from the key
	if _, replayed, err := s.Append(ctx, req); err != nil || !replayed {
		t.Fatalf("expected replay after close, got replayed=%v err=%v", replayed, err)
	}
}

func TestMemoryStore_ConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	s := NewMemoryStore()
	id := openStream(t, s)

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, _, _ = s.Append(context.Background(), &AppendRequest{
					IncidentID: id, Type: TypeMessage, Payload: json.RawMessage(`{"text":"x"}`),
				})
			}
		}()
	}
	wg.Wait()

	batch, err := s.Read(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch.Events) != writers*each {
		t.Fatalf("expected %d events, got %d", writers*each, len(batch.Events))
	}
	for i, ev := range batch.Events {
		if ev.ID != int64(i+1) {
			t.Fatalf("gap or reorder at position %d: id %d", i, ev.ID)
		}
	}
}
