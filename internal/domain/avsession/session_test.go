package avsession

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

type fakeStream struct{ closed bool }

func (s *fakeStream) Close() error { s.closed = true; return nil }

type fakeMedia struct {
	mu     sync.Mutex
	fail   error
	opened []*fakeStream
	onOpen func()
}

func (m *fakeMedia) Acquire(_ context.Context, _ string) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onOpen != nil {
		m.onOpen()
	}
	if m.fail != nil {
		return nil, m.fail
	}
	s := &fakeStream{}
	m.opened = append(m.opened, s)
	return s, nil
}

func (m *fakeMedia) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.opened)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, *eventlog.AppendRequest) (*eventlog.Event, error) {
	return nil, errors.New("link down")
}

func newLog(t *testing.T) (*eventlog.Service, uuid.UUID) {
	t.Helper()
	log := eventlog.NewService(eventlog.NewMemoryStore(), eventlog.MustValidator(), zerolog.New(io.Discard))
	id := uuid.New()
	if err := log.Open(context.Background(), id); err != nil {
		t.Fatalf("open: %v", err)
	}
	return log, id
}

// poll feeds a session everything in the log, like the subscription loop.
func poll(t *testing.T, log *eventlog.Service, id uuid.UUID, s *Session) {
	t.Helper()
	events, err := log.ReadAll(context.Background(), id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s.Observe(context.Background(), events)
}

func TestSession_Scenario(t *testing.T) {
	log, id := newLog(t)
	ctx := context.Background()
	respMedia, civMedia := &fakeMedia{}, &fakeMedia{}
	resp := NewSession(id, responderA, log, respMedia)
	civ := NewSession(id, civilianC, log, civMedia)

	if err := resp.Request(ctx, "civ-c", "video"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Phase() != PhaseRequested || respMedia.count() != 0 {
		t.Fatalf("requester must not open media before accept")
	}

	poll(t, log, id, civ)
	if civ.Phase() != PhaseRequested || !civ.Incoming() {
		t.Fatalf("expected civilian to see the incoming request, phase=%s", civ.Phase())
	}

	if err := civ.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if civ.Phase() != PhaseConnected || civMedia.count() != 1 {
		t.Fatalf("expected civilian connected with media, phase=%s", civ.Phase())
	}

	poll(t, log, id, resp)
	if resp.Phase() != PhaseConnected || respMedia.count() != 1 {
		t.Fatalf("expected responder connected after poll, phase=%s", resp.Phase())
	}

	if err := civ.End(ctx, "hangup"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if civ.Phase() != PhaseEnded || !civMedia.opened[0].closed {
		t.Fatalf("expected civilian ended with media released")
	}

	poll(t, log, id, resp)
	if resp.Phase() != PhaseEnded || !respMedia.opened[0].closed {
		t.Fatalf("expected responder forced to ended, phase=%s", resp.Phase())
	}
}

func TestSession_MediaOnlyAfterConsentLogged(t *testing.T) {
	log, id := newLog(t)
	ctx := context.Background()
	resp := NewSession(id, responderA, log, &fakeMedia{})
	_ = resp.Request(ctx, "", "audio")

	media := &fakeMedia{}
	media.onOpen = func() {
		events, _ := log.ReadAll(ctx, id)
		if len(eventlog.Filter(events, eventlog.TypeAVAccept)) != 1 {
			t.Error("media acquired before av_accept was stored")
		}
	}
	civ := NewSession(id, civilianC, log, media)
	poll(t, log, id, civ)
	if err := civ.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if media.count() != 1 {
		t.Fatalf("expected media opened once")
	}
}

func TestSession_FailedConsentAppendAcquiresNothing(t *testing.T) {
	log, id := newLog(t)
	ctx := context.Background()
	_ = NewSession(id, responderA, log, &fakeMedia{}).Request(ctx, "", "video")

	media := &fakeMedia{}
	civ := NewSession(id, civilianC, failingAppender{}, media)
	poll(t, log, id, civ)
	if err := civ.Accept(ctx); err == nil {
		t.Fatal("expected accept to fail when the log is unreachable")
	}
	if media.count() != 0 || civ.Phase() != PhaseRequested {
		t.Fatalf("expected no media and still requested, phase=%s", civ.Phase())
	}
}

func TestSession_DeclineAndPermissionError(t *testing.T) {
	log, id := newLog(t)
	ctx := context.Background()
	resp := NewSession(id, responderA, log, &fakeMedia{})
	civMedia := &fakeMedia{fail: errors.New("camera permission denied")}
	civ := NewSession(id, civilianC, log, civMedia)

	_ = resp.Request(ctx, "", "video")
	poll(t, log, id, civ)
	if err := civ.Decline(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	poll(t, log, id, resp)
	if civ.Phase() != PhaseIdle || resp.Phase() != PhaseIdle {
		t.Fatalf("expected both idle after decline, civ=%s resp=%s", civ.Phase(), resp.Phase())
	}

	if err := resp.Request(ctx, "", "video"); err != nil {
		t.Fatalf("second request: %v", err)
	}
	poll(t, log, id, civ)
	if err := civ.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if civ.Phase() != PhaseError || civ.Err() == nil {
		t.Fatalf("expected error phase on media failure, got %s", civ.Phase())
	}

	civMedia.mu.Lock()
	civMedia.fail = nil
	civMedia.mu.Unlock()
	if err := civ.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if civ.Phase() != PhaseConnected {
		t.Fatalf("expected connected after retry, got %s", civ.Phase())
	}
}

func TestSession_Guards(t *testing.T) {
	log, id := newLog(t)
	ctx := context.Background()
	resp := NewSession(id, responderA, log, &fakeMedia{})

	if err := resp.Accept(ctx); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
	_ = resp.Request(ctx, "", "video")
	if err := resp.Request(ctx, "", "video"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if err := resp.Accept(ctx); !errors.Is(err, ErrNotCounterParty) {
		t.Fatalf("requester cannot accept its own request, got %v", err)
	}
}
