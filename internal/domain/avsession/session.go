package avsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// MediaStream is an open camera/microphone capture.
type MediaStream interface {
	Close() error
}

// MediaAcquirer opens local capture devices. It is only ever called after
// the log holds an av_accept for the session.
type MediaAcquirer interface {
	Acquire(ctx context.Context, media string) (MediaStream, error)
}

// Session is one device's side of the negotiation. It layers the local
// phases (consented, connecting, error) on top of the log's State and is
// driven by the user's actions and by Observe on every poll.
type Session struct {
	mu         sync.Mutex
	incidentID uuid.UUID
	self       eventlog.Actor
	log        eventlog.Appender
	media      MediaAcquirer

	phase   string
	remote  *State
	stream  MediaStream
	lastErr error
}

func NewSession(incidentID uuid.UUID, self eventlog.Actor, log eventlog.Appender, media MediaAcquirer) *Session {
	return &Session{
		incidentID: incidentID,
		self:       self,
		log:        log,
		media:      media,
		phase:      PhaseIdle,
		remote:     New(),
	}
}

func (s *Session) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err is the media failure that put the session in the error phase.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Incoming reports whether there is a request waiting for this device's answer.
func (s *Session) Incoming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.Phase == PhaseRequested && s.remote.IsCounterParty(s.self)
}

func (s *Session) append(ctx context.Context, eventType string, payload interface{}) (*eventlog.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return s.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: s.incidentID,
		Type:       eventType,
		From:       s.self,
		Payload:    data,
	})
}

// Request asks the other party for a session. No media is opened.
func (s *Session) Request(ctx context.Context, to, media string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle && s.phase != PhaseEnded {
		return ErrSessionActive
	}
	ev, err := s.append(ctx, eventlog.TypeAVRequest, eventlog.AVRequestPayload{To: to, Media: media})
	if err != nil {
		return err
	}
	s.remote.Apply(ev)
	s.phase = PhaseRequested
	return nil
}

// Accept records consent in the log and only then opens the capture
// devices. If the append fails nothing is acquired.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote.Phase != PhaseRequested {
		return ErrNoPendingRequest
	}
	if !s.remote.IsCounterParty(s.self) {
		return ErrNotCounterParty
	}

	s.phase = PhaseConsented
	ev, err := s.append(ctx, eventlog.TypeAVAccept, eventlog.AVAcceptPayload{RequestID: s.remote.RequestID})
	if err != nil {
		s.phase = PhaseRequested
		return fmt.Errorf("record consent: %w", err)
	}
	s.remote.Apply(ev)
	s.connectLocked(ctx)
	return nil
}

// Decline withdraws a pending request back to idle.
func (s *Session) Decline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote.Phase != PhaseRequested {
		return ErrNoPendingRequest
	}
	if !s.remote.IsCounterParty(s.self) {
		return ErrNotCounterParty
	}
	ev, err := s.append(ctx, eventlog.TypeAVEnd, eventlog.AVEndPayload{Reason: ReasonDeclined})
	if err != nil {
		return err
	}
	s.remote.Apply(ev)
	s.phase = PhaseIdle
	return nil
}

// End hangs up from any active phase.
func (s *Session) End(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.remote.Active() {
		s.releaseLocked()
		if s.phase != PhaseIdle {
			s.phase = PhaseEnded
		}
		return nil
	}
	ev, err := s.append(ctx, eventlog.TypeAVEnd, eventlog.AVEndPayload{Reason: reason})
	if err != nil {
		return err
	}
	s.remote.Apply(ev)
	s.releaseLocked()
	s.phase = PhaseEnded
	return nil
}

// Retry reopens media after a permission failure.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseError {
		return nil
	}
	if s.remote.Phase != PhaseConnected {
		s.phase = s.remote.Phase
		return nil
	}
	s.connectLocked(ctx)
	return s.lastErr
}

// Observe applies newly polled events and moves the local phase to match:
// an incoming request shows as requested, an accept by the other side
// starts media, and an end from anyone forces ended.
func (s *Session) Observe(ctx context.Context, events []*eventlog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.remote.Apply(ev)
	}

	switch s.remote.Phase {
	case PhaseIdle:
		if s.phase == PhaseRequested || s.phase == PhaseConsented {
			s.phase = PhaseIdle
		}
	case PhaseRequested:
		if s.phase == PhaseIdle || s.phase == PhaseEnded {
			s.phase = PhaseRequested
		}
	case PhaseConnected:
		if s.phase == PhaseRequested || s.phase == PhaseConsented {
			if s.remote.IsParticipant(s.self) {
				s.connectLocked(ctx)
			}
		}
	case PhaseEnded:
		s.releaseLocked()
		if s.phase != PhaseIdle {
			s.phase = PhaseEnded
		}
	}
}

func (s *Session) connectLocked(ctx context.Context) {
	s.phase = PhaseConnecting
	stream, err := s.media.Acquire(ctx, s.remote.Media)
	if err != nil {
		s.phase = PhaseError
		s.lastErr = err
		return
	}
	s.stream = stream
	s.lastErr = nil
	s.phase = PhaseConnected
}

func (s *Session) releaseLocked() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}
