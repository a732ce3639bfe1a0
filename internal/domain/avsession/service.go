package avsession

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/projection"
)

type Service struct {
	log    *eventlog.Service
	proj   *projection.Projector[*State]
	logger zerolog.Logger
}

func NewService(log *eventlog.Service, cache projection.Cache, logger zerolog.Logger) *Service {
	return &Service{
		log:    log,
		proj:   projection.New("av", log, cache, New, logger),
		logger: logger.With().Str("component", "avsession").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, incidentID uuid.UUID) (*State, error) {
	return s.proj.Load(ctx, incidentID)
}

// ActionRequest carries the optional fields of an A/V action.
type ActionRequest struct {
	To     string `json:"to,omitempty"`
	Media  string `json:"media,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Act checks the action against the current session and appends the
// matching event. The fold ignores events that slip past this check, so it
// only spares clients a pointless write.
func (s *Service) Act(ctx context.Context, incidentID uuid.UUID, action string, body ActionRequest, from eventlog.Actor) (*State, error) {
	st, err := s.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	var eventType string
	var payload interface{}
	switch action {
	case "request":
		if st.Active() {
			return st, ErrSessionActive
		}
		media := body.Media
		if media == "" {
			media = "video"
		}
		eventType, payload = eventlog.TypeAVRequest, eventlog.AVRequestPayload{To: body.To, Media: media}
	case "accept":
		if st.Phase != PhaseRequested {
			return st, ErrNoPendingRequest
		}
		if !st.IsCounterParty(from) {
			return st, ErrNotCounterParty
		}
		eventType, payload = eventlog.TypeAVAccept, eventlog.AVAcceptPayload{RequestID: st.RequestID}
	case "decline":
		if st.Phase != PhaseRequested {
			return st, ErrNoPendingRequest
		}
		if !st.IsCounterParty(from) {
			return st, ErrNotCounterParty
		}
		eventType, payload = eventlog.TypeAVEnd, eventlog.AVEndPayload{Reason: ReasonDeclined}
	case "end":
		if !st.Active() {
			return st, ErrNoPendingRequest
		}
		if !st.IsParticipant(from) {
			return st, ErrNotParticipant
		}
		reason := body.Reason
		if reason == ReasonDeclined {
			reason = "cancelled"
		}
		eventType, payload = eventlog.TypeAVEnd, eventlog.AVEndPayload{Reason: reason}
	default:
		return nil, ErrUnknownAction
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if _, err := s.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: incidentID, Type: eventType, From: from, Payload: data,
	}); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("incident_id", incidentID.String()).Str("action", action).Str("actor", from.ID).Msg("a/v action")
	return s.Get(ctx, incidentID)
}
