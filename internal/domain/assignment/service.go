package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/projection"
)

// Actions accepted by Transition, mapped to the state they lead to.
var actions = map[string]string{
	"claim":    Claimed,
	"en_route": EnRoute,
	"arrived":  Arrived,
	"complete": Completed,
	"release":  Unassigned,
}

type Service struct {
	log    *eventlog.Service
	proj   *projection.Projector[*State]
	logger zerolog.Logger
}

func NewService(log *eventlog.Service, cache projection.Cache, logger zerolog.Logger) *Service {
	return &Service{
		log:    log,
		proj:   projection.New("assignment", log, cache, New, logger),
		logger: logger.With().Str("component", "assignment").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, incidentID uuid.UUID) (*State, error) {
	return s.proj.Load(ctx, incidentID)
}

// Transition runs the optimistic check against the current fold and, if it
// passes, appends the event. The returned state is re-read from the log, so
// a claim that raced with an earlier one still reports ErrAlreadyAssigned.
func (s *Service) Transition(ctx context.Context, incidentID uuid.UUID, action string, from eventlog.Actor) (*State, error) {
	target, ok := actions[action]
	if !ok {
		return nil, ErrUnknownAction
	}
	current, err := s.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if target == Claimed && current.State != Unassigned && current.ResponderID == from.ID {
		return current, nil
	}
	if err := current.Check(from.ID, target); err != nil {
		return current, err
	}

	req := &eventlog.AppendRequest{IncidentID: incidentID, From: from}
	if target == Unassigned {
		req.Type = eventlog.TypeAssignmentRelease
		req.Payload, err = json.Marshal(eventlog.AssignmentReleasePayload{ResponderID: from.ID})
	} else {
		req.Type = eventlog.TypeAssignment
		req.Payload, err = json.Marshal(eventlog.AssignmentPayload{
			ResponderID:   from.ID,
			ResponderName: from.Name,
			State:         target,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("encode assignment: %w", err)
	}
	if _, err := s.log.Append(ctx, req); err != nil {
		return nil, err
	}

	after, err := s.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if target == Claimed && after.ResponderID != from.ID {
		s.logger.Info().Str("incident_id", incidentID.String()).Str("responder", from.ID).
			Str("assignee", after.ResponderID).Msg("late claim lost")
		return after, ErrAlreadyAssigned
	}
	return after, nil
}

// Policy keeps responders from moving someone else's assignment. Dispatchers
// and admins may act for a responder.
func Policy() eventlog.Policy {
	return eventlog.PolicyFunc(func(ctx context.Context, req *eventlog.AppendRequest) error {
		var responderID string
		switch req.Type {
		case eventlog.TypeAssignment:
			var p eventlog.AssignmentPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return nil
			}
			responderID = p.ResponderID
		case eventlog.TypeAssignmentRelease:
			var p eventlog.AssignmentReleasePayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				return nil
			}
			responderID = p.ResponderID
		default:
			return nil
		}
		if responderID == req.From.ID || eventlog.IsSystem(ctx) {
			return nil
		}
		if req.From.Role == "dispatcher" || req.From.Role == "admin" {
			return nil
		}
		return fmt.Errorf("%w: %s may not act for responder %s", eventlog.ErrForbidden, req.From.ID, responderID)
	})
}

// IsConflict reports whether err is one of the "someone else has it" or
// "wrong step" outcomes rather than a failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrInvalidTransition)
}
