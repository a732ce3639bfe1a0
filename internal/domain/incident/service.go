// Package incident creates incidents and safety check-ins and serves their
// derived views. Everything after creation is an event in the incident log.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/assignment"
	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/projection"
)

var ErrInvalidStatus = errors.New("incident status cannot move backwards or past closed")

type Service struct {
	repo        Repository
	log         *eventlog.Service
	assignments *assignment.Service
	status      *projection.Projector[*StatusState]
	checkIns    *projection.Projector[*CheckInState]
	tx          eventlog.TxFunc
	nowFn       func() time.Time
	logger      zerolog.Logger
}

func NewService(repo Repository, log *eventlog.Service, assignments *assignment.Service, cache projection.Cache, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		log:         log,
		assignments: assignments,
		status:      projection.New("status", log, cache, NewStatusState, logger),
		checkIns:    projection.New("check_in", log, cache, func() *CheckInState { return &CheckInState{} }, logger),
		tx:          func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		nowFn:       time.Now,
		logger:      logger.With().Str("component", "incident").Logger(),
	}
}

// SetTx makes creation atomic: the incident row, its stream and its first
// events commit together.
func (s *Service) SetTx(tx eventlog.TxFunc) { s.tx = tx }

func validateLocation(loc *Location, problems []string) []string {
	if loc == nil {
		return problems
	}
	if loc.Lat < -90 || loc.Lat > 90 {
		problems = append(problems, "location.lat must be between -90 and 90")
	}
	if loc.Lng < -180 || loc.Lng > 180 {
		problems = append(problems, "location.lng must be between -180 and 180")
	}
	if loc.Accuracy != nil && *loc.Accuracy < 0 {
		problems = append(problems, "location.accuracy must not be negative")
	}
	return problems
}

func marshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// Report opens a new incident whose first event is status "reported".
func (s *Service) Report(ctx context.Context, req ReportRequest, from eventlog.Actor) (*View, error) {
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	var problems []string
	if !validPriorities[req.Priority] {
		problems = append(problems, fmt.Sprintf("priority %q is not one of low, medium, high, critical", req.Priority))
	}
	problems = validateLocation(req.Location, problems)
	if len(problems) > 0 {
		return nil, &eventlog.ValidationError{Type: "incident", Problems: problems}
	}

	inc := &Incident{
		ID:                uuid.New(),
		Kind:              KindReport,
		Priority:          req.Priority,
		Location:          req.Location,
		CulturalProtocols: req.CulturalProtocols,
		ReportedBy:        from.ID,
		CreatedAt:         s.nowFn().UTC(),
	}
	first := []*eventlog.AppendRequest{{
		Type:    eventlog.TypeStatus,
		Payload: marshal(eventlog.StatusPayload{Status: eventlog.StatusReported, Note: req.Note}),
	}}
	if req.Location != nil {
		first = append(first, &eventlog.AppendRequest{
			Type:    eventlog.TypeLocation,
			Payload: marshal(eventlog.LocationPayload{Lat: req.Location.Lat, Lng: req.Location.Lng, Accuracy: req.Location.Accuracy}),
		})
	}
	if err := s.create(ctx, inc, from, first); err != nil {
		return nil, err
	}
	s.logger.Info().Str("incident_id", inc.ID.String()).Str("priority", inc.Priority).
		Str("reported_by", from.ID).Msg("incident reported")
	return s.Get(ctx, inc.ID)
}

// CheckIn records a civilian safety check-in as its own incident so that
// responders can claim it like any other.
func (s *Service) CheckIn(ctx context.Context, req CheckInRequest, from eventlog.Actor) (*CheckIn, error) {
	if err := validateCheckIn(req); err != nil {
		return nil, err
	}
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	} else if prev, err := s.repo.GetByID(ctx, id); err == nil {
		if prev.Kind != KindCheckIn || prev.ReportedBy != from.ID {
			return nil, eventlog.ErrStreamExists
		}
		return s.checkIn(ctx, prev)
	} else if !errors.Is(err, eventlog.ErrIncidentNotFound) {
		return nil, err
	}

	priority := PriorityHigh
	if req.Status == CheckInSafe {
		priority = PriorityLow
	}
	inc := &Incident{
		ID:         id,
		Kind:       KindCheckIn,
		Priority:   priority,
		Location:   req.Location,
		ReportedBy: from.ID,
		CreatedAt:  s.nowFn().UTC(),
	}
	first := []*eventlog.AppendRequest{
		{Type: eventlog.TypeStatus, Payload: marshal(eventlog.StatusPayload{Status: eventlog.StatusReported})},
		{Type: eventlog.TypeCheckIn, Payload: checkInPayload(req)},
	}
	if err := s.create(ctx, inc, from, first); err != nil {
		return nil, err
	}
	s.logger.Info().Str("incident_id", inc.ID.String()).Str("status", req.Status).
		Str("by", from.ID).Msg("safety check-in")
	return s.GetCheckIn(ctx, inc.ID)
}

// UpdateCheckIn appends a newer check-in to an existing check-in incident,
// e.g. "need_help" followed by "safe".
func (s *Service) UpdateCheckIn(ctx context.Context, id uuid.UUID, req CheckInRequest, from eventlog.Actor) (*CheckIn, error) {
	if err := validateCheckIn(req); err != nil {
		return nil, err
	}
	inc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Kind != KindCheckIn {
		return nil, eventlog.ErrIncidentNotFound
	}
	if _, err := s.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: id, Type: eventlog.TypeCheckIn, From: from, Payload: checkInPayload(req),
	}); err != nil {
		return nil, err
	}
	return s.GetCheckIn(ctx, id)
}

func validateCheckIn(req CheckInRequest) error {
	var problems []string
	if !validCheckIns[req.Status] {
		problems = append(problems, fmt.Sprintf("status %q is not one of need_help, cant_evacuate, safe", req.Status))
	}
	if req.Dependents < 0 {
		problems = append(problems, "dependents must not be negative")
	}
	problems = validateLocation(req.Location, problems)
	if len(problems) > 0 {
		return &eventlog.ValidationError{Type: eventlog.TypeCheckIn, Problems: problems}
	}
	return nil
}

func checkInPayload(req CheckInRequest) json.RawMessage {
	p := eventlog.CheckInPayload{Status: req.Status, Note: req.Note, Dependents: req.Dependents}
	if req.Location != nil {
		p.Location = &eventlog.LocationPayload{Lat: req.Location.Lat, Lng: req.Location.Lng, Accuracy: req.Location.Accuracy}
	}
	return marshal(p)
}

func (s *Service) create(ctx context.Context, inc *Incident, from eventlog.Actor, first []*eventlog.AppendRequest) error {
	return s.tx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, inc); err != nil {
			return err
		}
		if err := s.log.Open(ctx, inc.ID); err != nil {
			return err
		}
		for _, req := range first {
			req.IncidentID = inc.ID
			req.From = from
			if _, err := s.log.Append(ctx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStatus appends a status change after checking it against the fold.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status, note string, from eventlog.Actor) (*View, error) {
	current, err := s.status.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.CanMoveTo(status) {
		if _, known := statusRank[status]; !known {
			return nil, &eventlog.ValidationError{Type: eventlog.TypeStatus, Problems: []string{fmt.Sprintf("unknown status %q", status)}}
		}
		return nil, ErrInvalidStatus
	}
	if _, err := s.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: id,
		Type:       eventlog.TypeStatus,
		From:       from,
		Payload:    marshal(eventlog.StatusPayload{Status: status, Note: note}),
	}); err != nil {
		return nil, err
	}
	if status == eventlog.StatusClosed {
		s.logger.Info().Str("incident_id", id.String()).Str("by", from.ID).Msg("incident closed")
	}
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*View, error) {
	inc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, inc)
}

func (s *Service) view(ctx context.Context, inc *Incident) (*View, error) {
	st, err := s.status.Load(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	asg, err := s.assignments.Get(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	cursor := st.Cursor
	if asg.Cursor > cursor {
		cursor = asg.Cursor
	}
	return &View{Incident: inc, Status: st.Status, StatusAt: st.UpdatedAt, Cursor: cursor, Assignment: asg}, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*View, int, error) {
	items, total, err := s.repo.List(ctx, "", limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*View, 0, len(items))
	for _, inc := range items {
		v, err := s.view(ctx, inc)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, v)
	}
	return views, total, nil
}

func (s *Service) GetCheckIn(ctx context.Context, id uuid.UUID) (*CheckIn, error) {
	inc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc.Kind != KindCheckIn {
		return nil, eventlog.ErrIncidentNotFound
	}
	return s.checkIn(ctx, inc)
}

func (s *Service) checkIn(ctx context.Context, inc *Incident) (*CheckIn, error) {
	ci, err := s.checkIns.Load(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	asg, err := s.assignments.Get(ctx, inc.ID)
	if err != nil {
		return nil, err
	}
	return &CheckIn{
		IncidentID: inc.ID,
		Status:     ci.Status,
		Location:   ci.Location,
		Note:       ci.Note,
		Dependents: ci.Dependents,
		By:         ci.By,
		CreatedAt:  inc.CreatedAt,
		Assignment: asg,
	}, nil
}

func (s *Service) ListCheckIns(ctx context.Context, limit, offset int) ([]*CheckIn, int, error) {
	items, total, err := s.repo.List(ctx, KindCheckIn, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*CheckIn, 0, len(items))
	for _, inc := range items {
		ci, err := s.checkIn(ctx, inc)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ci)
	}
	return out, total, nil
}
