package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/projection"
	"github.com/responsegrid/coord/internal/platform/metrics"
)

// DeniedMessage is what a caller sees when consent is missing.
const DeniedMessage = "access denied, awaiting consent"

type AccessRequest struct {
	IncidentID uuid.UUID
	RecordID   string
	Actor      eventlog.Actor
	// Justification, when set, asks for an emergency override if consent
	// does not already allow access.
	Justification string
}

// Decision is the gate's answer. Record is set only when access is allowed.
type Decision struct {
	Outcome      string           `json:"outcome"`
	Status       string           `json:"status"`
	Record       *SensitiveRecord `json:"record,omitempty"`
	BasisEventID int64            `json:"basisEventId,omitempty"`
	Message      string           `json:"message,omitempty"`
}

func (d *Decision) Allowed() bool { return d.Outcome != OutcomeDenied }

type Gate struct {
	log           *eventlog.Service
	proj          *projection.Projector[*State]
	records       RecordStore
	overrideRoles []string
	proxyRoles    []string
	metrics       *metrics.Metrics
	nowFn         func() time.Time
	logger        zerolog.Logger
}

func NewGate(log *eventlog.Service, records RecordStore, cache projection.Cache, overrideRoles []string, logger zerolog.Logger) *Gate {
	return &Gate{
		log:           log,
		proj:          projection.New("consent", log, cache, New, logger),
		records:       records,
		overrideRoles: overrideRoles,
		nowFn:         time.Now,
		logger:        logger.With().Str("component", "consent").Logger(),
	}
}

func (g *Gate) SetMetrics(m *metrics.Metrics) { g.metrics = m }

// SetProxyRoles lists the roles that may record consent on a subject's
// behalf, e.g. a dispatcher relaying a caller's spoken agreement.
func (g *Gate) SetProxyRoles(roles []string) { g.proxyRoles = roles }

// OverrideRoles lists the roles allowed to append elder_override.
func (g *Gate) OverrideRoles() []string { return g.overrideRoles }

// Register installs the gate's rules on the log. Only elevated roles may
// override and only the subject or a proxy may decide consent. Audit entries
// are written by the server alone. Every override, however it reaches the
// log, is followed by its audit entry and notification obligation.
func (g *Gate) Register() {
	g.log.Use(eventlog.RequireRoles(eventlog.TypeElderOverride, g.overrideRoles...))
	g.log.Use(eventlog.PolicyFunc(g.checkConsent))
	g.log.Use(eventlog.Reserved(eventlog.TypeRecordAccess, eventlog.TypeOverrideNotice))
	g.log.React(eventlog.TypeElderOverride, g.onOverride)
}

func (g *Gate) onOverride(ctx context.Context, ev *eventlog.Event, log eventlog.Appender) error {
	var p eventlog.OverridePayload
	if err := ev.Decode(&p); err != nil {
		return err
	}
	subject := ""
	if rec, err := g.records.Get(ctx, ev.IncidentID, p.RecordID); err == nil {
		subject = rec.SubjectID
	}

	access, _ := json.Marshal(eventlog.RecordAccessPayload{
		RecordID:      p.RecordID,
		Outcome:       OutcomeOverride,
		Justification: p.Justification,
		BasisEventID:  ev.ID,
	})
	if _, err := log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: ev.IncidentID, Type: eventlog.TypeRecordAccess, From: ev.From, Payload: access,
	}); err != nil {
		return fmt.Errorf("audit override: %w", err)
	}

	notice, _ := json.Marshal(eventlog.OverrideNoticePayload{
		RecordID:        p.RecordID,
		SubjectID:       subject,
		OverrideEventID: ev.ID,
		Obligation:      NoticeObligation,
	})
	if _, err := log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: ev.IncidentID, Type: eventlog.TypeOverrideNotice, From: ev.From, Payload: notice,
	}); err != nil {
		return fmt.Errorf("record override notice: %w", err)
	}

	g.observe(OutcomeOverride)
	g.logger.Warn().
		Str("type", "elder_override").
		Str("incident_id", ev.IncidentID.String()).
		Str("record_id", p.RecordID).
		Str("actor", ev.From.ID).
		Str("role", ev.From.Role).
		Str("justification", p.Justification).
		Int64("event_id", ev.ID).
		Msg("consent overridden")
	return nil
}

// checkConsent admits a consent event only from the record's subject or a
// proxy role, and never one that names a different subject.
func (g *Gate) checkConsent(ctx context.Context, req *eventlog.AppendRequest) error {
	if req.Type != eventlog.TypeConsent || eventlog.IsSystem(ctx) {
		return nil
	}
	var p eventlog.ConsentPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return err
	}
	rec, err := g.records.Get(ctx, req.IncidentID, p.RecordID)
	if errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("%w: consent for unregistered record %q", eventlog.ErrForbidden, p.RecordID)
	}
	if err != nil {
		return err
	}
	if p.SubjectID != "" && p.SubjectID != rec.SubjectID {
		return fmt.Errorf("%w: record %q belongs to another subject", eventlog.ErrForbidden, p.RecordID)
	}
	if req.From.ID != rec.SubjectID && !hasRole(g.proxyRoles, req.From.Role) {
		return fmt.Errorf("%w: only the record subject may decide consent for %q", eventlog.ErrForbidden, p.RecordID)
	}
	return nil
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || r == "*" {
			return true
		}
	}
	return false
}

func (g *Gate) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.GateDecisions.WithLabelValues(outcome).Inc()
	}
}

func (g *Gate) audit(ctx context.Context, req AccessRequest, outcome, justification string, basis int64) error {
	payload, _ := json.Marshal(eventlog.RecordAccessPayload{
		RecordID:      req.RecordID,
		Outcome:       outcome,
		Justification: justification,
		BasisEventID:  basis,
	})
	_, err := g.log.Append(eventlog.WithSystem(ctx), &eventlog.AppendRequest{
		IncidentID: req.IncidentID,
		Type:       eventlog.TypeRecordAccess,
		From:       req.Actor,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("audit access: %w", err)
	}
	g.observe(outcome)
	return nil
}

func (g *Gate) mayOverride(role string) bool { return hasRole(g.overrideRoles, role) }

// Access decides whether req.Actor may read the record and appends the
// audit entry for the decision before returning. A refusal is a Decision
// with outcome denied, not an error. An earlier override by someone else
// grants nothing: each caller without live consent overrides in their own
// name or is denied.
func (g *Gate) Access(ctx context.Context, req AccessRequest) (*Decision, error) {
	st, err := g.proj.Load(ctx, req.IncidentID)
	if err != nil {
		return nil, err
	}
	data, err := g.records.Get(ctx, req.IncidentID, req.RecordID)
	if err != nil {
		return nil, err
	}
	rec := st.Lookup(req.RecordID, g.nowFn())

	switch {
	case rec.Status == StatusGranted:
		if err := g.audit(ctx, req, OutcomeGranted, "", rec.ConsentEventID); err != nil {
			return nil, err
		}
		return &Decision{Outcome: OutcomeGranted, Status: rec.Status, Record: data.Only(rec.Fields), BasisEventID: rec.ConsentEventID}, nil

	case req.Justification != "":
		return g.override(ctx, req, rec, data)
	}

	if err := g.audit(ctx, req, OutcomeDenied, "", rec.ConsentEventID); err != nil {
		return nil, err
	}
	g.logger.Warn().Str("type", "access_denied").Str("incident_id", req.IncidentID.String()).
		Str("record_id", req.RecordID).Str("actor", req.Actor.ID).Str("status", rec.Status).Msg("record access refused")
	return &Decision{Outcome: OutcomeDenied, Status: rec.Status, Message: DeniedMessage}, nil
}

func (g *Gate) override(ctx context.Context, req AccessRequest, rec Record, data *SensitiveRecord) (*Decision, error) {
	if strings.TrimSpace(req.Justification) == "" {
		return nil, ErrJustificationMissing
	}
	if !g.mayOverride(req.Actor.Role) {
		if err := g.audit(ctx, req, OutcomeDenied, req.Justification, 0); err != nil {
			return nil, err
		}
		g.logger.Warn().Str("type", "override_refused").Str("incident_id", req.IncidentID.String()).
			Str("record_id", req.RecordID).Str("actor", req.Actor.ID).Str("role", req.Actor.Role).Msg("override refused")
		return nil, ErrOverrideNotPermitted
	}

	payload, _ := json.Marshal(eventlog.OverridePayload{RecordID: req.RecordID, Justification: req.Justification})
	ev, err := g.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: req.IncidentID,
		Type:       eventlog.TypeElderOverride,
		From:       req.Actor,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	return &Decision{Outcome: OutcomeOverride, Status: StatusOverride, Record: data, BasisEventID: ev.ID}, nil
}

// RecordConsent appends a consent decision for a record.
func (g *Gate) RecordConsent(ctx context.Context, incidentID uuid.UUID, p eventlog.ConsentPayload, from eventlog.Actor) (*eventlog.Event, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	ev, err := g.log.Append(ctx, &eventlog.AppendRequest{
		IncidentID: incidentID, Type: eventlog.TypeConsent, From: from, Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info().Str("incident_id", incidentID.String()).Str("record_id", p.RecordID).
		Str("status", p.Status).Str("by", from.ID).Msg("consent recorded")
	return ev, nil
}

// Status returns the record's consent state as of now.
func (g *Gate) Status(ctx context.Context, incidentID uuid.UUID, recordID string) (*Record, error) {
	st, err := g.proj.Load(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	rec := st.Lookup(recordID, g.nowFn())
	return &rec, nil
}

// Audit returns the incident's compliance trail, optionally for one record.
func (g *Gate) Audit(ctx context.Context, incidentID uuid.UUID, recordID string) ([]AuditEntry, error) {
	events, err := g.log.ReadAll(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	return AuditTrail(events, recordID), nil
}

// PutRecord stores a sensitive record for an existing incident. Only the
// current subject or a proxy may replace a record.
func (g *Gate) PutRecord(ctx context.Context, rec *SensitiveRecord, from eventlog.Actor) error {
	if _, err := g.log.Head(ctx, rec.IncidentID); err != nil {
		return err
	}
	prev, err := g.records.Get(ctx, rec.IncidentID, rec.ID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
	case err != nil:
		return err
	case from.ID != prev.SubjectID && !hasRole(g.proxyRoles, from.Role):
		return fmt.Errorf("%w: record %q belongs to another subject", eventlog.ErrForbidden, rec.ID)
	}
	return g.records.Put(ctx, rec)
}
