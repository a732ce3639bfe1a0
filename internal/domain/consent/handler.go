package consent

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/auth"
	"github.com/responsegrid/coord/internal/platform/middleware"
)

type Handler struct {
	gate *Gate
}

func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes wires the consent endpoints. override is the middleware
// that reads and rate-limits the override justification header.
func (h *Handler) RegisterRoutes(api *echo.Group, override echo.MiddlewareFunc) {
	api.GET("/incidents/:id/consent/:recordId", h.GetConsent)
	api.POST("/incidents/:id/consent", h.RecordConsent)
	api.PUT("/incidents/:id/records/:recordId", h.PutRecord)
	api.POST("/incidents/:id/records/:recordId/access", h.Access, override)

	staff := api.Group("", auth.RequireRole(auth.RoleDispatcher, auth.RoleElder, auth.RolePhysician))
	staff.GET("/incidents/:id/audit", h.GetAudit)
}

func (h *Handler) GetConsent(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	rec, err := h.gate.Status(c.Request().Context(), id, c.Param("recordId"))
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) RecordConsent(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	var body eventlog.ConsentPayload
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	from, err := eventlog.ActorFromContext(c.Request().Context(), eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	ev, err := h.gate.RecordConsent(c.Request().Context(), id, body, from)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

func (h *Handler) PutRecord(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	from, err := eventlog.ActorFromContext(c.Request().Context(), eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	var rec SensitiveRecord
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec.ID = c.Param("recordId")
	rec.IncidentID = id
	if rec.SubjectID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "subjectId is required")
	}
	if err := h.gate.PutRecord(c.Request().Context(), &rec, from); err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, &rec)
}

// Access reads a sensitive record through the gate. A justification in the
// override header turns a refusal into an emergency override for callers
// holding an override role.
func (h *Handler) Access(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	justification := middleware.OverrideJustification(ctx)

	claimed := eventlog.Actor{}
	if justification != "" {
		claimed.Role = overrideRole(auth.RolesFromContext(ctx), h.gate.OverrideRoles())
	}
	from, err := eventlog.ActorFromContext(ctx, claimed)
	if err != nil {
		return eventlog.HTTPError(err)
	}

	d, err := h.gate.Access(ctx, AccessRequest{
		IncidentID:    id,
		RecordID:      c.Param("recordId"),
		Actor:         from,
		Justification: justification,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrOverrideNotPermitted):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrJustificationMissing):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return eventlog.HTTPError(err)
	}
	if !d.Allowed() {
		return c.JSON(http.StatusForbidden, d)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetAudit(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	entries, err := h.gate.Audit(c.Request().Context(), id, c.QueryParam("recordId"))
	if err != nil {
		return eventlog.HTTPError(err)
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries, "total": len(entries)})
}

// overrideRole picks the first role the caller actually holds that may
// override, so the audit shows the capacity they acted in.
func overrideRole(held, allowed []string) string {
	for _, a := range allowed {
		for _, h := range held {
			if h == a {
				return a
			}
		}
	}
	return ""
}
