package timeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/auth"
)

// Source is the part of the log the export needs.
type Source interface {
	ReadAll(ctx context.Context, incidentID uuid.UUID) ([]*eventlog.Event, error)
}

type Handler struct {
	src   Source
	nowFn func() time.Time
}

func NewHandler(src Source) *Handler {
	return &Handler{src: src, nowFn: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleResponder, auth.RoleDispatcher, auth.RoleElder, auth.RolePhysician))
	staff.GET("/incidents/:id/timeline", h.Timeline)
	staff.GET("/incidents/:id/transcript", h.Transcript)
}

func (h *Handler) Timeline(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	events, err := h.src.ReadAll(c.Request().Context(), id)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"incidentId": id,
		"lines":      Build(events),
		"total":      len(events),
	})
}

// Transcript streams the log as a file. format is text (default) or ndjson.
func (h *Handler) Transcript(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "ndjson" {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be text or ndjson")
	}

	events, err := h.src.ReadAll(c.Request().Context(), id)
	if err != nil {
		return eventlog.HTTPError(err)
	}

	now := h.nowFn()
	ext, contentType := "txt", "text/plain; charset=utf-8"
	if format == "ndjson" {
		ext, contentType = "ndjson", "application/x-ndjson"
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"incident_%s_%s.%s\"", id, now.UTC().Format("20060102_150405"), ext))
	c.Response().WriteHeader(http.StatusOK)

	if format == "ndjson" {
		return WriteNDJSON(c.Response(), events)
	}
	return WriteText(c.Response(), id, Build(events), now)
}
