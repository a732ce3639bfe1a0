package avsession

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/incidents/:id/av", h.Get)
	api.POST("/incidents/:id/av/:action", h.Act)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Act(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	var body ActionRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
		}
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}

	st, err := h.svc.Act(ctx, id, c.Param("action"), body, from)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, st)
	case errors.Is(err, ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrNoPendingRequest):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotCounterParty), errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return eventlog.HTTPError(err)
}
