package assignment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/incidents/:id/assignment", h.GetAssignment)
	write := api.Group("", auth.RequireRole(auth.RoleResponder, auth.RoleDispatcher))
	write.POST("/incidents/:id/assignment/:action", h.Transition)
}

func (h *Handler) GetAssignment(c echo.Context) error {
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

func (h *Handler) Transition(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{Role: auth.RoleResponder})
	if err != nil {
		from, err = eventlog.ActorFromContext(ctx, eventlog.Actor{})
		if err != nil {
			return eventlog.HTTPError(err)
		}
	}

	st, err := h.svc.Transition(ctx, id, c.Param("action"), from)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, st)
	case errors.Is(err, ErrUnknownAction):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyAssigned):
		return c.JSON(http.StatusConflict, map[string]interface{}{"message": err.Error(), "assignment": st})
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotAssignee):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	return eventlog.HTTPError(err)
}
