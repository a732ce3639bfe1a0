package incident

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/auth"
	"github.com/responsegrid/coord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/incidents", h.Report)
	api.GET("/incidents/:id", h.Get)
	api.POST("/check-ins", h.CheckIn)
	api.GET("/check-ins/:id", h.GetCheckIn)
	api.POST("/check-ins/:id", h.UpdateCheckIn)

	staff := api.Group("", auth.RequireRole(auth.RoleResponder, auth.RoleDispatcher, auth.RoleElder, auth.RolePhysician))
	staff.GET("/incidents", h.List)
	staff.GET("/check-ins", h.ListCheckIns)

	ops := api.Group("", auth.RequireRole(auth.RoleResponder, auth.RoleDispatcher))
	ops.POST("/incidents/:id/status", h.SetStatus)
}

func (h *Handler) Report(c echo.Context) error {
	var req ReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	v, err := h.svc.Report(ctx, req, from)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	v, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Path()))
}

type statusBody struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	var body statusBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	v, err := h.svc.SetStatus(ctx, id, body.Status, body.Note, from)
	if errors.Is(err, ErrInvalidStatus) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	ci, err := h.svc.CheckIn(ctx, req, from)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ci)
}

func (h *Handler) GetCheckIn(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	ci, err := h.svc.GetCheckIn(c.Request().Context(), id)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ci)
}

func (h *Handler) UpdateCheckIn(c echo.Context) error {
	id, err := eventlog.IncidentParam(c)
	if err != nil {
		return err
	}
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	ctx := c.Request().Context()
	from, err := eventlog.ActorFromContext(ctx, eventlog.Actor{})
	if err != nil {
		return eventlog.HTTPError(err)
	}
	ci, err := h.svc.UpdateCheckIn(ctx, id, req, from)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ci)
}

func (h *Handler) ListCheckIns(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCheckIns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return eventlog.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg, c.Path()))
}
