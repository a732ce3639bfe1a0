package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/platform/auth"
)

// IdempotencyHeader may carry the client key instead of the body field.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/incidents/:id/events", h.ReadEvents)
	api.POST("/incidents/:id/events", h.AppendEvent)
}

type appendBody struct {
	Type      string          `json:"type"`
	From      Actor           `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	ClientAt  *time.Time      `json:"clientAt,omitempty"`
	ClientKey string          `json:"clientKey,omitempty"`
}

// ReadEvents answers GET /incidents/:id/events?since=&limit=. since=now
// returns no events and the current head, for readers that only want what
// happens next.
func (h *Handler) ReadEvents(c echo.Context) error {
	id, err := IncidentParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	since := c.QueryParam("since")
	if since == "now" {
		head, err := h.svc.Head(ctx, id)
		if err != nil {
			return HTTPError(err)
		}
		return c.JSON(http.StatusOK, &Batch{Events: []*Event{}, Now: head})
	}

	var cursor int64
	if since != "" {
		cursor, err = strconv.ParseInt(since, 10, 64)
		if err != nil || cursor < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be a non-negative integer or \"now\"")
		}
	}
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
	}

	batch, err := h.svc.Read(ctx, id, cursor, limit)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, batch)
}

func (h *Handler) AppendEvent(c echo.Context) error {
	id, err := IncidentParam(c)
	if err != nil {
		return err
	}
	var body appendBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object")
	}
	ctx := c.Request().Context()

	from, err := ActorFromContext(ctx, body.From)
	if err != nil {
		return HTTPError(err)
	}
	key := body.ClientKey
	if key == "" {
		key = c.Request().Header.Get(IdempotencyHeader)
	}

	ev, err := h.svc.Append(ctx, &AppendRequest{
		IncidentID: id,
		Type:       body.Type,
		From:       from,
		Payload:    body.Payload,
		ClientAt:   body.ClientAt,
		ClientKey:  key,
	})
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ev)
}

// IncidentParam parses the :id path parameter.
func IncidentParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid incident id")
	}
	return id, nil
}

// ActorFromContext builds the event author from the authenticated caller.
// A caller may name one of its own roles in claimed.Role; naming a
// different actor id is only allowed for admins.
func ActorFromContext(ctx context.Context, claimed Actor) (Actor, error) {
	id := auth.UserIDFromContext(ctx)
	if id == "" {
		return Actor{}, ErrUnknownActor
	}
	actor := Actor{ID: id, Name: auth.UserNameFromContext(ctx), Role: auth.PrimaryRole(ctx)}

	isAdmin := auth.HasAnyRole(ctx, auth.RoleAdmin)
	if claimed.ID != "" && claimed.ID != id {
		if !isAdmin {
			return Actor{}, ErrForbidden
		}
		actor.ID = claimed.ID
		actor.Name = ""
	}
	if claimed.Role != "" {
		if !auth.HasAnyRole(ctx, claimed.Role) {
			return Actor{}, ErrForbidden
		}
		actor.Role = claimed.Role
	}
	if claimed.Name != "" {
		actor.Name = claimed.Name
	}
	return actor, nil
}

// HTTPError maps log errors onto status codes.
func HTTPError(err error) error {
	var he *echo.HTTPError
	var ve *ValidationError
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ve.Error())
	case errors.Is(err, ErrIncidentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIncidentClosed), errors.Is(err, ErrStreamExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrUnknownActor):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
