package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/responsegrid/coord/internal/platform/auth"
)

func eventsContext(method, incident, query, body string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/api/v1/incidents/"+incident+"/events"+query, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/api/v1/incidents/"+incident+"/events"+query, nil)
	}
	if len(roles) > 0 {
		req = req.WithContext(auth.WithIdentity(req.Context(), "user-1", "Sam", roles))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(incident)
	return c, rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_AppendAndRead(t *testing.T) {
	svc, id := newTestService(t)
	h := NewHandler(svc)

	c, rec := eventsContext(http.MethodPost, id.String(), "",
		`{"type":"message","payload":{"text":"on my way"}}`, "responder")
	if err := h.AppendEvent(c); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var ev Event
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ID != 1 || ev.From.ID != "user-1" || ev.From.Role != "responder" || ev.From.Name != "Sam" {
		t.Fatalf("unexpected event %+v", ev)
	}

	c, rec = eventsContext(http.MethodGet, id.String(), "?since=0", "", "responder")
	if err := h.ReadEvents(c); err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Events) != 1 || batch.Now != 1 {
		t.Fatalf("expected one event and now=1, got %d events now=%d", len(batch.Events), batch.Now)
	}
}

func TestHandler_SinceNowReturnsHead(t *testing.T) {
	svc, id := newTestService(t)
	h := NewHandler(svc)
	for i := 0; i < 3; i++ {
		_, _ = svc.Append(context.Background(), &AppendRequest{IncidentID: id, Type: TypeMessage,
			From: civilian(), Payload: json.RawMessage(`{"text":"x"}`)})
	}

	c, rec := eventsContext(http.MethodGet, id.String(), "?since=now", "", "civilian")
	if err := h.ReadEvents(c); err != nil {
		t.Fatalf("read: %v", err)
	}
	var batch Batch
	_ = json.Unmarshal(rec.Body.Bytes(), &batch)
	if len(batch.Events) != 0 || batch.Now != 3 {
		t.Fatalf("expected no events and now=3, got %d events now=%d", len(batch.Events), batch.Now)
	}
}

func TestHandler_ReadBadQuery(t *testing.T) {
	svc, id := newTestService(t)
	h := NewHandler(svc)
	for _, q := range []string{"?since=-1", "?since=yesterday", "?limit=0", "?limit=abc"} {
		c, _ := eventsContext(http.MethodGet, id.String(), q, "", "civilian")
		if code := statusOf(t, h.ReadEvents(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, code)
		}
	}

	c, _ := eventsContext(http.MethodGet, "not-a-uuid", "", "", "civilian")
	if code := statusOf(t, h.ReadEvents(c)); code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	svc, id := newTestService(t)
	h := NewHandler(svc)

	c, _ := eventsContext(http.MethodPost, id.String(), "", `{"type":"location","payload":{"lat":200,"lng":0}}`, "civilian")
	if code := statusOf(t, h.AppendEvent(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("malformed: expected 422, got %d", code)
	}

	c, _ = eventsContext(http.MethodPost, uuid.NewString(), "", `{"type":"message","payload":{"text":"x"}}`, "civilian")
	if code := statusOf(t, h.AppendEvent(c)); code != http.StatusNotFound {
		t.Errorf("unknown incident: expected 404, got %d", code)
	}

	c, _ = eventsContext(http.MethodGet, uuid.NewString(), "", "", "civilian")
	if code := statusOf(t, h.ReadEvents(c)); code != http.StatusNotFound {
		t.Errorf("unknown incident read: expected 404, got %d", code)
	}

	c, _ = eventsContext(http.MethodPost, id.String(), "", `{"type":"status","payload":{"status":"closed"}}`, "dispatcher")
	if err := h.AppendEvent(c); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, _ = eventsContext(http.MethodPost, id.String(), "", `{"type":"message","payload":{"text":"x"}}`, "civilian")
	if code := statusOf(t, h.AppendEvent(c)); code != http.StatusConflict {
		t.Errorf("closed incident: expected 409, got %d", code)
	}

	c, _ = eventsContext(http.MethodPost, id.String(), "", `{"type":"message","payload":{"text":"x"}}`)
	if code := statusOf(t, h.AppendEvent(c)); code != http.StatusUnauthorized {
		t.Errorf("anonymous: expected 401, got %d", code)
	}
}

func TestHandler_IdempotencyHeader(t *testing.T) {
	svc, id := newTestService(t)
	h := NewHandler(svc)

	var ids []int64
	for i := 0; i < 2; i++ {
		c, rec := eventsContext(http.MethodPost, id.String(), "", `{"type":"message","payload":{"text":"retry me"}}`, "civilian")
		c.Request().Header.Set(IdempotencyHeader, "k-42")
		if err := h.AppendEvent(c); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		var ev Event
		_ = json.Unmarshal(rec.Body.Bytes(), &ev)
		ids = append(ids, ev.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("expected the retry to return the original event, got %v", ids)
	}
	if head, _ := svc.Head(context.Background(), id); head != 1 {
		t.Fatalf("expected one stored event, head=%d", head)
	}
}

func TestActorFromContext(t *testing.T) {
	ctx := auth.WithIdentity(context.Background(), "u-1", "Ana", []string{"responder", "elder"})

	a, err := ActorFromContext(ctx, Actor{})
	if err != nil || a.ID != "u-1" || a.Role != "responder" || a.Name != "Ana" {
		t.Fatalf("expected primary role default, got %+v %v", a, err)
	}

	a, err = ActorFromContext(ctx, Actor{Role: "elder"})
	if err != nil || a.Role != "elder" {
		t.Fatalf("expected claimed role elder, got %+v %v", a, err)
	}

	if _, err := ActorFromContext(ctx, Actor{Role: "physician"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for unheld role, got %v", err)
	}
	if _, err := ActorFromContext(ctx, Actor{ID: "someone-else"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for impersonation, got %v", err)
	}

	admin := auth.WithIdentity(context.Background(), "ops", "Ops", []string{"admin"})
	a, err = ActorFromContext(admin, Actor{ID: "relay-7", Role: "responder"})
	if err != nil || a.ID != "relay-7" || a.Role != "responder" {
		t.Fatalf("expected admin to act on behalf, got %+v %v", a, err)
	}
}
