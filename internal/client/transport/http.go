package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/incident"
	"github.com/responsegrid/coord/internal/platform/auth"
)

// HTTP talks to the server's REST API.
type HTTP struct {
	name    string
	baseURL string
	token   string
	actor   eventlog.Actor
	client  *http.Client
}

type HTTPOption func(*HTTP)

// WithToken authenticates with a bearer token.
func WithToken(token string) HTTPOption {
	return func(h *HTTP) { h.token = token }
}

// WithDevIdentity sends the X-Actor-* headers understood by a server
// running in development auth mode.
func WithDevIdentity(actor eventlog.Actor) HTTPOption {
	return func(h *HTTP) { h.actor = actor }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithName labels the link, e.g. "lte" or "mesh".
func WithName(name string) HTTPOption {
	return func(h *HTTP) { h.name = name }
}

func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		name:    "http",
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) eventsURL(incidentID uuid.UUID) string {
	return fmt.Sprintf("%s/api/v1/incidents/%s/events", h.baseURL, incidentID)
}

func (h *HTTP) Append(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode append: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.eventsURL(req.IncidentID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ClientKey != "" {
		httpReq.Header.Set(eventlog.IdempotencyHeader, req.ClientKey)
	}

	var ev eventlog.Event
	if err := h.do(httpReq, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (h *HTTP) Read(ctx context.Context, incidentID uuid.UUID, since int64, limit int) (*eventlog.Batch, error) {
	q := url.Values{}
	if since == SinceNow {
		q.Set("since", "now")
	} else {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.eventsURL(incidentID)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var batch eventlog.Batch
	if err := h.do(httpReq, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// CheckIn submits a safety check-in. Set req.ID before the first try so
// that resubmitting after a lost answer reaches the same incident.
func (h *HTTP) CheckIn(ctx context.Context, req incident.CheckInRequest) (*incident.CheckIn, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode check-in: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/v1/check-ins", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var ci incident.CheckIn
	if err := h.do(httpReq, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

func (h *HTTP) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	} else if h.actor.ID != "" {
		req.Header.Set(auth.HeaderActorID, h.actor.ID)
		req.Header.Set(auth.HeaderActorRole, h.actor.Role)
		if h.actor.Name != "" {
			req.Header.Set(auth.HeaderActorName, h.actor.Name)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage pulls the message out of an echo error body.
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(data))
}
