// Package relay carries events from field devices that reach the server
// through a message broker instead of HTTP.
package relay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/responsegrid/coord/internal/domain/eventlog"
)

// DefaultQueue is the durable queue agents publish to.
const DefaultQueue = "coord.relay"

// Envelope is one queued append. Token is the sender's bearer token; the
// consumer verifies it the way the HTTP API would.
type Envelope struct {
	IncidentID uuid.UUID       `json:"incidentId"`
	Type       string          `json:"type"`
	From       eventlog.Actor  `json:"from"`
	Payload    json.RawMessage `json:"payload"`
	ClientAt   *time.Time      `json:"clientAt,omitempty"`
	ClientKey  string          `json:"clientKey"`
	Token      string          `json:"token,omitempty"`
}

func NewEnvelope(req *eventlog.AppendRequest, token string) *Envelope {
	return &Envelope{
		IncidentID: req.IncidentID,
		Type:       req.Type,
		From:       req.From,
		Payload:    req.Payload,
		ClientAt:   req.ClientAt,
		ClientKey:  req.ClientKey,
		Token:      token,
	}
}

func (e *Envelope) Request() *eventlog.AppendRequest {
	return &eventlog.AppendRequest{
		IncidentID: e.IncidentID,
		Type:       e.Type,
		From:       e.From,
		Payload:    e.Payload,
		ClientAt:   e.ClientAt,
		ClientKey:  e.ClientKey,
	}
}
