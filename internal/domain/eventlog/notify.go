package eventlog

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/platform/websocket"
)

// HubNotifier pushes each stored event to the incident's websocket topic.
type HubNotifier struct {
	hub    *websocket.Hub
	logger zerolog.Logger
}

func NewHubNotifier(hub *websocket.Hub, logger zerolog.Logger) *HubNotifier {
	return &HubNotifier{hub: hub, logger: logger}
}

func (n *HubNotifier) Notify(ctx context.Context, ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Msg("marshal event for push")
		return
	}
	id := ev.IncidentID.String()
	err = n.hub.Publish(ctx, websocket.Notice{
		Type:       "event.appended",
		Topic:      websocket.IncidentTopic(id),
		IncidentID: id,
		Cursor:     ev.ID,
		Timestamp:  ev.At,
		Data:       data,
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("incident_id", id).Msg("push failed")
	}
}
