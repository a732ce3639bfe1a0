package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/relay"
)

var errNotConfirmed = errors.New("broker did not confirm the publish")

// AMQP hands events to the relay queue for the server to append when it
// can. It cannot read; the poller uses another link for that.
type AMQP struct {
	url   string
	queue string
	token string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url, queue, token string) *AMQP {
	if queue == "" {
		queue = relay.DefaultQueue
	}
	return &AMQP{url: url, queue: queue, token: token}
}

func (a *AMQP) Name() string { return "relay" }

// channel dials lazily and redials after the broker drops us, so a link
// that was down at startup is picked up once it comes back.
func (a *AMQP) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	if a.conn == nil || a.conn.IsClosed() {
		conn, err := amqp.Dial(a.url)
		if err != nil {
			return nil, fmt.Errorf("connect to relay broker: %w", err)
		}
		a.conn = conn
	}
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open relay channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(a.queue, true, false, false, false, relay.QueueArgs()); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare relay queue: %w", err)
	}
	a.ch = ch
	return ch, nil
}

// Append publishes the event persistently and waits for the broker's
// confirm. On success the broker has custody and nil is returned for the
// event, since its id is assigned later by the server.
func (a *AMQP) Append(ctx context.Context, req *eventlog.AppendRequest) (*eventlog.Event, error) {
	body, err := json.Marshal(relay.NewEnvelope(req, a.token))
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ClientKey,
		Timestamp:    time.Now().UTC(),
		Type:         req.Type,
		Body:         body,
	})
	if err != nil {
		return nil, fmt.Errorf("publish to relay: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("await relay confirm: %w", err)
	}
	if !ok {
		return nil, errNotConfirmed
	}
	return nil, nil
}

func (a *AMQP) Read(context.Context, uuid.UUID, int64, int) (*eventlog.Batch, error) {
	return nil, ErrUnsupported
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
