package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/auth"
	"github.com/responsegrid/coord/internal/platform/metrics"
)

// Disposition is what to tell the broker about a delivery.
type Disposition int

const (
	Ack Disposition = iota
	// Reject drops a message that can never be appended.
	Reject
	// Requeue hands the message back for another try.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	}
	return "requeue"
}

// Verifier turns an envelope token into an identity. Nil trusts the
// envelope's From, which is only acceptable in development.
type Verifier func(token string) (*auth.Claims, error)

// JWTVerifier checks tokens with the same settings as the HTTP API.
func JWTVerifier(cfg auth.JWTConfig) Verifier {
	return func(token string) (*auth.Claims, error) {
		return auth.ParseToken(cfg, token)
	}
}

// QueueArgs are the arguments every declaration of the relay queue uses.
// A single active consumer keeps deliveries in publish order across server
// replicas.
func QueueArgs() amqp.Table {
	return amqp.Table{"x-single-active-consumer": true}
}

// Consumer appends relayed events to the log. Appends are idempotent by
// client key, so a redelivered message is harmless. Messages are handled
// one at a time: a requeued message goes back to the head of the queue and
// nothing published after it is appended first.
type Consumer struct {
	log        eventlog.Appender
	verify     Verifier
	metrics    *metrics.Metrics
	retryDelay time.Duration
	logger     zerolog.Logger
}

func NewConsumer(log eventlog.Appender, verify Verifier, logger zerolog.Logger) *Consumer {
	return &Consumer{
		log:        log,
		verify:     verify,
		retryDelay: time.Second,
		logger:     logger.With().Str("component", "relay").Logger(),
	}
}

func (c *Consumer) SetMetrics(m *metrics.Metrics) { c.metrics = m }

var errUnverified = errors.New("relay envelope identity does not match its token")

// identity fills in the sender the same way the HTTP API would: the token
// names the actor, and any claimed role must be one the token grants.
func (c *Consumer) identity(env *Envelope) (eventlog.Actor, error) {
	if c.verify == nil {
		return env.From, nil
	}
	claims, err := c.verify(env.Token)
	if err != nil {
		return eventlog.Actor{}, err
	}
	if env.From.ID != "" && env.From.ID != claims.Subject {
		return eventlog.Actor{}, errUnverified
	}
	actor := eventlog.Actor{ID: claims.Subject, Name: claims.Name, Role: env.From.Role}
	if actor.Role == "" && len(claims.Roles) > 0 {
		actor.Role = claims.Roles[0]
	}
	if !holds(claims.Roles, actor.Role) {
		return eventlog.Actor{}, errUnverified
	}
	if env.From.Name != "" {
		actor.Name = env.From.Name
	}
	return actor, nil
}

func holds(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || r == auth.RoleAdmin {
			return true
		}
	}
	return false
}

// Handle appends one message body and says what to do with the delivery.
func (c *Consumer) Handle(ctx context.Context, body []byte) Disposition {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error().Err(err).Msg("undecodable relay message")
		return c.settle(Reject)
	}
	log := c.logger.With().Str("incident_id", env.IncidentID.String()).Str("client_key", env.ClientKey).
		Str("type", env.Type).Logger()

	actor, err := c.identity(&env)
	if err != nil {
		log.Warn().Err(err).Str("actor", env.From.ID).Msg("relay message rejected")
		return c.settle(Reject)
	}
	req := env.Request()
	req.From = actor

	ev, err := c.log.Append(ctx, req)
	switch {
	case err == nil:
		log.Debug().Int64("id", ev.ID).Msg("relayed event appended")
		return c.settle(Ack)
	case eventlog.IsValidation(err),
		errors.Is(err, eventlog.ErrIncidentClosed),
		errors.Is(err, eventlog.ErrIncidentNotFound),
		errors.Is(err, eventlog.ErrForbidden):
		log.Warn().Err(err).Msg("relayed event refused")
		return c.settle(Reject)
	}
	log.Error().Err(err).Msg("relayed event not appended, requeueing")
	return c.settle(Requeue)
}

func (c *Consumer) settle(d Disposition) Disposition {
	if c.metrics != nil {
		c.metrics.RelayDeliveries.WithLabelValues(d.String()).Inc()
	}
	return d
}

// Run consumes queue until ctx ends or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, conn *amqp.Connection, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open relay channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, QueueArgs()); err != nil {
		return fmt.Errorf("declare relay queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set relay prefetch: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "coord-server", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume relay queue: %w", err)
	}
	c.logger.Info().Str("queue", queue).Msg("relay consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay channel closed by broker")
			}
			var ackErr error
			switch c.Handle(ctx, d.Body) {
			case Ack:
				ackErr = d.Ack(false)
			case Reject:
				ackErr = d.Reject(false)
			case Requeue:
				select {
				case <-ctx.Done():
				case <-time.After(c.retryDelay):
				}
				ackErr = d.Nack(false, true)
			}
			if ackErr != nil {
				return fmt.Errorf("settle relay delivery: %w", ackErr)
			}
		}
	}
}
