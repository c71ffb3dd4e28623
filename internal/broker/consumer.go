package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-sync-hub/internal/common"
	"github.com/Guizzs26/go-sync-hub/internal/service"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

const (
	QueueTriggers      = "sync.triggers"
	TriggerBindingKey  = "sync.trigger.*"
	triggerRoutePrefix = "sync.trigger."
)

// Syncer is the part of the orchestrator a trigger can start.
type Syncer interface {
	UploadPending(ctx context.Context) (service.SyncReport, error)
	DownloadChanges(ctx context.Context, since *time.Time) (service.SyncReport, error)
	FullSync(ctx context.Context, since *time.Time) (service.FullSyncReport, error)
}

// Trigger asks for a sync run. Kind comes from the routing key suffix
// (upload, download or full); the body is optional.
type Trigger struct {
	Kind  string     `json:"kind"`
	Since *time.Time `json:"since,omitempty"`
}

// errMalformed marks messages that can never succeed.
var errMalformed = errors.New("malformed trigger")

// ParseTrigger reads a trigger from its routing key and body.
func ParseTrigger(routingKey string, body []byte) (Trigger, error) {
	var t Trigger
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &t); err != nil {
			return t, fmt.Errorf("%w: %v", errMalformed, err)
		}
	}
	if kind, ok := strings.CutPrefix(routingKey, triggerRoutePrefix); ok && kind != "" {
		t.Kind = kind
	}
	switch t.Kind {
	case "upload", "download", "full":
		return t, nil
	}
	return t, fmt.Errorf("%w: unknown kind %q", errMalformed, t.Kind)
}

// TriggerConsumer runs sync operations requested through the broker
type TriggerConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	syncer  Syncer
	logger  *slog.Logger
}

// NewTriggerConsumer opens a dedicated connection for consuming triggers
func NewTriggerConsumer(url string, syncer Syncer, logger *slog.Logger) (*TriggerConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1, a sync run is heavy and runs one at a time
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &TriggerConsumer{conn: conn, channel: ch, syncer: syncer, logger: logger}, nil
}

// Listen starts the consumption loop and handles the queue/exchange binding
func (c *TriggerConsumer) Listen(ctx context.Context) error {
	if err := declareExchange(c.channel); err != nil {
		return err
	}

	// Declare Queue with durability to survive broker restarts
	q, err := c.channel.QueueDeclare(QueueTriggers, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}
	if err := c.channel.QueueBind(q.Name, TriggerBindingKey, ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Trigger consumer is online and waiting for messages", "queue", q.Name, "routing_key", TriggerBindingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			err := c.Handle(ctx, d.RoutingKey, d.Body)
			switch {
			case err == nil:
				if err := d.Ack(false); err != nil {
					c.logger.Error("Failed to Ack message", "routing_key", d.RoutingKey, "error", err)
				}
			case errors.Is(err, errMalformed):
				d.Nack(false, false) // Drop malformed messages
			default:
				time.Sleep(5 * time.Second) // Throttling retries
				d.Nack(false, true)         // Requeue for another attempt
			}
		}
	}
}

// Handle runs one trigger. A run rejected because the same sync is already
// in progress counts as handled.
func (c *TriggerConsumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	t, err := ParseTrigger(routingKey, body)
	if err != nil {
		c.logger.Error("Dropping malformed trigger", "routing_key", routingKey, "error", err)
		metrics.TriggersConsumed.WithLabelValues("invalid", "dropped").Inc()
		return err
	}

	switch t.Kind {
	case "upload":
		_, err = c.syncer.UploadPending(ctx)
	case "download":
		_, err = c.syncer.DownloadChanges(ctx, t.Since)
	case "full":
		_, err = c.syncer.FullSync(ctx, t.Since)
	}

	switch {
	case err == nil:
		metrics.TriggersConsumed.WithLabelValues(t.Kind, "ok").Inc()
		return nil
	case errors.Is(err, common.ErrSyncInProgress) && !errors.Is(err, common.ErrBookkeeping):
		c.logger.Info("Trigger skipped, sync already in progress", "kind", t.Kind)
		metrics.TriggersConsumed.WithLabelValues(t.Kind, "busy").Inc()
		return nil
	}
	c.logger.Error("Triggered sync failed, requeueing", "kind", t.Kind, "error", err)
	metrics.TriggersConsumed.WithLabelValues(t.Kind, "error").Inc()
	return err
}

// Close gracefully terminates RabbitMQ resources
func (c *TriggerConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
