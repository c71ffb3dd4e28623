package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-sync-hub/pkg/infra"
	"github.com/Guizzs26/go-sync-hub/pkg/metrics"
)

var errBrokerDown = errors.New("broker unavailable")

type publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	IsHealthy() bool
	Close() error
}

// Notifier publishes operational events and redials RabbitMQ lazily when the
// link drops. Redials are spaced by a jittered backoff; events published while
// waiting fail fast.
type Notifier struct {
	dial    func() (publisher, error)
	logger  *slog.Logger
	backoff *infra.Backoff
	now     func() time.Time

	mu        sync.Mutex
	client    publisher
	nextRetry time.Time
}

func NewNotifier(url string, logger *slog.Logger) *Notifier {
	return newNotifier(func() (publisher, error) {
		return NewRabbitMQClient(url, logger)
	}, logger)
}

func newNotifier(dial func() (publisher, error), logger *slog.Logger) *Notifier {
	return &Notifier{
		dial:    dial,
		logger:  logger,
		backoff: infra.NewBackoff(time.Second, time.Minute, 2.0),
		now:     time.Now,
	}
}

func (n *Notifier) Publish(ctx context.Context, routingKey string, payload any) error {
	client, err := n.current()
	if err != nil {
		return err
	}
	return client.Publish(ctx, routingKey, payload)
}

func (n *Notifier) current() (publisher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil && n.client.IsHealthy() {
		return n.client, nil
	}
	if n.now().Before(n.nextRetry) {
		return nil, errBrokerDown
	}
	if n.client != nil {
		n.client.Close()
		n.client = nil
		metrics.RabbitMQReconnections.Inc()
	}

	client, err := n.dial()
	if err != nil {
		wait := n.backoff.Next()
		n.nextRetry = n.now().Add(wait)
		n.logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)
		return nil, errors.Join(errBrokerDown, err)
	}
	n.backoff.Reset()
	n.client = client
	return client, nil
}

func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil {
		return nil
	}
	err := n.client.Close()
	n.client = nil
	return err
}
