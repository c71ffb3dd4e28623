package service

import (
	"context"
	"time"

	"github.com/Guizzs26/go-sync-hub/internal/config"
	"github.com/Guizzs26/go-sync-hub/internal/models"
	"github.com/Guizzs26/go-sync-hub/internal/webhook"
)

// Settings are the engine knobs, usually derived from config.Config.
type Settings struct {
	BatchSize           int
	MaxDeliveryAttempts int
	DeliveryConcurrency int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	IdempotencyWindow   time.Duration
	LeaseTTL            time.Duration
	StaleDeliveryAfter  time.Duration
	SignatureMaxSkew    time.Duration
	Holder              string
}

func SettingsFromConfig(cfg *config.Config, holder string) Settings {
	return Settings{
		BatchSize:           cfg.BatchSize,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		DeliveryConcurrency: cfg.DeliveryConcurrency,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		RetryMaxDelay:       cfg.RetryMaxDelay,
		IdempotencyWindow:   cfg.IdempotencyWindow,
		LeaseTTL:            cfg.LeaseTTL,
		StaleDeliveryAfter:  cfg.StaleDeliveryAfter,
		Holder:              holder,
	}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.MaxDeliveryAttempts <= 0 {
		s.MaxDeliveryAttempts = 3
	}
	if s.DeliveryConcurrency <= 0 {
		s.DeliveryConcurrency = 1
	}
	if s.RetryBaseDelay < 0 {
		s.RetryBaseDelay = 0
	}
	if s.RetryMaxDelay < s.RetryBaseDelay {
		s.RetryMaxDelay = s.RetryBaseDelay
	}
	if s.IdempotencyWindow <= 0 {
		s.IdempotencyWindow = 10 * time.Second
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 10 * time.Minute
	}
	if s.StaleDeliveryAfter <= 0 {
		s.StaleDeliveryAfter = 15 * time.Minute
	}
	if s.SignatureMaxSkew <= 0 {
		s.SignatureMaxSkew = 5 * time.Minute
	}
	if s.Holder == "" {
		s.Holder = "go-sync-hub"
	}
	return s
}

// WebhookClient is the HTTP side of the engine. *webhook.Client implements it.
type WebhookClient interface {
	Deliver(ctx context.Context, sys models.ExternalSystem, event models.WebhookEvent) (webhook.Result, error)
	FetchChanges(ctx context.Context, sys models.ExternalSystem, since time.Time, limit int) ([]webhook.FeedItem, error)
	TestConnection(ctx context.Context, sys models.ExternalSystem) (webhook.Result, error)
}

// Notifier publishes operational events. Publishing is best effort.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, string, any) error { return nil }
