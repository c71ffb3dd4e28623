package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	healthy   bool
	published []string
	closed    bool
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	f.published = append(f.published, routingKey)
	return nil
}

func (f *fakePublisher) IsHealthy() bool { return f.healthy }
func (f *fakePublisher) Close() error    { f.closed = true; return nil }

func TestNotifierRedialsAfterLinkLoss(t *testing.T) {
	first := &fakePublisher{healthy: true}
	second := &fakePublisher{healthy: true}
	dials := []*fakePublisher{first, second}
	n := newNotifier(func() (publisher, error) {
		p := dials[0]
		dials = dials[1:]
		return p, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, n.Publish(context.Background(), "sync.cycle.completed", nil))
	first.healthy = false
	require.NoError(t, n.Publish(context.Background(), "sync.record.failed", nil))

	assert.Equal(t, []string{"sync.cycle.completed"}, first.published)
	assert.True(t, first.closed)
	assert.Equal(t, []string{"sync.record.failed"}, second.published)
}

func TestNotifierFailsFastDuringBackoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calls := 0
	n := newNotifier(func() (publisher, error) {
		calls++
		return nil, errors.New("connection refused")
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.now = func() time.Time { return now }

	err := n.Publish(context.Background(), "x", nil)
	require.ErrorIs(t, err, errBrokerDown)
	err = n.Publish(context.Background(), "x", nil)
	require.ErrorIs(t, err, errBrokerDown)
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	_ = n.Publish(context.Background(), "x", nil)
	assert.Equal(t, 2, calls)
}
