package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/logger"
)

func TestMemoryBusDeliversAndRejectsWhenFull(t *testing.T) {
	bus := NewMemoryBus(2)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, New(PluginRegistered, "p1", nil)))
	require.NoError(t, bus.Publish(ctx, New(PluginEnabled, "p1", nil)))
	err := bus.Publish(ctx, New(PluginDisabled, "p1", nil))
	assert.Equal(t, xerrors.CodePublishFailure, xerrors.CodeOf(err))
	assert.Equal(t, 2, bus.Len())

	var (
		mu   sync.Mutex
		seen []Type
	)
	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = bus.Consume(consumeCtx, 1, func(_ context.Context, e Event) error {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []Type{PluginRegistered, PluginEnabled}, seen)

	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(ctx, New(PluginRegistered, "p2", nil)))
}

type fakeChannel struct {
	declared  string
	kind      string
	published []amqp.Publishing
	keys      []string
	failWith  error
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared, f.kind = name, kind
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQPublisherRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newRabbitMQPublisher(ch, RabbitMQConfig{})
	require.NoError(t, err)
	assert.Equal(t, "openmcp.mesh.events", ch.declared)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)

	event := New(ServiceRegistered, "svc-1", map[string]any{"name": "echo"})
	require.NoError(t, p.Publish(context.Background(), event))
	require.Len(t, ch.published, 1)
	assert.Equal(t, "openmcp.mesh.events/service.registered", ch.keys[0])
	assert.Equal(t, event.ID, ch.published[0].MessageId)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	assert.Equal(t, "svc-1", decoded.Subject)
	assert.Equal(t, "echo", decoded.Payload["name"])

	ch.failWith = errors.New("channel closed")
	assert.Equal(t, xerrors.CodePublishFailure, xerrors.CodeOf(p.Publish(context.Background(), event)))

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestRedisPublisherReportsConnectionFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	p := NewRedisPublisher(client, "")
	assert.Equal(t, "openmcp:mesh:events:plugin.updated", p.Channel(PluginUpdated))
	err := p.Publish(context.Background(), New(PluginUpdated, "p1", nil))
	assert.Equal(t, xerrors.CodePublishFailure, xerrors.CodeOf(err))
	assert.NoError(t, p.Close())
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	logger.Use(logger.Discard())
	pub := &recordingPublisher{err: errors.New("broker down")}
	em := NewEmitter(pub)

	id := em.Emit(context.Background(), PluginRegistered, "p1", map[string]any{"version": "1.0.0"})
	assert.NotEmpty(t, id)
	require.Len(t, pub.events, 1)
	assert.Equal(t, id, pub.events[0].ID)

	var nilEmitter *Emitter
	assert.Empty(t, nilEmitter.Emit(context.Background(), PluginRegistered, "p1", nil))
	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
