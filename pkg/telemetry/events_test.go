package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func syncPublisher(t *testing.T) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 10})
	require.NoError(t, err)
	return ep
}

func TestPublishDeliversInOrder(t *testing.T) {
	ep := syncPublisher(t)
	c := &collector{}
	ep.Subscribe(c.add, nil)

	require.NoError(t, ep.PublishDeployStarted(3, "deployed", false))
	require.NoError(t, ep.PublishNodeStatusChanged(3, "db", "waiting", "deploying", ""))
	require.NoError(t, ep.PublishActionFinished(3, "action:1", "create db", time.Second, "exit status 1"))
	require.NoError(t, ep.PublishDeployCompleted(3, "failed", 2*time.Second))

	assert.Equal(t, []string{
		EventTypeDeployStarted,
		EventTypeNodeStatusChanged,
		EventTypeActionFailed,
		EventTypeDeployFailed,
	}, c.types())

	first := c.events[0]
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, "engine", first.Source)
	assert.Equal(t, int64(3), first.DeployID)
	assert.Equal(t, EventLevelError, c.events[2].Level)
	assert.Equal(t, "exit status 1", c.events[2].Data["error"])
}

func TestPublishFilters(t *testing.T) {
	ep := syncPublisher(t)
	errorsOnly := &collector{}
	dbOnly := &collector{}
	ep.Subscribe(errorsOnly.add, FilterByLevel(EventLevelError))
	ep.Subscribe(dbOnly.add, FilterByNodeID("db"))
	ep.AddFilter(FilterByDeployID(1))

	require.NoError(t, ep.PublishNodeStatusChanged(1, "db", "waiting", "deployed", ""))
	require.NoError(t, ep.PublishNodeStatusChanged(1, "web", "waiting", "failed", "boom"))
	require.NoError(t, ep.PublishNodeStatusChanged(2, "db", "waiting", "failed", "other deployment"))

	require.Len(t, errorsOnly.events, 1)
	assert.Equal(t, "web", errorsOnly.events[0].NodeID)
	require.Len(t, dbOnly.events, 1)
	assert.Equal(t, int64(1), dbOnly.events[0].DeployID)

	typed := FilterByType(EventTypeDeployStarted)
	assert.True(t, typed(Event{Type: EventTypeDeployStarted}))
	assert.False(t, typed(Event{Type: EventTypeDeployFailed}))
}

func TestAsyncPublisherFlushesOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  50,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	c := &collector{}
	ep.Subscribe(c.add, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, ep.PublishDeployTimedOut(int64(i)))
	}

	require.NoError(t, ep.Shutdown(context.Background()))
	require.Len(t, c.types(), 10)
	for i, ev := range c.events {
		assert.Equal(t, int64(i), ev.DeployID)
	}
	assert.Error(t, ep.PublishDeployTimedOut(99))
}

func TestAsyncPublisherDropsWhenFull(t *testing.T) {
	ep := &EventPublisher{
		config: EventsConfig{Enabled: true, EnableAsync: true},
		buffer: make(chan Event, 1),
	}
	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	defer ep.cancel()

	require.NoError(t, ep.Publish(Event{Type: "a"}))
	err := ep.Publish(Event{Type: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event b dropped")
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, ep.PublishDeployStarted(1, "deployed", true))
	assert.NoError(t, ep.Shutdown(context.Background()))
}
