package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a deployment event delivered to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	DeployID int64  `json:"deploy_id,omitempty"`
	NodeID   string `json:"node_id,omitempty"`

	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeDeployStarted     = "deploy.started"
	EventTypeDeployCompleted   = "deploy.completed"
	EventTypeDeployFailed      = "deploy.failed"
	EventTypeDeployTimedOut    = "deploy.timed_out"
	EventTypeNodeStatusChanged = "node.status_changed"
	EventTypeActionCompleted   = "action.completed"
	EventTypeActionFailed      = "action.failed"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles delivered events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers, in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. With EnableAsync set a background
// goroutine delivers events in batches until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish stamps and delivers an event. In async mode a full buffer drops
// the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishDeployStarted publishes a deployment start.
func (ep *EventPublisher) PublishDeployStarted(seq int64, goal string, dryRun bool) error {
	return ep.Publish(Event{
		Type:     EventTypeDeployStarted,
		DeployID: seq,
		Message:  fmt.Sprintf("Deployment %d started with goal %s", seq, goal),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"goal":    goal,
			"dry_run": dryRun,
		},
	})
}

// PublishDeployCompleted publishes the end of a deployment. A failed
// deployment is published as deploy.failed.
func (ep *EventPublisher) PublishDeployCompleted(seq int64, status string, duration time.Duration) error {
	ev := Event{
		Type:     EventTypeDeployCompleted,
		DeployID: seq,
		Message:  fmt.Sprintf("Deployment %d finished with status %s", seq, status),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	if status == "failed" {
		ev.Type = EventTypeDeployFailed
		ev.Level = EventLevelError
	}
	return ep.Publish(ev)
}

// PublishDeployTimedOut publishes a deployment that hit its deadline.
func (ep *EventPublisher) PublishDeployTimedOut(seq int64) error {
	return ep.Publish(Event{
		Type:     EventTypeDeployTimedOut,
		DeployID: seq,
		Message:  fmt.Sprintf("Deployment %d timed out", seq),
		Level:    EventLevelWarning,
	})
}

// PublishNodeStatusChanged publishes a node status transition.
func (ep *EventPublisher) PublishNodeStatusChanged(seq int64, nodeID, from, to, errMsg string) error {
	ev := Event{
		Type:     EventTypeNodeStatusChanged,
		DeployID: seq,
		NodeID:   nodeID,
		Message:  fmt.Sprintf("Node %s changed from %s to %s", nodeID, from, to),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"from": from,
			"to":   to,
		},
	}
	if errMsg != "" {
		ev.Level = EventLevelError
		ev.Data["error"] = errMsg
	}
	return ep.Publish(ev)
}

// PublishActionFinished publishes the outcome of an action.
func (ep *EventPublisher) PublishActionFinished(seq int64, nodeID, description string, duration time.Duration, errMsg string) error {
	ev := Event{
		Type:     EventTypeActionCompleted,
		DeployID: seq,
		NodeID:   nodeID,
		Message:  fmt.Sprintf("Action %q completed", description),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"duration": duration.Seconds(),
		},
	}
	if errMsg != "" {
		ev.Type = EventTypeActionFailed
		ev.Level = EventLevelError
		ev.Message = fmt.Sprintf("Action %q failed: %s", description, errMsg)
		ev.Data["error"] = errMsg
	}
	return ep.Publish(ev)
}

// PublishPolicyViolation publishes a plan rejected by policy.
func (ep *EventPublisher) PublishPolicyViolation(resourceID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		NodeID:  resourceID,
		Message: fmt.Sprintf("Policy violation on %s: %s - %s", resourceID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]any{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AddFilter adds a filter applied before any subscriber.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in batches, flushing a partial
// batch after FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers the buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByDeployID allows events of one deployment.
func FilterByDeployID(seq int64) EventFilter {
	return func(event Event) bool {
		return event.DeployID == seq
	}
}

// FilterByNodeID allows events of one node.
func FilterByNodeID(nodeID string) EventFilter {
	return func(event Event) bool {
		return event.NodeID == nodeID
	}
}
