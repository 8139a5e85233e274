package engine

import "context"

// StatusSink persists status transitions of a run. Writes are skipped
// entirely in dry-run mode.
type StatusSink interface {
	// WriteNodeStatus records one node status transition.
	WriteNodeStatus(ctx context.Context, sequenceID int64, update NodeStatusUpdate) error

	// WriteDeployStatus records the aggregate status of the run.
	WriteDeployStatus(ctx context.Context, sequenceID int64, status DeployStatus) error
}

// Observer receives status events as they happen. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	OnEvent(ctx context.Context, event StatusEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event StatusEvent)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(ctx context.Context, event StatusEvent) {
	f(ctx, event)
}
