package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
)

// ErrNotFound is returned, wrapped, when a record does not exist.
var ErrNotFound = errors.New("not found")

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Deployment is one run of the engine. Its ID is the sequence number
// passed to the engine.
type Deployment struct {
	ID           int64               `json:"id"`
	Goal         engine.GoalStatus   `json:"goal"`
	Status       engine.DeployStatus `json:"status"`
	DryRun       bool                `json:"dry_run"`
	ManifestPath string              `json:"manifest_path"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Error        *string             `json:"error,omitempty"`
}

// NodeStatus is the last recorded status of a node in a deployment.
type NodeStatus struct {
	DeployID    int64               `json:"deploy_id"`
	NodeID      string              `json:"node_id"`
	Status      engine.DeployStatus `json:"status"`
	Description string              `json:"description"`
	Error       *string             `json:"error,omitempty"`
	Primitive   bool                `json:"primitive"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// ResourceState is the configuration a resource was last deployed with.
type ResourceState struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Config       string    `json:"config"` // JSON blob
	Hash         string    `json:"hash"`   // SHA256 of Config
	LastDeployID int64     `json:"last_deploy_id"`
	LastApplied  time.Time `json:"last_applied"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	DeployID  *int64     `json:"deploy_id,omitempty"`
	NodeID    *string    `json:"node_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer. Every Store is an
// engine.StatusSink.
type Store interface {
	engine.StatusSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Deployments
	NextSequence(ctx context.Context, d *Deployment) (int64, error)
	GetDeployment(ctx context.Context, id int64) (*Deployment, error)
	LatestDeployment(ctx context.Context) (*Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error)
	FailDeployment(ctx context.Context, id int64, reason string) error

	// Node status
	ListNodeStatuses(ctx context.Context, deployID int64) ([]*NodeStatus, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, deployID *int64, level *EventLevel, limit, offset int) ([]*Event, error)

	// Deployed resource state
	RecordDeployedState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, id string) (*ResourceState, error)
	ListResourceStates(ctx context.Context) ([]*ResourceState, error)
	DeleteResourceState(ctx context.Context, id string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
