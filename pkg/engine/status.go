package engine

import (
	"encoding/json"
	"fmt"
)

// DeployStatus is the lifecycle status of a node during a run.
type DeployStatus string

const (
	// StatusInitial indicates the node has not been scheduled yet.
	StatusInitial DeployStatus = "initial"

	// StatusWaiting indicates the node is blocked on its dependencies.
	StatusWaiting DeployStatus = "waiting"

	// StatusDeploying indicates the node's action or readiness check is running.
	StatusDeploying DeployStatus = "deploying"

	// StatusProxyDeploying indicates a resource whose action is running on
	// its behalf. Displayed as deploying.
	StatusProxyDeploying DeployStatus = "proxy_deploying"

	// StatusDeployed indicates the node reached the deploy goal.
	StatusDeployed DeployStatus = "deployed"

	// StatusDestroyed indicates the node reached the destroy goal.
	StatusDestroyed DeployStatus = "destroyed"

	// StatusFailed indicates the node failed.
	StatusFailed DeployStatus = "failed"
)

// AllDeployStatuses lists every status in lifecycle order.
var AllDeployStatuses = []DeployStatus{
	StatusInitial, StatusWaiting, StatusDeploying, StatusProxyDeploying,
	StatusDeployed, StatusDestroyed, StatusFailed,
}

// IsTerminal returns true if no further transition is allowed from s.
func (s DeployStatus) IsTerminal() bool {
	return s == StatusDeployed || s == StatusDestroyed || s == StatusFailed
}

// IsSuccess returns true if s is a terminal success status.
func (s DeployStatus) IsSuccess() bool {
	return s == StatusDeployed || s == StatusDestroyed
}

// IsActive returns true if the node is being worked on.
func (s DeployStatus) IsActive() bool {
	return s == StatusDeploying || s == StatusProxyDeploying
}

// Display returns the status shown to users. ProxyDeploying reads as deploying.
func (s DeployStatus) Display() DeployStatus {
	if s == StatusProxyDeploying {
		return StatusDeploying
	}
	return s
}

// Validate checks if the status is valid.
func (s DeployStatus) Validate() error {
	for _, v := range AllDeployStatuses {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("invalid deploy status: %s", s)
}

// GoalStatus is the terminal success status a node is driven towards.
type GoalStatus = DeployStatus

const (
	// GoalDeployed drives a node towards StatusDeployed.
	GoalDeployed GoalStatus = StatusDeployed

	// GoalDestroyed drives a node towards StatusDestroyed.
	GoalDestroyed GoalStatus = StatusDestroyed
)

// ValidateGoal checks that g is one of the two goal statuses.
func ValidateGoal(g GoalStatus) error {
	if g != GoalDeployed && g != GoalDestroyed {
		return fmt.Errorf("invalid goal status: %s", g)
	}
	return nil
}

// ChangeType is the kind of change an action makes to a resource.
type ChangeType string

const (
	// ChangeCreate indicates a new resource is created.
	ChangeCreate ChangeType = "create"

	// ChangeModify indicates an existing resource is changed in place.
	ChangeModify ChangeType = "modify"

	// ChangeReplace indicates a resource is destroyed and created again.
	ChangeReplace ChangeType = "replace"

	// ChangeDelete indicates a resource is removed.
	ChangeDelete ChangeType = "delete"

	// ChangeNone indicates the resource is unchanged.
	ChangeNone ChangeType = "none"
)

// IsDestructive returns true if the change removes the resource.
func (c ChangeType) IsDestructive() bool {
	return c == ChangeDelete
}

// Validate checks if the change type is valid.
func (c ChangeType) Validate() error {
	switch c {
	case ChangeCreate, ChangeModify, ChangeReplace, ChangeDelete, ChangeNone:
		return nil
	default:
		return fmt.Errorf("invalid change type: %s", c)
	}
}

// EventType represents the type of a status event.
type EventType string

const (
	// EventTypeRunStarted is emitted when execution begins.
	EventTypeRunStarted EventType = "run.started"

	// EventTypePassStarted is emitted at the start of every pass.
	EventTypePassStarted EventType = "pass.started"

	// EventTypeNodeStatus is emitted on every node status transition.
	EventTypeNodeStatus EventType = "node.status"

	// EventTypeActionCompleted is emitted when an action returns successfully.
	EventTypeActionCompleted EventType = "action.completed"

	// EventTypeActionFailed is emitted when an action returns an error.
	EventTypeActionFailed EventType = "action.failed"

	// EventTypeRunTimedOut is emitted when the run deadline expires.
	EventTypeRunTimedOut EventType = "run.timed_out"

	// EventTypeRunCompleted is emitted when execution finishes.
	EventTypeRunCompleted EventType = "run.completed"
)

// MarshalJSON implements custom JSON marshaling for DeployStatus.
func (s DeployStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling for DeployStatus.
func (s *DeployStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := DeployStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling for ChangeType.
func (c *ChangeType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	ct := ChangeType(str)
	if err := ct.Validate(); err != nil {
		return err
	}
	*c = ct
	return nil
}
