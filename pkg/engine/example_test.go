package engine_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/relation"
)

// service is a minimal resource for the examples.
type service struct {
	name string
	deps []relation.Dependency
}

func (s *service) ID() string        { return s.name }
func (s *service) String() string    { return s.name }
func (s *service) IsPrimitive() bool { return true }

func (s *service) DependsOn(_ engine.GoalStatus, h engine.Helpers) *engine.WaitInfo {
	if len(s.deps) == 0 {
		return nil
	}
	return &engine.WaitInfo{Description: "start " + s.name, DependsOn: h.AllOf(s.deps...)}
}

func (s *service) DeployedWhen(context.Context, engine.GoalStatus) (engine.WaitStatus, error) {
	return engine.Ready(), nil
}

// Example_execute deploys a database and an application that needs it.
// The application's action only runs once the database is deployed.
func Example_execute() {
	db := &service{name: "db"}
	app := &service{name: "app", deps: []relation.Dependency{db}}

	act := func(name string) engine.ActFunc {
		return func(context.Context) error {
			fmt.Println("running", name)
			return nil
		}
	}

	graph, err := engine.CreateExecutionPlan(engine.PlanOptions{
		Resources: []engine.Resource{db, app},
		Actions: []*engine.Action{
			{Description: "create db", Changes: []engine.Change{{Resource: db, Type: engine.ChangeCreate}}, Act: act("create db")},
			{Description: "create app", Changes: []engine.Change{{Resource: app, Type: engine.ChangeCreate}}, Act: act("create app")},
		},
		Series: nil,
		Goal:   engine.GoalDeployed,
	})
	if err != nil {
		log.Fatal(err)
	}

	result, err := engine.Execute(context.Background(), graph, engine.ExecuteOptions{
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("status:", result.Status)
	fmt.Println("deployed:", result.Counts[engine.StatusDeployed])
	// Output:
	// running create db
	// running create app
	// status: deployed
	// deployed: 4
}

// Example_cycle shows how a dependency cycle is reported before anything runs.
func Example_cycle() {
	g := engine.NewExecutionGraph()
	a, _ := g.AddResourceNode(&service{name: "a"}, engine.GoalDeployed)
	b, _ := g.AddResourceNode(&service{name: "b"}, engine.GoalDeployed)
	_ = g.AddHardDependency(a, b)
	_ = g.AddHardDependency(b, a)

	fmt.Println(g.Check())
	// Output:
	// [permanent] dependency cycles detected: a -> b -> a
}
