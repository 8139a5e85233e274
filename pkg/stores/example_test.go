package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:",
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized")
	// Output: Store initialized
}

// ExampleSQLiteStore_NextSequence demonstrates recording a deployment and
// its status transitions.
func ExampleSQLiteStore_NextSequence() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	defer store.Close()

	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)

	seq, err := store.NextSequence(ctx, &stores.Deployment{Goal: engine.GoalDeployed})
	if err != nil {
		log.Fatal(err)
	}

	_ = store.WriteNodeStatus(ctx, seq, engine.NodeStatusUpdate{NodeID: "db", Status: engine.StatusDeployed})
	_ = store.WriteDeployStatus(ctx, seq, engine.StatusDeployed)

	d, _ := store.GetDeployment(ctx, seq)
	fmt.Printf("Deployment %d: %s\n", d.ID, d.Status)
	// Output: Deployment 1: deployed
}
