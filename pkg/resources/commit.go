package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/stores"
)

// Commit records the outcome of an executed plan: resources that reached
// their deploy goal are stored with the configuration they were deployed
// with, destroyed ones are forgotten. Failed and unchanged resources keep
// their previous record. Dry runs commit nothing.
func Commit(ctx context.Context, state StateStore, plan *Plan, result *engine.ExecuteResult) error {
	if result == nil || result.DryRun {
		return nil
	}

	var errs []error
	for _, c := range plan.Changes {
		if c.Type == engine.ChangeNone {
			continue
		}
		node, ok := result.Summary.Nodes[c.Resource.ID()]
		if !ok {
			continue
		}

		switch {
		case c.Type == engine.ChangeDelete && node.Status == engine.StatusDestroyed:
			if err := state.DeleteResourceState(ctx, c.Resource.ID()); err != nil && !errors.Is(err, stores.ErrNotFound) {
				errs = append(errs, err)
			}

		case c.Type != engine.ChangeDelete && node.Status == engine.StatusDeployed:
			cfg := c.Resource.Config()
			data, err := json.Marshal(cfg)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to encode %s: %w", cfg.ID, err))
				continue
			}
			err = state.RecordDeployedState(ctx, &stores.ResourceState{
				ID:           cfg.ID,
				Kind:         string(cfg.Kind()),
				Config:       string(data),
				Hash:         c.Resource.Hash(),
				LastDeployID: result.SequenceID,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
