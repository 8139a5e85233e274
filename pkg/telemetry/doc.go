// Package telemetry provides observability for deployments.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and an in-process event publisher.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if srv := tel.StartMetricsServer(); srv != nil {
//	    defer srv.Close()
//	}
//
// Wrap a deployment and hand the observer to the engine:
//
//	ctx = telemetry.WithDeployContext(tel.WithContext(ctx), seq, "deployed", false)
//	result, err := engine.Execute(ctx, graph, engine.ExecuteOptions{
//	    SequenceID: seq,
//	    Logger:     tel.Logger.Zerolog(),
//	    Observer:   telemetry.NewDeployObserver(tel, false),
//	})
//	telemetry.EndDeployContext(ctx, string(result.Status), err)
//
// # Logging
//
//	logger := tel.Logger.NewComponentLogger("planner")
//	logger.WithDeployID(seq).WithNodeID("db").Info("node deployed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Metrics
//
// All metrics live on a registry of their own, served by Handler:
//
//   - deployments_started_total, deployments_completed_total
//   - deployment_duration_seconds, active_deployments
//   - execution_passes_total, deployment_timeouts_total
//   - node_transitions_total, nodes
//   - actions_executed_total, action_duration_seconds
//   - errors_by_class_total, errors_by_code_total
//   - policy_denials_total
//
// # Tracing
//
// A deployment produces one deploy.execute span. Node status changes are
// recorded as span events and every action becomes an action.execute child
// span.
//
// # Events
//
// Events are delivered to subscribers in publish order, synchronously or
// from a background goroutine when EnableAsync is set:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
