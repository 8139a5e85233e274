package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/deployer/pkg/engine"
)

// stub is a resource that is deployed as soon as its action ran.
type stub struct{ id string }

func (s *stub) ID() string        { return s.id }
func (s *stub) String() string    { return s.id }
func (s *stub) IsPrimitive() bool { return true }

func (s *stub) DependsOn(engine.GoalStatus, engine.Helpers) *engine.WaitInfo { return nil }

func (s *stub) DeployedWhen(context.Context, engine.GoalStatus) (engine.WaitStatus, error) {
	return engine.Ready(), nil
}

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder, *collector) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	events := syncPublisher(t)
	c := &collector{}
	events.Subscribe(c.add, nil)

	tel := &Telemetry{
		Logger:  Nop(),
		Tracer:  NewTracerWithProvider(provider, "test"),
		Metrics: newTestMetrics(t),
		Events:  events,
		Config:  DefaultConfig(),
	}
	return tel, recorder, c
}

func TestDeployObserverReportsExecution(t *testing.T) {
	tel, recorder, c := newTestTelemetry(t)

	ok, bad := &stub{id: "ok"}, &stub{id: "bad"}
	g, err := engine.CreateExecutionPlan(engine.PlanOptions{
		Resources: []engine.Resource{ok, bad},
		Actions: []*engine.Action{
			{
				Description: "create ok",
				Changes:     []engine.Change{{Resource: ok, Type: engine.ChangeCreate}},
				Act:         func(context.Context) error { return nil },
			},
			{
				Description: "create bad",
				Changes:     []engine.Change{{Resource: bad, Type: engine.ChangeCreate}},
				Act:         func(context.Context) error { return errors.New("exit status 2") },
			},
		},
	})
	require.NoError(t, err)

	ctx := WithDeployContext(tel.WithContext(context.Background()), 5, "deployed", false)
	result, err := engine.Execute(ctx, g, engine.ExecuteOptions{
		SequenceID:   5,
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
		Observer:     NewDeployObserver(tel, false),
	})
	require.NoError(t, err)
	EndDeployContext(ctx, string(result.Status), nil)

	assert.Equal(t, engine.StatusFailed, result.Status)

	m := tel.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploysStarted.WithLabelValues("deployed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploysCompleted.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeDeploys))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsExecuted.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsExecuted.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodesByStatus.WithLabelValues("deployed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodesByStatus.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.nodesByStatus.WithLabelValues("waiting")))

	types := c.types()
	require.NotEmpty(t, types)
	assert.Equal(t, EventTypeDeployStarted, types[0])
	assert.Equal(t, EventTypeDeployFailed, types[len(types)-1])
	assert.Contains(t, types, EventTypeActionFailed)

	var actionSpans, deploySpans int
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "action.execute":
			actionSpans++
			assert.True(t, span.Parent().IsValid(), "action span should have the deploy span as parent")
		case "deploy.execute":
			deploySpans++
			assert.Equal(t, codes.Ok, span.Status().Code)
			assert.NotEmpty(t, span.Events())
		}
	}
	assert.Equal(t, 2, actionSpans)
	assert.Equal(t, 1, deploySpans)
}

func TestDeployObserverTimeout(t *testing.T) {
	tel, _, c := newTestTelemetry(t)
	obs := NewDeployObserver(tel, true)

	ctx := context.Background()
	obs.OnEvent(ctx, engine.StatusEvent{Type: engine.EventTypeRunStarted, Sequence: 9, To: engine.GoalDestroyed})
	obs.OnEvent(ctx, engine.StatusEvent{Type: engine.EventTypeRunTimedOut, Sequence: 9})
	obs.OnEvent(ctx, engine.StatusEvent{Type: engine.EventTypeRunCompleted, Sequence: 9, To: engine.StatusFailed})

	m := tel.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeTimeout)))
	assert.Equal(t, []string{EventTypeDeployStarted, EventTypeDeployTimedOut, EventTypeDeployFailed}, c.types())
	assert.Equal(t, true, c.events[0].Data["dry_run"])
	assert.Equal(t, "destroyed", c.events[0].Data["goal"])
}
