package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/deployer/pkg/engine"
)

// DeployObserver turns engine status events into metrics, span events and
// published events.
type DeployObserver struct {
	tel    *Telemetry
	dryRun bool
}

var _ engine.Observer = (*DeployObserver)(nil)

// NewDeployObserver returns an observer reporting to tel.
func NewDeployObserver(tel *Telemetry, dryRun bool) *DeployObserver {
	return &DeployObserver{tel: tel, dryRun: dryRun}
}

// OnEvent implements engine.Observer.
func (o *DeployObserver) OnEvent(ctx context.Context, ev engine.StatusEvent) {
	m, events := o.tel.Metrics, o.tel.Events
	log := o.tel.Logger.WithDeployID(ev.Sequence)

	switch ev.Type {
	case engine.EventTypeRunStarted:
		m.RecordDeployStarted(string(ev.To))
		o.publish(log, events.PublishDeployStarted(ev.Sequence, string(ev.To), o.dryRun))

	case engine.EventTypePassStarted:
		m.RecordPass()

	case engine.EventTypeNodeStatus:
		from := string(ev.From)
		if ev.From == engine.StatusInitial {
			from = ""
		}
		m.RecordNodeTransition(from, string(ev.To), ev.Primitive)
		AddNodeEvent(trace.SpanFromContext(ctx), ev.NodeID, string(ev.From), string(ev.To))
		o.publish(log, events.PublishNodeStatusChanged(ev.Sequence, ev.NodeID, string(ev.From), string(ev.To), ev.Error))

	case engine.EventTypeActionCompleted, engine.EventTypeActionFailed:
		var err error
		if ev.Type == engine.EventTypeActionFailed {
			err = errors.New(ev.Error)
		}
		m.RecordAction(err != nil, ev.Duration)
		o.tel.Tracer.RecordActionSpan(ctx, ev.NodeID, ev.Description, ev.Timestamp, ev.Duration, err)
		o.publish(log, events.PublishActionFinished(ev.Sequence, ev.NodeID, ev.Description, ev.Duration, ev.Error))

	case engine.EventTypeRunTimedOut:
		m.RecordTimeout()
		m.RecordError(string(engine.ErrorClassPermanent), engine.ErrCodeTimeout)
		o.publish(log, events.PublishDeployTimedOut(ev.Sequence))

	case engine.EventTypeRunCompleted:
		m.RecordDeployCompleted(string(ev.To), ev.Duration)
		o.publish(log, events.PublishDeployCompleted(ev.Sequence, string(ev.To), ev.Duration))
	}
}

func (o *DeployObserver) publish(log *Logger, err error) {
	if err != nil {
		log.WithError(err).Warn("failed to publish deployment event")
	}
}
