package audit

import (
	"context"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// EventAppender is the append-only slice of the event store
type EventAppender interface {
	AppendHealthEvent(ctx context.Context, event model.HealthEvent) error
	AppendScalingEvent(ctx context.Context, event model.ScalingEvent) error
}

// StoreSink persists events through an EventAppender, letting the
// history database sit behind the same sink contract as JetStream.
type StoreSink struct {
	store EventAppender
}

// NewStoreSink wraps an event store as a sink
func NewStoreSink(store EventAppender) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) PublishHealthEvent(ctx context.Context, event model.HealthEvent) error {
	return s.store.AppendHealthEvent(ctx, event)
}

func (s *StoreSink) PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error {
	return s.store.AppendScalingEvent(ctx, event)
}
