package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

const (
	healthStreamName  = "HEALTH_EVENTS"
	healthSubject     = "health.event"
	scalingStreamName = "SCALING_EVENTS"
	scalingSubject    = "scaling.event"

	streamMaxAge = 7 * 24 * time.Hour
)

// Sink forwards health and scaling events for observability. Sink
// failures must never be fatal to the orchestration core; callers log
// and continue.
type Sink interface {
	PublishHealthEvent(ctx context.Context, event model.HealthEvent) error
	PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error
}

// JetStreamSink publishes events to NATS JetStream streams
type JetStreamSink struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewJetStreamSink creates the sink and ensures its streams exist
func NewJetStreamSink(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamSink, error) {
	sink := &JetStreamSink{
		logger: logger.Named("audit-sink"),
		js:     js,
	}

	if err := sink.ensureStream(healthStreamName, healthSubject+".*"); err != nil {
		return nil, err
	}
	if err := sink.ensureStream(scalingStreamName, scalingSubject+".*"); err != nil {
		return nil, err
	}

	return sink, nil
}

func (s *JetStreamSink) ensureStream(name, subject string) error {
	_, err := s.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info for %s: %w", name, err)
	}

	_, err = s.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}

	s.logger.Info("Created audit stream", zap.String("name", name))
	return nil
}

// PublishHealthEvent publishes one health event keyed by node id
func (s *JetStreamSink) PublishHealthEvent(ctx context.Context, event model.HealthEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal health event: %w", err)
	}

	if _, err := s.js.Publish(healthSubject+"."+event.NodeID, data); err != nil {
		return fmt.Errorf("failed to publish health event: %w", err)
	}
	return nil
}

// PublishScalingEvent publishes one scaling event keyed by trigger type
func (s *JetStreamSink) PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal scaling event: %w", err)
	}

	if _, err := s.js.Publish(scalingSubject+"."+string(event.Trigger.Type), data); err != nil {
		return fmt.Errorf("failed to publish scaling event: %w", err)
	}
	return nil
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) PublishHealthEvent(ctx context.Context, event model.HealthEvent) error   { return nil }
func (NopSink) PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error { return nil }

// MultiSink fans events out to several sinks. Every sink is attempted;
// the first error is returned after the fan-out completes.
type MultiSink []Sink

func (m MultiSink) PublishHealthEvent(ctx context.Context, event model.HealthEvent) error {
	var first error
	for _, sink := range m {
		if err := sink.PublishHealthEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error {
	var first error
	for _, sink := range m {
		if err := sink.PublishScalingEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
