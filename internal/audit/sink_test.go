package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qnet-orchestrator/internal/model"
	"github.com/t77yq/qnet-orchestrator/internal/testutil"
)

func TestJetStreamSinkPublishHealthEvent(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	sink, err := NewJetStreamSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	event := model.HealthEvent{
		EventID:     uuid.New().String(),
		NodeID:      "n1",
		Timestamp:   time.Now().UTC(),
		HealthScore: 25,
		Issues:      []string{"cpu 95.0 above threshold 70.0"},
		Actions:     []string{"mark unhealthy"},
	}
	require.NoError(t, sink.PublishHealthEvent(context.Background(), event))

	messages, err := testutil.ConsumeMessages(js, "health.event.n1", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var got model.HealthEvent
	require.NoError(t, json.Unmarshal(messages[0], &got))
	assert.Equal(t, event.EventID, got.EventID)
	assert.Equal(t, 25.0, got.HealthScore)
	assert.Equal(t, event.Issues, got.Issues)
}

func TestJetStreamSinkPublishScalingEvent(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	sink, err := NewJetStreamSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	event := model.ScalingEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Trigger: model.ScalingTrigger{
			Type:         model.TriggerTypeCPU,
			Threshold:    80,
			CurrentValue: 95,
		},
		Result: model.ScalingResult{
			Success:          true,
			Action:           model.ScalingActionScaleUp,
			NodesProvisioned: 1,
		},
	}
	require.NoError(t, sink.PublishScalingEvent(context.Background(), event))

	messages, err := testutil.ConsumeMessages(js, "scaling.event.cpu", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var got model.ScalingEvent
	require.NoError(t, json.Unmarshal(messages[0], &got))
	assert.Equal(t, event.EventID, got.EventID)
	assert.Equal(t, model.ScalingActionScaleUp, got.Result.Action)
}

func TestJetStreamSinkIdempotentStreamCreation(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	_, err := NewJetStreamSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = NewJetStreamSink(js, zaptest.NewLogger(t))
	require.NoError(t, err)
}

// countingSink tallies publications and optionally fails
type countingSink struct {
	health  int
	scaling int
	err     error
}

func (s *countingSink) PublishHealthEvent(context.Context, model.HealthEvent) error {
	s.health++
	return s.err
}

func (s *countingSink) PublishScalingEvent(context.Context, model.ScalingEvent) error {
	s.scaling++
	return s.err
}

func TestMultiSinkFansOut(t *testing.T) {
	failing := &countingSink{err: errors.New("stream unavailable")}
	healthy := &countingSink{}
	multi := MultiSink{failing, healthy}

	err := multi.PublishHealthEvent(context.Background(), model.HealthEvent{})
	assert.EqualError(t, err, "stream unavailable")

	// Every sink is attempted despite the failure
	assert.Equal(t, 1, failing.health)
	assert.Equal(t, 1, healthy.health)

	require.NoError(t, MultiSink{healthy}.PublishScalingEvent(context.Background(), model.ScalingEvent{}))
	assert.Equal(t, 1, healthy.scaling)
}

func TestNopSink(t *testing.T) {
	assert.NoError(t, NopSink{}.PublishHealthEvent(context.Background(), model.HealthEvent{}))
	assert.NoError(t, NopSink{}.PublishScalingEvent(context.Background(), model.ScalingEvent{}))
}
