package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qnet-orchestrator/internal/health"
	"github.com/t77yq/qnet-orchestrator/internal/scaling"
	"github.com/t77yq/qnet-orchestrator/internal/testutil"
)

type stubSummarizer struct{}

func (stubSummarizer) GetHealthSummary() health.Summary {
	return health.Summary{TotalNodes: 3, HealthyNodes: 2, CriticalNodes: 1, AverageHealth: 66.6}
}

func (stubSummarizer) GetUnhealthyNodes() []string { return []string{"n3"} }

type stubValidator struct{}

func (stubValidator) ValidateScalingHealth(context.Context) scaling.FleetReport {
	return scaling.FleetReport{
		TotalNodes:         3,
		ActiveNodes:        3,
		AverageHealth:      66.6,
		AverageUtilization: 45,
		Recommendations:    []string{"average health below 50: investigate node failures"},
	}
}

type stubRetention struct {
	cutoffs []time.Time
}

func (r *stubRetention) DeleteBefore(_ context.Context, before time.Time) error {
	r.cutoffs = append(r.cutoffs, before)
	return nil
}

func TestReporterRunAppliesRetention(t *testing.T) {
	retention := &stubRetention{}
	reporter := NewReporter(nil, stubSummarizer{}, stubValidator{}, retention, ReporterConfig{
		Retention: 24 * time.Hour,
	}, zaptest.NewLogger(t))

	reporter.run(context.Background())

	require.Len(t, retention.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), retention.cutoffs[0], time.Minute)
}

func TestReporterStartInvalidSchedule(t *testing.T) {
	reporter := NewReporter(nil, stubSummarizer{}, stubValidator{}, nil, ReporterConfig{
		Schedule: "not a schedule",
	}, zaptest.NewLogger(t))

	err := reporter.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid report schedule")
}

func TestReporterPublishesReport(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	reporter := NewReporter(js, stubSummarizer{}, stubValidator{}, nil,
		ReporterConfig{}, zaptest.NewLogger(t))

	require.NoError(t, reporter.Start(context.Background()))
	defer reporter.Stop()

	reporter.run(context.Background())

	messages, err := testutil.ConsumeMessages(js, "fleet.report", 2*time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var report FleetReport
	require.NoError(t, json.Unmarshal(messages[0], &report))
	assert.Equal(t, 3, report.Health.TotalNodes)
	assert.Equal(t, []string{"n3"}, report.UnhealthyNodes)
	assert.NotEmpty(t, report.Scaling.Recommendations)
}
