package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qnet-orchestrator/internal/fleet"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// stubProber returns a fixed sample per node and can block on a gate
type stubProber struct {
	mu      sync.Mutex
	samples map[string]ProbeSample
	errs    map[string]error
	gate    chan struct{}
}

func newStubProber() *stubProber {
	return &stubProber{
		samples: make(map[string]ProbeSample),
		errs:    make(map[string]error),
	}
}

func (p *stubProber) Probe(_ context.Context, nodeID string) (ProbeSample, error) {
	p.mu.Lock()
	gate := p.gate
	sample, err := p.samples[nodeID], p.errs[nodeID]
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return ProbeSample{}, err
	}
	return sample, nil
}

func node(id string) model.QNETNode {
	return model.QNETNode{
		ID:          id,
		Region:      "local",
		Status:      model.NodeStatusActive,
		HealthScore: 100,
		CreatedAt:   time.Now(),
	}
}

func healthySample() ProbeSample {
	return ProbeSample{Resources: model.NodeResources{CPU: 20, Memory: 30, Network: 10, Disk: 40}}
}

func buildManager(t *testing.T, prober NodeProber, sink EventSink, cfg Config) (*Manager, *fleet.Fleet) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := fleet.NewFleet(logger)
	return NewManager(f, prober, sink, cfg, logger), f
}

func TestCheckNodeHealthHealthy(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = healthySample()
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))

	score, err := mgr.CheckNodeHealth(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)

	got, err := f.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.HealthScore)
	assert.Equal(t, 20.0, got.Resources.CPU)

	events := mgr.History("n1")
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Issues)
}

func TestCheckNodeHealthWeightedPenalties(t *testing.T) {
	tests := []struct {
		name   string
		sample ProbeSample
		want   float64
		issues int
	}{
		{
			name:   "all signals nominal",
			sample: healthySample(),
			want:   100,
		},
		{
			// cpu at double its threshold: full 25-point cpu penalty
			name:   "cpu saturated",
			sample: ProbeSample{Resources: model.NodeResources{CPU: 140, Memory: 30, Network: 10, Disk: 40}},
			want:   75,
			issues: 1,
		},
		{
			// cpu halfway over: 50% overshoot takes half the cpu weight
			name:   "cpu overshooting",
			sample: ProbeSample{Resources: model.NodeResources{CPU: 105, Memory: 30, Network: 10, Disk: 40}},
			want:   87.5,
			issues: 1,
		},
		{
			name: "every signal saturated",
			sample: ProbeSample{
				Resources: model.NodeResources{CPU: 1000, Memory: 1000, Network: 10000, Disk: 1000},
				ErrorRate: 100,
			},
			want:   0,
			issues: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := newStubProber()
			prober.samples["n1"] = tt.sample
			mgr, f := buildManager(t, prober, nil, DefaultConfig())
			f.Add(node("n1"))

			score, err := mgr.CheckNodeHealth(context.Background(), "n1")
			require.NoError(t, err)
			assert.InDelta(t, tt.want, score, 0.001)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 100.0)

			events := mgr.History("n1")
			require.Len(t, events, 1)
			assert.Len(t, events[0].Issues, tt.issues)
		})
	}
}

func TestCheckNodeHealthProbeFailure(t *testing.T) {
	prober := newStubProber()
	prober.errs["n1"] = errors.New("connection refused")
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))

	score, err := mgr.CheckNodeHealth(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	got, err := f.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusUnreachable, got.Status)
	assert.Equal(t, 0.0, got.HealthScore)

	events := mgr.History("n1")
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Issues[0], "probe failed")
	assert.Equal(t, []string{"mark unhealthy"}, events[0].Actions)
}

func TestCheckNodeHealthUnknownNode(t *testing.T) {
	mgr, _ := buildManager(t, newStubProber(), nil, DefaultConfig())

	_, err := mgr.CheckNodeHealth(context.Background(), "ghost")
	assert.ErrorIs(t, err, fleet.ErrNodeNotFound)
}

func TestCheckAllNodesHealth(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = healthySample()
	prober.errs["n2"] = errors.New("timeout")
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))
	f.Add(node("n2"))

	scores := mgr.CheckAllNodesHealth(context.Background())
	require.Len(t, scores, 2)
	assert.Equal(t, 100.0, scores["n1"])
	assert.Equal(t, 0.0, scores["n2"])
}

func TestHandleFailoverNotRequired(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = healthySample()
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))

	executed, err := mgr.HandleFailover(context.Background(), "n1")
	require.NoError(t, err)
	assert.False(t, executed)

	// A healthy node keeps its status
	got, err := f.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusActive, got.Status)
}

func TestHandleFailoverExecutes(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = ProbeSample{
		Resources: model.NodeResources{CPU: 1000, Memory: 1000, Network: 10000, Disk: 1000},
		ErrorRate: 100,
	}
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))

	executed, err := mgr.HandleFailover(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, executed)

	got, err := f.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusDegraded, got.Status)

	events := mgr.History("n1")
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, []string{
		"mark unhealthy",
		"drain connections",
		"redirect traffic",
		"notify operators",
		"schedule recovery check",
	}, last.Actions)
}

func TestHandleFailoverConcurrentGuard(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = ProbeSample{
		Resources: model.NodeResources{CPU: 1000, Memory: 1000, Network: 10000, Disk: 1000},
		ErrorRate: 100,
	}
	prober.gate = make(chan struct{})
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	f.Add(node("n1"))

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			executed, err := mgr.HandleFailover(context.Background(), "n1")
			require.NoError(t, err)
			results <- executed
		}()
	}

	// The refused call returns while the winner is still blocked in its
	// probe, so the first result is always false
	assert.False(t, <-results)
	close(prober.gate)
	assert.True(t, <-results)
}

func TestHealthAggregations(t *testing.T) {
	prober := newStubProber()
	prober.samples["healthy"] = healthySample()
	prober.samples["warning"] = ProbeSample{
		Resources: model.NodeResources{CPU: 140, Memory: 150, Network: 10, Disk: 40},
	}
	prober.errs["critical"] = errors.New("unreachable")
	mgr, f := buildManager(t, prober, nil, DefaultConfig())
	for _, id := range []string{"healthy", "warning", "critical"} {
		f.Add(node(id))
	}

	mgr.CheckAllNodesHealth(context.Background())

	summary := mgr.GetHealthSummary()
	assert.Equal(t, 3, summary.TotalNodes)
	assert.Equal(t, 1, summary.HealthyNodes)
	assert.Equal(t, 1, summary.WarningNodes)
	assert.Equal(t, 1, summary.CriticalNodes)
	assert.InDelta(t, 50.0, summary.AverageHealth, 0.001)

	assert.Equal(t, []string{"critical"}, mgr.GetUnhealthyNodes())
	assert.InDelta(t, 50.0, mgr.GetAverageHealth(), 0.001)
}

func TestHistoryRingBounded(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = healthySample()
	cfg := DefaultConfig()
	cfg.HistoryLimit = 5
	mgr, f := buildManager(t, prober, nil, cfg)
	f.Add(node("n1"))

	for i := 0; i < 8; i++ {
		_, err := mgr.CheckNodeHealth(context.Background(), "n1")
		require.NoError(t, err)
	}

	events := mgr.History("n1")
	assert.Len(t, events, 5)
}

// failingSink always errors; publication failures must not surface
type failingSink struct{}

func (failingSink) PublishHealthEvent(context.Context, model.HealthEvent) error {
	return errors.New("stream unavailable")
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	prober := newStubProber()
	prober.samples["n1"] = healthySample()
	mgr, f := buildManager(t, prober, failingSink{}, DefaultConfig())
	f.Add(node("n1"))

	score, err := mgr.CheckNodeHealth(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, score)
	assert.Len(t, mgr.History("n1"), 1)
}
