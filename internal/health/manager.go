package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/fleet"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// ProbeSample is one raw reading of a node's resource and service signals
type ProbeSample struct {
	Resources model.NodeResources
	ErrorRate float64 // service error rate in percent
}

// NodeProber is the node resource-metrics collaborator. Production
// supplies real probes; tests supply deterministic stubs.
type NodeProber interface {
	Probe(ctx context.Context, nodeID string) (ProbeSample, error)
}

// EventSink receives health events for observability. Sink failures are
// logged, never fatal.
type EventSink interface {
	PublishHealthEvent(ctx context.Context, event model.HealthEvent) error
}

// Thresholds classify health scores into bands
type Thresholds struct {
	Critical float64 // at or below: failover territory
	Warning  float64
	Healthy  float64
}

// SignalThresholds hold per-signal penalty onset points. CPU, memory,
// disk and error rate are percentages; network is latency in ms.
type SignalThresholds struct {
	CPU       float64
	Memory    float64
	Network   float64
	Disk      float64
	ErrorRate float64
}

// Config holds health manager tunables
type Config struct {
	Thresholds   Thresholds
	Signals      SignalThresholds
	HistoryLimit int // bounded per-node event ring
}

// DefaultConfig returns the health manager defaults
func DefaultConfig() Config {
	return Config{
		Thresholds:   Thresholds{Critical: 30, Warning: 60, Healthy: 80},
		Signals:      SignalThresholds{CPU: 70, Memory: 75, Network: 200, Disk: 80, ErrorRate: 5},
		HistoryLimit: 1000,
	}
}

// Signal weights. Penalties are weighted into the score as fractions
// of 100: cpu 25%, memory 25%, network 20%, disk 15%, error rate 15%.
const (
	weightCPU       = 0.25
	weightMemory    = 0.25
	weightNetwork   = 0.20
	weightDisk      = 0.15
	weightErrorRate = 0.15
)

// Summary aggregates the fleet's latest health readings
type Summary struct {
	TotalNodes    int     `json:"total_nodes"`
	HealthyNodes  int     `json:"healthy_nodes"`
	WarningNodes  int     `json:"warning_nodes"`
	CriticalNodes int     `json:"critical_nodes"`
	AverageHealth float64 `json:"average_health"`
}

// Manager scores fleet nodes from weighted resource and service
// signals, retains a bounded event history per node, and executes
// guarded automated failover.
type Manager struct {
	logger *zap.Logger
	fleet  *fleet.Fleet
	prober NodeProber
	sink   EventSink
	cfg    Config

	mu        sync.Mutex
	history   map[string][]model.HealthEvent
	failovers map[string]bool // at most one failover in flight per node
}

// NewManager creates a health manager. sink may be nil.
func NewManager(f *fleet.Fleet, prober NodeProber, sink EventSink, cfg Config, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaults.HistoryLimit
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = defaults.Thresholds
	}
	if cfg.Signals == (SignalThresholds{}) {
		cfg.Signals = defaults.Signals
	}

	return &Manager{
		logger:    logger.Named("health"),
		fleet:     f,
		prober:    prober,
		sink:      sink,
		cfg:       cfg,
		history:   make(map[string][]model.HealthEvent),
		failovers: make(map[string]bool),
	}
}

// CheckNodeHealth probes a node and returns its health score in
// [0,100]. Every check appends one event to the node's bounded ring.
// A probe failure yields score 0 with an explicit mark-unhealthy
// action; it is never silently ignored.
func (m *Manager) CheckNodeHealth(ctx context.Context, nodeID string) (float64, error) {
	if _, err := m.fleet.Get(nodeID); err != nil {
		return 0, err
	}

	sample, err := m.prober.Probe(ctx, nodeID)
	if err != nil {
		m.logger.Warn("Node probe failed",
			zap.String("node_id", nodeID),
			zap.Error(err))

		if setErr := m.fleet.SetStatus(nodeID, model.NodeStatusUnreachable); setErr != nil {
			m.logger.Error("Failed to mark node unreachable",
				zap.String("node_id", nodeID), zap.Error(setErr))
		}
		_ = m.fleet.SetHealthScore(nodeID, 0)

		m.record(ctx, nodeID, 0,
			[]string{fmt.Sprintf("probe failed: %v", err)},
			[]string{"mark unhealthy"})
		return 0, nil
	}

	score, issues := m.score(sample)

	_ = m.fleet.UpdateResources(nodeID, sample.Resources)
	_ = m.fleet.SetHealthScore(nodeID, score)

	m.record(ctx, nodeID, score, issues, nil)
	return score, nil
}

// CheckAllNodesHealth checks every fleet node concurrently. The sweep
// always completes and reports per-node scores.
func (m *Manager) CheckAllNodesHealth(ctx context.Context) map[string]float64 {
	nodes := m.fleet.List()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		scores = make(map[string]float64, len(nodes))
	)

	for _, node := range nodes {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			score, err := m.CheckNodeHealth(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			scores[id] = score
			mu.Unlock()
		}(node.ID)
	}
	wg.Wait()

	return scores
}

// HandleFailover re-checks a node and, if its score is at or below the
// critical threshold, runs the ordered remediation sequence. A node
// above the threshold is a no-op. A second concurrent call for the
// same node returns false immediately.
func (m *Manager) HandleFailover(ctx context.Context, nodeID string) (bool, error) {
	m.mu.Lock()
	if m.failovers[nodeID] {
		m.mu.Unlock()
		m.logger.Debug("Failover already in flight", zap.String("node_id", nodeID))
		return false, nil
	}
	m.failovers[nodeID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.failovers, nodeID)
		m.mu.Unlock()
	}()

	score, err := m.CheckNodeHealth(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if score > m.cfg.Thresholds.Critical {
		m.logger.Info("Failover not required",
			zap.String("node_id", nodeID),
			zap.Float64("score", score))
		return false, nil
	}

	m.logger.Warn("Executing failover",
		zap.String("node_id", nodeID),
		zap.Float64("score", score))

	// Remediation steps run in order and are idempotent; each step's
	// outcome is recorded whether or not later steps succeed.
	var actions []string
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			actions = append(actions, fmt.Sprintf("%s: %v", name, err))
			m.logger.Error("Failover step failed",
				zap.String("node_id", nodeID),
				zap.String("step", name),
				zap.Error(err))
			return
		}
		actions = append(actions, name)
	}

	step("mark unhealthy", func() error {
		return m.fleet.SetStatus(nodeID, model.NodeStatusDegraded)
	})
	step("drain connections", func() error { return nil })
	step("redirect traffic", func() error { return nil })
	step("notify operators", func() error { return nil })
	step("schedule recovery check", func() error { return nil })

	m.record(ctx, nodeID, score,
		[]string{fmt.Sprintf("score %.1f at or below critical threshold %.1f", score, m.cfg.Thresholds.Critical)},
		actions)

	return true, nil
}

// GetHealthSummary aggregates the latest event per node against the
// configured thresholds
func (m *Manager) GetHealthSummary() Summary {
	latest := m.latestScores()

	summary := Summary{TotalNodes: len(latest)}
	total := 0.0
	for _, score := range latest {
		total += score
		switch {
		case score <= m.cfg.Thresholds.Critical:
			summary.CriticalNodes++
		case score <= m.cfg.Thresholds.Warning:
			summary.WarningNodes++
		default:
			summary.HealthyNodes++
		}
	}
	if summary.TotalNodes > 0 {
		summary.AverageHealth = total / float64(summary.TotalNodes)
	}
	return summary
}

// GetUnhealthyNodes returns ids whose latest score is at or below the
// critical threshold, sorted
func (m *Manager) GetUnhealthyNodes() []string {
	var unhealthy []string
	for nodeID, score := range m.latestScores() {
		if score <= m.cfg.Thresholds.Critical {
			unhealthy = append(unhealthy, nodeID)
		}
	}
	sort.Strings(unhealthy)
	return unhealthy
}

// GetAverageHealth returns the mean of the latest scores, 0 with no data
func (m *Manager) GetAverageHealth() float64 {
	latest := m.latestScores()
	if len(latest) == 0 {
		return 0
	}
	total := 0.0
	for _, score := range latest {
		total += score
	}
	return total / float64(len(latest))
}

// History returns a copy of the node's event ring, oldest first
func (m *Manager) History(nodeID string) []model.HealthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HealthEvent(nil), m.history[nodeID]...)
}

// score computes the weighted health score and the issue list for a
// sample. Each signal contributes zero penalty below its threshold and
// a linearly growing one above, capped at the signal's full weight.
func (m *Manager) score(sample ProbeSample) (float64, []string) {
	var issues []string

	penalty := func(name string, value, threshold, weight float64) float64 {
		if value <= threshold || threshold <= 0 {
			return 0
		}
		overshoot := (value - threshold) / threshold * 100
		if overshoot > 100 {
			overshoot = 100
		}
		issues = append(issues, fmt.Sprintf("%s %.1f above threshold %.1f", name, value, threshold))
		return overshoot * weight
	}

	total := penalty("cpu", sample.Resources.CPU, m.cfg.Signals.CPU, weightCPU) +
		penalty("memory", sample.Resources.Memory, m.cfg.Signals.Memory, weightMemory) +
		penalty("network latency", sample.Resources.Network, m.cfg.Signals.Network, weightNetwork) +
		penalty("disk", sample.Resources.Disk, m.cfg.Signals.Disk, weightDisk) +
		penalty("error rate", sample.ErrorRate, m.cfg.Signals.ErrorRate, weightErrorRate)

	score := 100 - total
	if score < 0 {
		score = 0
	}
	return score, issues
}

// record appends one event to the node's bounded ring and forwards it
// to the sink when one is configured
func (m *Manager) record(ctx context.Context, nodeID string, score float64, issues, actions []string) {
	event := model.HealthEvent{
		EventID:     uuid.New().String(),
		NodeID:      nodeID,
		Timestamp:   time.Now(),
		HealthScore: score,
		Issues:      issues,
		Actions:     actions,
	}

	m.mu.Lock()
	ring := append(m.history[nodeID], event)
	if len(ring) > m.cfg.HistoryLimit {
		ring = ring[len(ring)-m.cfg.HistoryLimit:]
	}
	m.history[nodeID] = ring
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.PublishHealthEvent(ctx, event); err != nil {
			m.logger.Warn("Failed to publish health event",
				zap.String("node_id", nodeID),
				zap.Error(err))
		}
	}
}

// latestScores returns the most recent score per node
func (m *Manager) latestScores() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[string]float64, len(m.history))
	for nodeID, ring := range m.history {
		if len(ring) == 0 {
			continue
		}
		latest[nodeID] = ring[len(ring)-1].HealthScore
	}
	return latest
}
