package scaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/fleet"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// CooldownError reports a scaling trigger refused because its
// type/direction pair is still cooling down. Non-fatal: nothing was
// mutated and the caller may retry after Remaining.
type CooldownError struct {
	TriggerType model.TriggerType
	Action      model.ScalingAction
	Remaining   time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s %s in cooldown for %s", e.TriggerType, e.Action, e.Remaining.Round(time.Millisecond))
}

// MetricsSource is the node resource-metrics collaborator
type MetricsSource interface {
	Collect(ctx context.Context, nodeID string) (model.NodeResources, error)
}

// HealthScorer supplies fresh node health scores. The health manager
// implements this.
type HealthScorer interface {
	CheckNodeHealth(ctx context.Context, nodeID string) (float64, error)
}

// NodeProvisioner brings fleet nodes up and down
type NodeProvisioner interface {
	Provision(ctx context.Context, region string) (model.QNETNode, error)
	Terminate(ctx context.Context, nodeID string) error
}

// EventSink receives scaling events for observability; failures are
// logged, never fatal
type EventSink interface {
	PublishScalingEvent(ctx context.Context, event model.ScalingEvent) error
}

// Config holds scaling manager tunables
type Config struct {
	MinNodes        int
	MaxNodes        int
	BatchSize       int
	Region          string
	Cooldown        time.Duration                 // per (trigger type, direction)
	ScaleDownFactor float64                       // fraction of threshold considered comfortably below
	HealthFloor     float64                       // balancing exclusion floor
	Thresholds      map[model.TriggerType]float64 // default per-resource thresholds
	MonitorInterval time.Duration
}

// DefaultConfig returns the scaling defaults
func DefaultConfig() Config {
	return Config{
		MinNodes:        2,
		MaxNodes:        10,
		BatchSize:       2,
		Region:          "default",
		Cooldown:        5 * time.Minute,
		ScaleDownFactor: 0.5,
		HealthFloor:     50,
		Thresholds: map[model.TriggerType]float64{
			model.TriggerTypeCPU:     80,
			model.TriggerTypeMemory:  85,
			model.TriggerTypeNetwork: 300,
		},
		MonitorInterval: 30 * time.Second,
	}
}

// FleetReport is the output of a scaling health validation sweep
type FleetReport struct {
	TotalNodes         int      `json:"total_nodes"`
	ActiveNodes        int      `json:"active_nodes"`
	AverageHealth      float64  `json:"average_health"`
	AverageUtilization float64  `json:"average_utilization"`
	EfficiencyRatio    float64  `json:"efficiency_ratio"`
	Recommendations    []string `json:"recommendations,omitempty"`
}

// Manager monitors aggregate node metrics, evaluates scaling triggers
// under cooldown and capacity bounds, provisions and terminates nodes,
// and balances load across healthy nodes.
type Manager struct {
	logger      *zap.Logger
	fleet       *fleet.Fleet
	metrics     MetricsSource
	scorer      HealthScorer
	provisioner NodeProvisioner
	sink        EventSink
	balancer    *Balancer
	cfg         Config

	mu        sync.Mutex
	cooldowns map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	statsSub *nats.Subscription
}

// NewManager creates a scaling manager. sink may be nil.
func NewManager(f *fleet.Fleet, metrics MetricsSource, scorer HealthScorer,
	provisioner NodeProvisioner, sink EventSink, cfg Config, logger *zap.Logger) *Manager {
	defaults := DefaultConfig()
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = defaults.MaxNodes
	}
	if cfg.MinNodes <= 0 {
		cfg.MinNodes = defaults.MinNodes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.ScaleDownFactor <= 0 || cfg.ScaleDownFactor >= 1 {
		cfg.ScaleDownFactor = defaults.ScaleDownFactor
	}
	if cfg.HealthFloor <= 0 {
		cfg.HealthFloor = defaults.HealthFloor
	}
	if cfg.Thresholds == nil {
		cfg.Thresholds = defaults.Thresholds
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaults.MonitorInterval
	}

	log := logger.Named("scaling")
	return &Manager{
		logger:      log,
		fleet:       f,
		metrics:     metrics,
		scorer:      scorer,
		provisioner: provisioner,
		sink:        sink,
		balancer:    NewBalancer(cfg.HealthFloor, log),
		cfg:         cfg,
		cooldowns:   make(map[string]time.Time),
		stop:        make(chan struct{}),
	}
}

// Start runs the periodic resource monitoring loop
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting scaling manager",
		zap.Int("min_nodes", m.cfg.MinNodes),
		zap.Int("max_nodes", m.cfg.MaxNodes),
		zap.Duration("cooldown", m.cfg.Cooldown))

	go func() {
		ticker := time.NewTicker(m.cfg.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.MonitorResourceUsage(ctx)
			}
		}
	}()
}

// Stop stops the monitoring loop and the stats subscription
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.statsSub != nil {
			if err := m.statsSub.Unsubscribe(); err != nil {
				m.logger.Debug("Failed to unsubscribe node stats", zap.Error(err))
			}
		}
		close(m.stop)
	})
}

// SubscribeNodeStats ingests node-pushed resource samples from
// node.stats.<node_id> subjects alongside pull-based collection
func (m *Manager) SubscribeNodeStats(js nats.JetStreamContext) error {
	sub, err := js.Subscribe("node.stats.*", func(msg *nats.Msg) {
		var resources model.NodeResources
		if err := json.Unmarshal(msg.Data, &resources); err != nil {
			m.logger.Error("Failed to unmarshal node stats", zap.Error(err))
			return
		}

		parts := strings.Split(msg.Subject, ".")
		if len(parts) != 3 {
			m.logger.Error("Invalid node stats subject", zap.String("subject", msg.Subject))
			return
		}

		if err := m.fleet.UpdateResources(parts[2], resources); err != nil {
			m.logger.Debug("Stats for unknown node",
				zap.String("node_id", parts[2]), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to node stats: %w", err)
	}

	m.statsSub = sub
	return nil
}

// MonitorResourceUsage refreshes every node's resource sample and
// health score concurrently. The sweep always completes; per-node
// errors are logged.
func (m *Manager) MonitorResourceUsage(ctx context.Context) {
	nodes := m.fleet.List()

	var wg sync.WaitGroup
	for _, node := range nodes {
		if node.Status == model.NodeStatusTerminated {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			resources, err := m.metrics.Collect(ctx, id)
			if err != nil {
				m.logger.Warn("Failed to collect node metrics",
					zap.String("node_id", id), zap.Error(err))
			} else if err := m.fleet.UpdateResources(id, resources); err != nil {
				m.logger.Debug("Node vanished during monitoring",
					zap.String("node_id", id), zap.Error(err))
				return
			}

			if m.scorer != nil {
				if _, err := m.scorer.CheckNodeHealth(ctx, id); err != nil {
					m.logger.Warn("Failed to score node",
						zap.String("node_id", id), zap.Error(err))
				}
			}
		}(node.ID)
	}
	wg.Wait()
}

// TriggerScaling evaluates one trigger and acts on it. Scale-up is
// bounded by MaxNodes and scale-down by MinNodes; each (type,
// direction) pair has an independent cooldown, and a trigger inside
// its cooldown is refused without mutating anything.
func (m *Manager) TriggerScaling(ctx context.Context, trigger model.ScalingTrigger) (*model.ScalingResult, error) {
	begin := time.Now()

	threshold := trigger.Threshold
	if threshold <= 0 {
		threshold = m.cfg.Thresholds[trigger.Type]
	}
	if threshold <= 0 {
		return nil, fmt.Errorf("no threshold configured for trigger type %q", trigger.Type)
	}

	var action model.ScalingAction
	switch {
	case trigger.CurrentValue > threshold:
		action = model.ScalingActionScaleUp
	case trigger.CurrentValue < threshold*m.cfg.ScaleDownFactor:
		action = model.ScalingActionScaleDown
	default:
		action = model.ScalingActionRedistribute
	}

	result := &model.ScalingResult{Action: action}

	if action != model.ScalingActionRedistribute {
		if remaining := m.cooldownRemaining(trigger.Type, action); remaining > 0 {
			cdErr := &CooldownError{TriggerType: trigger.Type, Action: action, Remaining: remaining}
			result.Reason = cdErr.Error()
			result.Duration = time.Since(begin)
			m.logger.Info("Scaling trigger refused by cooldown",
				zap.String("type", string(trigger.Type)),
				zap.String("action", string(action)),
				zap.Duration("remaining", remaining))
			m.recordEvent(ctx, trigger, *result, "refused: cooldown active")
			return result, nil
		}
	}

	switch action {
	case model.ScalingActionScaleUp:
		m.scaleUp(ctx, result)
	case model.ScalingActionScaleDown:
		m.scaleDown(ctx, result)
	case model.ScalingActionRedistribute:
		if _, err := m.BalanceLoad(m.fleet.List()); err != nil {
			result.Reason = err.Error()
		} else {
			result.Success = true
			result.Reason = "load redistributed across healthy nodes"
		}
	}

	if result.NodesProvisioned > 0 || result.NodesTerminated > 0 {
		m.armCooldown(trigger.Type, action)
	}

	result.Duration = time.Since(begin)
	impact := fmt.Sprintf("fleet size %d", m.fleet.ActiveCount())
	m.recordEvent(ctx, trigger, *result, impact)

	return result, nil
}

// scaleUp provisions up to BatchSize nodes without exceeding MaxNodes
func (m *Manager) scaleUp(ctx context.Context, result *model.ScalingResult) {
	capacity := m.cfg.MaxNodes - m.fleet.ActiveCount()
	want := m.cfg.BatchSize
	if want > capacity {
		want = capacity
	}
	if want <= 0 {
		result.Success = true
		result.Reason = "fleet already at maximum capacity"
		return
	}

	for i := 0; i < want; i++ {
		node, err := m.provisioner.Provision(ctx, m.cfg.Region)
		if err != nil {
			m.logger.Error("Node provisioning failed",
				zap.String("region", m.cfg.Region), zap.Error(err))
			result.Reason = fmt.Sprintf("provisioning failed: %v", err)
			continue
		}

		node.Status = model.NodeStatusActive
		m.fleet.Add(node)
		result.NodesProvisioned++
		result.NewNodes = append(result.NewNodes, node.ID)
	}

	result.Success = result.NodesProvisioned > 0
	if result.Success && result.Reason == "" {
		result.Reason = fmt.Sprintf("provisioned %d nodes", result.NodesProvisioned)
	}
}

// scaleDown terminates up to BatchSize nodes without dropping below
// MinNodes, picking the lowest health scores first.
func (m *Manager) scaleDown(ctx context.Context, result *model.ScalingResult) {
	surplus := m.fleet.ActiveCount() - m.cfg.MinNodes
	want := m.cfg.BatchSize
	if want > surplus {
		want = surplus
	}
	if want <= 0 {
		result.Success = true
		result.Reason = "fleet already at minimum capacity"
		return
	}

	for _, victim := range m.selectVictims(want) {
		if err := m.provisioner.Terminate(ctx, victim.ID); err != nil {
			m.logger.Error("Node termination failed",
				zap.String("node_id", victim.ID), zap.Error(err))
			result.Reason = fmt.Sprintf("termination failed: %v", err)
			continue
		}

		if err := m.fleet.Remove(victim.ID); err != nil {
			m.logger.Debug("Node already removed",
				zap.String("node_id", victim.ID), zap.Error(err))
		}
		result.NodesTerminated++
	}

	result.Success = result.NodesTerminated > 0
	if result.Success && result.Reason == "" {
		result.Reason = fmt.Sprintf("terminated %d nodes", result.NodesTerminated)
	}
}

// selectVictims picks scale-down candidates deterministically: lowest
// health score first, node id as tiebreak.
func (m *Manager) selectVictims(count int) []model.QNETNode {
	var candidates []model.QNETNode
	for _, node := range m.fleet.List() {
		if node.Status != model.NodeStatusTerminated {
			candidates = append(candidates, node)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].HealthScore != candidates[j].HealthScore {
			return candidates[i].HealthScore < candidates[j].HealthScore
		}
		return candidates[i].ID < candidates[j].ID
	})

	if count > len(candidates) {
		count = len(candidates)
	}
	return candidates[:count]
}

// BalanceLoad computes traffic weights across the given nodes
func (m *Manager) BalanceLoad(nodes []model.QNETNode) (map[string]float64, error) {
	return m.balancer.Weights(nodes)
}

// ValidateScalingHealth aggregates health and utilization into a fleet
// report with textual recommendations
func (m *Manager) ValidateScalingHealth(ctx context.Context) FleetReport {
	nodes := m.fleet.List()

	report := FleetReport{TotalNodes: len(nodes)}
	totalHealth, totalUtil := 0.0, 0.0
	counted := 0
	for _, node := range nodes {
		if node.Status == model.NodeStatusTerminated {
			continue
		}
		report.ActiveNodes++
		totalHealth += node.HealthScore
		totalUtil += (node.Resources.CPU + node.Resources.Memory) / 2
		counted++
	}

	if counted > 0 {
		report.AverageHealth = totalHealth / float64(counted)
		report.AverageUtilization = totalUtil / float64(counted)
	}
	if report.AverageUtilization > 0 {
		report.EfficiencyRatio = report.AverageHealth / report.AverageUtilization
	}

	if report.ActiveNodes < m.cfg.MinNodes {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("fleet below minimum size (%d < %d): provision nodes", report.ActiveNodes, m.cfg.MinNodes))
	}
	if report.AverageUtilization > 80 && report.ActiveNodes < m.cfg.MaxNodes {
		report.Recommendations = append(report.Recommendations,
			"average utilization above 80%: consider scaling up")
	}
	if report.AverageUtilization < 20 && report.ActiveNodes > m.cfg.MinNodes {
		report.Recommendations = append(report.Recommendations,
			"average utilization below 20%: consider scaling down")
	}
	if report.AverageHealth < 50 && report.ActiveNodes > 0 {
		report.Recommendations = append(report.Recommendations,
			"average health below 50: investigate node failures")
	}

	return report
}

func (m *Manager) cooldownRemaining(triggerType model.TriggerType, action model.ScalingAction) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	armed, ok := m.cooldowns[cooldownKey(triggerType, action)]
	if !ok {
		return 0
	}
	remaining := m.cfg.Cooldown - time.Since(armed)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) armCooldown(triggerType model.TriggerType, action model.ScalingAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[cooldownKey(triggerType, action)] = time.Now()
}

func cooldownKey(triggerType model.TriggerType, action model.ScalingAction) string {
	return string(triggerType) + ":" + string(action)
}

// recordEvent forwards a scaling event to the sink when configured
func (m *Manager) recordEvent(ctx context.Context, trigger model.ScalingTrigger, result model.ScalingResult, impact string) {
	if m.sink == nil {
		return
	}

	event := model.ScalingEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		Trigger:   trigger,
		Result:    result,
		Impact:    impact,
	}
	if err := m.sink.PublishScalingEvent(ctx, event); err != nil {
		m.logger.Warn("Failed to publish scaling event", zap.Error(err))
	}
}
