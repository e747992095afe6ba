package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/catalog"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// ErrRecoveryExhausted is returned when a module has exceeded its
// recovery attempt budget and stays in error until reset externally
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// ProbeResult is the outcome of one health-contract probe
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
}

// HealthChecker is the module health-check collaborator. It is the
// sole health signal the registry trusts.
type HealthChecker interface {
	Check(ctx context.Context, endpoint string) (ProbeResult, error)
}

// ModuleController performs module bring-up and tear-down for recovery
type ModuleController interface {
	StartModule(ctx context.Context, moduleID string) error
	StopModule(ctx context.Context, moduleID string) error
}

// MetricsSource supplies externally sourced module runtime metrics
type MetricsSource interface {
	ModuleMetrics(ctx context.Context, moduleID string) (model.ModuleMetrics, error)
}

// Config holds registry tunables
type Config struct {
	CheckInterval       time.Duration // health probe loop interval
	FailureThreshold    int           // consecutive failures before status error
	MaxRecoveryAttempts int           // recovery budget per error episode
}

// DefaultConfig returns the registry defaults
func DefaultConfig() Config {
	return Config{
		CheckInterval:       30 * time.Second,
		FailureThreshold:    3,
		MaxRecoveryAttempts: 3,
	}
}

// RegisterResult reports the outcome of a registration attempt
type RegisterResult struct {
	Success  bool   `json:"success"`
	ModuleID string `json:"module_id"`
	Error    string `json:"error,omitempty"`
}

// DiscoveryFailure records one endpoint that failed discovery
type DiscoveryFailure struct {
	ModuleID string `json:"module_id"`
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

// DiscoveryReport summarizes one discovery sweep
type DiscoveryReport struct {
	Discovered     []string           `json:"discovered"`
	Failed         []DiscoveryFailure `json:"failed,omitempty"`
	AutoRegistered []string           `json:"auto_registered,omitempty"`
}

// Registry owns catalog registration and per-module runtime state. It
// polls the health-check collaborator, tracks status transitions and
// runs bounded auto-recovery on modules that drop into error.
type Registry struct {
	logger     *zap.Logger
	catalog    *catalog.Catalog
	checker    HealthChecker
	controller ModuleController
	metrics    MetricsSource
	cfg        Config

	mu     sync.RWMutex
	states map[string]*model.ModuleRuntimeState

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry over the given catalog. controller and
// metrics may be nil; recovery and metrics reporting degrade gracefully.
func NewRegistry(cat *catalog.Catalog, checker HealthChecker, controller ModuleController,
	metrics MetricsSource, cfg Config, logger *zap.Logger) *Registry {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = DefaultConfig().MaxRecoveryAttempts
	}

	return &Registry{
		logger:     logger.Named("registry"),
		catalog:    cat,
		checker:    checker,
		controller: controller,
		metrics:    metrics,
		cfg:        cfg,
		states:     make(map[string]*model.ModuleRuntimeState),
		stop:       make(chan struct{}),
	}
}

// RegisterModule validates and registers a descriptor. Duplicates are
// rejected; there is no silent overwrite.
func (r *Registry) RegisterModule(desc model.ModuleDescriptor) RegisterResult {
	if err := r.catalog.Add(desc); err != nil {
		return RegisterResult{ModuleID: desc.ID, Error: err.Error()}
	}

	r.mu.Lock()
	r.states[desc.ID] = &model.ModuleRuntimeState{
		ModuleID: desc.ID,
		Status:   model.ModuleStatusInactive,
	}
	r.mu.Unlock()

	r.logger.Info("Module registered", zap.String("module_id", desc.ID))
	return RegisterResult{Success: true, ModuleID: desc.ID}
}

// DiscoverModules probes every registered descriptor's health contract
// concurrently, plus any candidate descriptors supplied by discovery
// sources. Healthy candidates not yet in the catalog are auto-registered.
func (r *Registry) DiscoverModules(ctx context.Context, candidates ...model.ModuleDescriptor) DiscoveryReport {
	type probeTarget struct {
		desc       model.ModuleDescriptor
		registered bool
	}

	var targets []probeTarget
	for _, desc := range r.catalog.List() {
		targets = append(targets, probeTarget{desc: desc, registered: true})
	}
	for _, desc := range candidates {
		if !r.catalog.Has(desc.ID) {
			targets = append(targets, probeTarget{desc: desc})
		}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		report DiscoveryReport
	)

	for _, target := range targets {
		wg.Add(1)
		go func(target probeTarget) {
			defer wg.Done()

			result, err := r.checker.Check(ctx, target.desc.Endpoint)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				report.Failed = append(report.Failed, DiscoveryFailure{
					ModuleID: target.desc.ID,
					Endpoint: target.desc.Endpoint,
					Error:    err.Error(),
				})
			case !result.Healthy:
				report.Failed = append(report.Failed, DiscoveryFailure{
					ModuleID: target.desc.ID,
					Endpoint: target.desc.Endpoint,
					Error:    "endpoint reported unhealthy",
				})
			default:
				report.Discovered = append(report.Discovered, target.desc.ID)
				if !target.registered {
					if res := r.RegisterModule(target.desc); res.Success {
						report.AutoRegistered = append(report.AutoRegistered, target.desc.ID)
					}
				}
			}
		}(target)
	}
	wg.Wait()

	sort.Strings(report.Discovered)
	sort.Strings(report.AutoRegistered)
	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].ModuleID < report.Failed[j].ModuleID
	})

	r.logger.Info("Discovery sweep complete",
		zap.Int("discovered", len(report.Discovered)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("auto_registered", len(report.AutoRegistered)))

	return report
}

// GetModuleHealth probes one module and returns its health view
func (r *Registry) GetModuleHealth(ctx context.Context, id string) (*model.ModuleHealth, error) {
	desc, err := r.catalog.Get(id)
	if err != nil {
		return nil, err
	}

	health := &model.ModuleHealth{
		ModuleID:     id,
		Dependencies: desc.Dependencies,
	}

	start := time.Now()
	result, probeErr := r.checker.Check(ctx, desc.Endpoint)
	health.ResponseTime = time.Since(start)
	if result.Latency > 0 {
		health.ResponseTime = result.Latency
	}
	health.LastCheck = time.Now()

	r.recordProbe(ctx, id, result, probeErr)
	health.Status = r.ModuleStatus(id)

	if r.metrics != nil {
		if metrics, err := r.metrics.ModuleMetrics(ctx, id); err == nil {
			health.Metrics = metrics
		} else {
			r.logger.Debug("Module metrics unavailable",
				zap.String("module_id", id), zap.Error(err))
		}
	}

	return health, nil
}

// GetAllModulesHealth probes every registered module concurrently and
// returns per-module health keyed by id. The sweep always completes;
// probe failures surface as degraded or error statuses.
func (r *Registry) GetAllModulesHealth(ctx context.Context) map[string]*model.ModuleHealth {
	descs := r.catalog.List()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result = make(map[string]*model.ModuleHealth, len(descs))
	)

	for _, desc := range descs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			health, err := r.GetModuleHealth(ctx, id)
			if err != nil {
				return
			}
			mu.Lock()
			result[id] = health
			mu.Unlock()
		}(desc.ID)
	}
	wg.Wait()

	return result
}

// StartHealthMonitoring runs the periodic probe loop until the context
// is cancelled or Stop is called
func (r *Registry) StartHealthMonitoring(ctx context.Context) {
	r.logger.Info("Starting health monitoring",
		zap.Duration("interval", r.cfg.CheckInterval))

	go func() {
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.checkAll(ctx)
			}
		}
	}()
}

// Stop stops the monitoring loop
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// ModuleStatus implements catalog.StatusProvider
func (r *Registry) ModuleStatus(id string) model.ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.states[id]
	if !exists {
		return model.ModuleStatusInactive
	}
	return state.Status
}

// RuntimeState returns a copy of the module's runtime state
func (r *Registry) RuntimeState(id string) (model.ModuleRuntimeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.states[id]
	if !exists {
		return model.ModuleRuntimeState{}, catalog.ErrModuleNotFound
	}
	return *state, nil
}

// SetModuleStatus transitions a module's status. External transitions
// reset the recovery budget so an exhausted module can be retried.
func (r *Registry) SetModuleStatus(id string, status model.ModuleStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.states[id]
	if !exists {
		return catalog.ErrModuleNotFound
	}

	if state.Status != status {
		r.logger.Info("Module status changed",
			zap.String("module_id", id),
			zap.String("from", string(state.Status)),
			zap.String("to", string(status)))
	}

	state.Status = status
	state.RecoveryAttempts = 0
	if status == model.ModuleStatusActive || status == model.ModuleStatusInactive {
		state.FailureCount = 0
	}
	return nil
}

// checkAll probes every registered module concurrently and applies
// status transitions and bounded recovery.
func (r *Registry) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, desc := range r.catalog.List() {
		wg.Add(1)
		go func(desc model.ModuleDescriptor) {
			defer wg.Done()
			result, err := r.checker.Check(ctx, desc.Endpoint)
			r.recordProbe(ctx, desc.ID, result, err)
		}(desc)
	}
	wg.Wait()
}

// recordProbe applies one probe outcome to the module's runtime state.
// A module dropping into error triggers bounded auto-recovery; once the
// budget is spent the module stays in error until reset externally,
// which prevents retry storms.
func (r *Registry) recordProbe(ctx context.Context, id string, result ProbeResult, probeErr error) {
	r.mu.Lock()
	state, exists := r.states[id]
	if !exists {
		r.mu.Unlock()
		return
	}

	state.LastHealthCheck = time.Now()

	if probeErr == nil && result.Healthy {
		state.FailureCount = 0
		state.RecoveryAttempts = 0
		// A healthy probe restores modules that were running but ailing.
		// Inactive and starting modules stay where the lifecycle put them.
		if state.Status == model.ModuleStatusDegraded || state.Status == model.ModuleStatusError {
			state.Status = model.ModuleStatusActive
		}
		r.mu.Unlock()
		return
	}

	state.FailureCount++
	needsRecovery := false

	switch {
	case state.FailureCount >= r.cfg.FailureThreshold:
		if state.Status != model.ModuleStatusError {
			r.logger.Warn("Module entered error state",
				zap.String("module_id", id),
				zap.Int("failures", state.FailureCount),
				zap.NamedError("probe_error", probeErr))
		}
		state.Status = model.ModuleStatusError
		needsRecovery = state.RecoveryAttempts < r.cfg.MaxRecoveryAttempts
		if needsRecovery {
			state.RecoveryAttempts++
		}
	case state.Status == model.ModuleStatusActive:
		state.Status = model.ModuleStatusDegraded
		r.logger.Warn("Module degraded",
			zap.String("module_id", id),
			zap.Int("failures", state.FailureCount))
	}

	attempt := state.RecoveryAttempts
	exhausted := state.Status == model.ModuleStatusError && !needsRecovery
	r.mu.Unlock()

	if needsRecovery {
		r.recoverModule(ctx, id, attempt)
	} else if exhausted {
		r.logger.Error("Recovery abandoned until status changes externally",
			zap.String("module_id", id),
			zap.Error(ErrRecoveryExhausted))
	}
}

// recoverModule restarts a failed module through the controller
func (r *Registry) recoverModule(ctx context.Context, id string, attempt int) {
	if r.controller == nil {
		return
	}

	r.logger.Info("Attempting module recovery",
		zap.String("module_id", id),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", r.cfg.MaxRecoveryAttempts))

	if err := r.controller.StopModule(ctx, id); err != nil {
		r.logger.Debug("Stop during recovery failed",
			zap.String("module_id", id), zap.Error(err))
	}

	if err := r.controller.StartModule(ctx, id); err != nil {
		r.logger.Warn("Module recovery failed",
			zap.String("module_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return
	}

	r.mu.Lock()
	if state, exists := r.states[id]; exists {
		state.Status = model.ModuleStatusStarting
		state.FailureCount = 0
	}
	r.mu.Unlock()

	r.logger.Info("Module recovery succeeded",
		zap.String("module_id", id),
		zap.Int("attempt", attempt))
}
