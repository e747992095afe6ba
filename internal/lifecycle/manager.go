package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/catalog"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// ModuleController is the start/stop collaborator. Success is never
// assumed; every call's outcome is recorded per module.
type ModuleController interface {
	StartModule(ctx context.Context, moduleID string) error
	StopModule(ctx context.Context, moduleID string) error
}

// StateStore owns module runtime status. The registry implements this.
type StateStore interface {
	ModuleStatus(id string) model.ModuleStatus
	SetModuleStatus(id string, status model.ModuleStatus) error
}

// Manager orchestrates ordered module start/stop using the resolver's
// phased plan and the registry's live status, and handles cascading
// failure propagation through the dependency graph.
type Manager struct {
	logger     *zap.Logger
	resolver   *catalog.Resolver
	states     StateStore
	controller ModuleController
}

// NewManager creates a lifecycle manager
func NewManager(resolver *catalog.Resolver, states StateStore, controller ModuleController, logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger.Named("lifecycle"),
		resolver:   resolver,
		states:     states,
		controller: controller,
	}
}

// StartModules starts the given modules, or the whole catalog when none
// are named, following the phased startup plan. Phases run strictly in
// order; modules within a phase start concurrently. Failures are
// recorded per module and never abort siblings; modules whose
// dependencies failed are reported as blocked without being attempted.
func (m *Manager) StartModules(ctx context.Context, ids ...string) (*model.StartReport, error) {
	begin := time.Now()

	phases, err := m.resolver.StartupSequence()
	if err != nil {
		return nil, err
	}

	report := &model.StartReport{}
	selected, unknown := selectModules(phases, ids)
	for _, id := range unknown {
		report.FailedModules = append(report.FailedModules, model.ModuleFailure{
			ModuleID: id,
			Error:    catalog.ErrModuleNotFound.Error(),
		})
	}

	for phaseIdx, phase := range phases {
		var batch []string
		for _, id := range phase {
			if selected[id] {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			continue
		}

		m.logger.Info("Starting phase",
			zap.Int("phase", phaseIdx),
			zap.Strings("modules", batch))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, id := range batch {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := m.startOne(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.FailedModules = append(report.FailedModules, model.ModuleFailure{
						ModuleID: id,
						Error:    err.Error(),
					})
					return
				}
				report.StartedModules = append(report.StartedModules, id)
			}(id)
		}
		wg.Wait()
	}

	sort.Strings(report.StartedModules)
	sort.Slice(report.FailedModules, func(i, j int) bool {
		return report.FailedModules[i].ModuleID < report.FailedModules[j].ModuleID
	})
	report.TotalTime = time.Since(begin)
	report.Success = len(report.FailedModules) == 0

	m.logger.Info("Start batch complete",
		zap.Int("started", len(report.StartedModules)),
		zap.Int("failed", len(report.FailedModules)),
		zap.Duration("total_time", report.TotalTime))

	return report, nil
}

// startOne brings up a single module. The inactive -> starting -> active
// transition commits only when the collaborator call succeeds; a module
// whose dependencies are not all active is refused as blocked.
func (m *Manager) startOne(ctx context.Context, id string) error {
	resolution, err := m.resolver.ResolveDependencies(id)
	if err != nil {
		return err
	}
	if !resolution.CanStart {
		return fmt.Errorf("blocked by dependencies: %v", resolution.BlockedBy)
	}

	if m.states.ModuleStatus(id) == model.ModuleStatusActive {
		return nil
	}

	if err := m.states.SetModuleStatus(id, model.ModuleStatusStarting); err != nil {
		return err
	}

	if err := m.controller.StartModule(ctx, id); err != nil {
		if setErr := m.states.SetModuleStatus(id, model.ModuleStatusError); setErr != nil {
			m.logger.Error("Failed to record start failure",
				zap.String("module_id", id), zap.Error(setErr))
		}
		return fmt.Errorf("start failed: %w", err)
	}

	return m.states.SetModuleStatus(id, model.ModuleStatusActive)
}

// StopModules stops the given modules, or the whole catalog, in reverse
// phase order so dependents go down before their dependencies.
func (m *Manager) StopModules(ctx context.Context, ids ...string) (*model.StopReport, error) {
	begin := time.Now()

	phases, err := m.resolver.StartupSequence()
	if err != nil {
		return nil, err
	}

	report := &model.StopReport{}
	selected, unknown := selectModules(phases, ids)
	for _, id := range unknown {
		report.FailedModules = append(report.FailedModules, model.ModuleFailure{
			ModuleID: id,
			Error:    catalog.ErrModuleNotFound.Error(),
		})
	}

	for phaseIdx := len(phases) - 1; phaseIdx >= 0; phaseIdx-- {
		var batch []string
		for _, id := range phases[phaseIdx] {
			if selected[id] {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			continue
		}

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, id := range batch {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				err := m.stopOne(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.FailedModules = append(report.FailedModules, model.ModuleFailure{
						ModuleID: id,
						Error:    err.Error(),
					})
					return
				}
				report.StoppedModules = append(report.StoppedModules, id)
			}(id)
		}
		wg.Wait()
	}

	sort.Strings(report.StoppedModules)
	sort.Slice(report.FailedModules, func(i, j int) bool {
		return report.FailedModules[i].ModuleID < report.FailedModules[j].ModuleID
	})
	report.TotalTime = time.Since(begin)
	report.GracefulShutdown = len(report.FailedModules) == 0

	return report, nil
}

func (m *Manager) stopOne(ctx context.Context, id string) error {
	if m.states.ModuleStatus(id) == model.ModuleStatusInactive {
		return nil
	}

	if err := m.controller.StopModule(ctx, id); err != nil {
		return fmt.Errorf("stop failed: %w", err)
	}

	return m.states.SetModuleStatus(id, model.ModuleStatusInactive)
}

// HandleModuleFailure applies the default RESTART strategy to a failed
// module. AffectedModules is the transitive dependent set, reported as
// impacted even before those modules themselves fail.
func (m *Manager) HandleModuleFailure(ctx context.Context, id string, cause error) (*model.FailureReport, error) {
	if _, err := m.resolver.ResolveDependencies(id); err != nil {
		return nil, err
	}

	m.logger.Warn("Handling module failure",
		zap.String("module_id", id),
		zap.NamedError("cause", cause))

	report := &model.FailureReport{
		ModuleID:         id,
		HandlingStrategy: model.HandlingStrategyRestart,
		AffectedModules:  m.resolver.TransitiveDependents(id),
	}

	if err := m.states.SetModuleStatus(id, model.ModuleStatusError); err != nil {
		return nil, err
	}
	report.ActionsPerformed = append(report.ActionsPerformed, "marked module as failed")

	if err := m.controller.StopModule(ctx, id); err != nil {
		report.ActionsPerformed = append(report.ActionsPerformed,
			fmt.Sprintf("stop failed: %v", err))
	} else {
		report.ActionsPerformed = append(report.ActionsPerformed, "stopped module")
	}

	if err := m.controller.StartModule(ctx, id); err != nil {
		report.ActionsPerformed = append(report.ActionsPerformed,
			fmt.Sprintf("restart failed: %v", err))
		report.RecoveryPossible = false
		report.Success = false
		return report, nil
	}

	report.ActionsPerformed = append(report.ActionsPerformed, "restarted module")
	report.RecoveryPossible = true
	report.Success = true

	if err := m.states.SetModuleStatus(id, model.ModuleStatusActive); err != nil {
		return nil, err
	}

	return report, nil
}

// GetDependencyGraph returns a point-in-time snapshot of the graph
func (m *Manager) GetDependencyGraph() (map[string]model.GraphNode, error) {
	return m.resolver.Snapshot()
}

// ValidateDependencies checks referential integrity and acyclicity of
// a proposed set of module configurations
func (m *Manager) ValidateDependencies(configs []model.ModuleDescriptor) model.ValidationResult {
	return m.resolver.Validate(configs)
}

// selectModules maps the requested ids onto the planned phases. With no
// ids the whole plan is selected. Ids not present in the plan are
// returned separately as unknown.
func selectModules(phases [][]string, ids []string) (map[string]bool, []string) {
	planned := make(map[string]bool)
	for _, phase := range phases {
		for _, id := range phase {
			planned[id] = true
		}
	}

	if len(ids) == 0 {
		return planned, nil
	}

	selected := make(map[string]bool, len(ids))
	var unknown []string
	for _, id := range ids {
		if planned[id] {
			selected[id] = true
		} else {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return selected, unknown
}
