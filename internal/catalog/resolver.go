package catalog

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// StatusProvider supplies the live status of a module. The registry
// implements this; the resolver never owns runtime state itself.
type StatusProvider interface {
	ModuleStatus(id string) model.ModuleStatus
}

// Resolver computes dependency closures, phased startup plans, levels
// and the critical path over the catalog's dependency graph.
type Resolver struct {
	logger  *zap.Logger
	catalog *Catalog
	status  StatusProvider
}

// NewResolver creates a resolver over the given catalog
func NewResolver(catalog *Catalog, status StatusProvider, logger *zap.Logger) *Resolver {
	return &Resolver{
		logger:  logger.Named("resolver"),
		catalog: catalog,
		status:  status,
	}
}

// ResolveDependencies returns the live dependency view for a module:
// per-dependency status, whether the module can start, what blocks it,
// and the transitive set of modules that require it.
func (r *Resolver) ResolveDependencies(id string) (*model.DependencyResolution, error) {
	desc, err := r.catalog.Get(id)
	if err != nil {
		return nil, err
	}

	resolution := &model.DependencyResolution{
		ModuleID: id,
		CanStart: true,
	}

	for _, depID := range desc.Dependencies {
		status := r.status.ModuleStatus(depID)
		resolution.Dependencies = append(resolution.Dependencies, model.DependencyStatus{
			ModuleID: depID,
			Status:   status,
		})
		if status != model.ModuleStatusActive {
			resolution.CanStart = false
			resolution.BlockedBy = append(resolution.BlockedBy, depID)
		}
	}

	resolution.RequiredBy = r.TransitiveDependents(id)
	return resolution, nil
}

// StartupSequence returns the ordered startup phases. Phase 0 holds
// zero-dependency modules; every later phase holds modules whose
// dependencies are all assigned to strictly earlier phases. Modules
// within a phase carry no ordering and may start concurrently.
func (r *Resolver) StartupSequence() ([][]string, error) {
	return levelize(r.catalog.Dependencies())
}

// Level returns the dependency level of a module: 0 with no
// dependencies, otherwise 1 + the maximum level among them.
func (r *Resolver) Level(id string) (int, error) {
	levels, err := r.Levels()
	if err != nil {
		return 0, err
	}
	level, ok := levels[id]
	if !ok {
		return 0, ErrModuleNotFound
	}
	return level, nil
}

// Levels computes the level of every module in the catalog
func (r *Resolver) Levels() (map[string]int, error) {
	phases, err := levelize(r.catalog.Dependencies())
	if err != nil {
		return nil, err
	}

	levels := make(map[string]int)
	for level, phase := range phases {
		for _, id := range phase {
			levels[id] = level
		}
	}
	return levels, nil
}

// CriticalPath returns the longest dependency chain, ordered from the
// root module to the deepest dependent.
func (r *Resolver) CriticalPath() ([]string, error) {
	graph := r.catalog.Dependencies()
	levels, err := r.Levels()
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, nil
	}

	// Walk back from a deepest module, at each step picking the
	// dependency one level below. Ids break ties deterministically.
	var deepest string
	maxLevel := -1
	for id, level := range levels {
		if level > maxLevel || (level == maxLevel && id < deepest) {
			deepest = id
			maxLevel = level
		}
	}

	path := []string{deepest}
	current := deepest
	for levels[current] > 0 {
		next := ""
		for _, depID := range graph[current] {
			if levels[depID] == levels[current]-1 && (next == "" || depID < next) {
				next = depID
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		current = next
	}

	// Reverse so the path reads root first
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// TransitiveDependents returns every module that directly or
// transitively depends on the given module, sorted by id.
func (r *Resolver) TransitiveDependents(id string) []string {
	graph := r.catalog.Dependencies()

	// Invert the graph once, then walk it
	dependents := make(map[string][]string)
	for moduleID, deps := range graph {
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], moduleID)
		}
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), dependents[id]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		queue = append(queue, dependents[current]...)
	}

	result := make([]string, 0, len(seen))
	for moduleID := range seen {
		result = append(result, moduleID)
	}
	sort.Strings(result)
	return result
}

// UpdateModuleDependencies replaces a module's dependencies after
// re-validating acyclicity. On a cycle the update is rejected and the
// prior graph is retained untouched.
func (r *Resolver) UpdateModuleDependencies(id string, deps []string) error {
	if !r.catalog.Has(id) {
		return ErrModuleNotFound
	}

	candidate := r.catalog.Dependencies()
	candidate[id] = append([]string(nil), deps...)
	if _, err := levelize(candidate); err != nil {
		r.logger.Warn("Rejected dependency update",
			zap.String("module_id", id),
			zap.Error(err))
		return err
	}

	return r.catalog.setDependencies(id, deps)
}

// Validate checks a set of module configurations for referential
// integrity and acyclicity without touching the catalog.
func (r *Resolver) Validate(configs []model.ModuleDescriptor) model.ValidationResult {
	result := model.ValidationResult{IsValid: true}

	graph := make(map[string][]string, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			result.Errors = append(result.Errors, "module with empty id")
			continue
		}
		if _, dup := graph[cfg.ID]; dup {
			result.Errors = append(result.Errors,
				fmt.Sprintf("duplicate module id: %s", cfg.ID))
			continue
		}
		graph[cfg.ID] = cfg.Dependencies
	}

	for id, deps := range graph {
		for _, depID := range deps {
			if _, known := graph[depID]; !known {
				result.Errors = append(result.Errors,
					fmt.Sprintf("module %s depends on unknown module %s", id, depID))
			}
		}
	}

	if len(result.Errors) == 0 {
		if _, err := levelize(graph); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.IsValid = len(result.Errors) == 0
	sort.Strings(result.Errors)
	return result
}

// Snapshot returns the per-module graph view used by the lifecycle
// manager: dependencies, dependents, level and critical-path membership.
func (r *Resolver) Snapshot() (map[string]model.GraphNode, error) {
	graph := r.catalog.Dependencies()
	levels, err := r.Levels()
	if err != nil {
		return nil, err
	}
	critical, err := r.CriticalPath()
	if err != nil {
		return nil, err
	}

	onPath := make(map[string]bool, len(critical))
	for _, id := range critical {
		onPath[id] = true
	}

	dependents := make(map[string][]string)
	for moduleID, deps := range graph {
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], moduleID)
		}
	}

	snapshot := make(map[string]model.GraphNode, len(graph))
	for id, deps := range graph {
		deps := append([]string(nil), deps...)
		sort.Strings(deps)
		down := append([]string(nil), dependents[id]...)
		sort.Strings(down)
		snapshot[id] = model.GraphNode{
			Dependencies: deps,
			Dependents:   down,
			Level:        levels[id],
			Critical:     onPath[id],
		}
	}
	return snapshot, nil
}

// levelize runs iterative Kahn-style leveling over an adjacency map.
// Each pass collects modules whose dependencies are all assigned; a
// pass with no progress while modules remain means a cycle, reported
// with the unresolved subset.
func levelize(graph map[string][]string) ([][]string, error) {
	assigned := make(map[string]bool, len(graph))
	var phases [][]string

	for len(assigned) < len(graph) {
		var phase []string
		for id, deps := range graph {
			if assigned[id] {
				continue
			}
			ready := true
			for _, depID := range deps {
				// Dependencies outside the graph cannot gate leveling
				if _, known := graph[depID]; !known {
					continue
				}
				if !assigned[depID] {
					ready = false
					break
				}
			}
			if ready {
				phase = append(phase, id)
			}
		}

		if len(phase) == 0 {
			var unresolved []string
			for id := range graph {
				if !assigned[id] {
					unresolved = append(unresolved, id)
				}
			}
			sort.Strings(unresolved)
			return nil, &CycleError{Modules: unresolved}
		}

		sort.Strings(phase)
		for _, id := range phase {
			assigned[id] = true
		}
		phases = append(phases, phase)
	}

	return phases, nil
}
