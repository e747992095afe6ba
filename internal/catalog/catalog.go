package catalog

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// Catalog is the owned store of module descriptors. All mutation goes
// through explicit Add/Update/Remove calls; readers get copies.
type Catalog struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	modules map[string]model.ModuleDescriptor
}

// NewCatalog creates an empty module catalog
func NewCatalog(logger *zap.Logger) *Catalog {
	return &Catalog{
		logger:  logger.Named("catalog"),
		modules: make(map[string]model.ModuleDescriptor),
	}
}

// Add registers a new descriptor. Empty id/name/endpoint and duplicate
// ids are rejected before any state changes.
func (c *Catalog) Add(desc model.ModuleDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.modules[desc.ID]; exists {
		return ErrDuplicateModule
	}

	c.modules[desc.ID] = desc
	c.logger.Info("Module added to catalog",
		zap.String("module_id", desc.ID),
		zap.String("name", desc.Name),
		zap.Strings("dependencies", desc.Dependencies))

	return nil
}

// Update replaces an existing descriptor
func (c *Catalog) Update(desc model.ModuleDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.modules[desc.ID]; !exists {
		return ErrModuleNotFound
	}

	c.modules[desc.ID] = desc
	return nil
}

// Remove deletes a descriptor from the catalog
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.modules[id]; !exists {
		return ErrModuleNotFound
	}

	delete(c.modules, id)
	c.logger.Info("Module removed from catalog", zap.String("module_id", id))
	return nil
}

// Get returns a copy of the descriptor for the given id
func (c *Catalog) Get(id string) (model.ModuleDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	desc, exists := c.modules[id]
	if !exists {
		return model.ModuleDescriptor{}, ErrModuleNotFound
	}
	return desc, nil
}

// Has reports whether the id is registered
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.modules[id]
	return exists
}

// List returns all descriptors sorted by id
func (c *Catalog) List() []model.ModuleDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	descs := make([]model.ModuleDescriptor, 0, len(c.modules))
	for _, desc := range c.modules {
		descs = append(descs, desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })
	return descs
}

// Dependencies returns the adjacency map of the current catalog.
// The returned map is a copy and safe to mutate.
func (c *Catalog) Dependencies() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	graph := make(map[string][]string, len(c.modules))
	for id, desc := range c.modules {
		deps := make([]string, len(desc.Dependencies))
		copy(deps, desc.Dependencies)
		graph[id] = deps
	}
	return graph
}

// setDependencies commits new dependencies for a module. The resolver
// validates acyclicity before calling this.
func (c *Catalog) setDependencies(id string, deps []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	desc, exists := c.modules[id]
	if !exists {
		return ErrModuleNotFound
	}

	desc.Dependencies = append([]string(nil), deps...)
	c.modules[id] = desc
	return nil
}

func validateDescriptor(desc model.ModuleDescriptor) error {
	if desc.ID == "" {
		return &ValidationError{Reason: "module id must not be empty"}
	}
	if desc.Name == "" {
		return &ValidationError{Reason: "module name must not be empty"}
	}
	if desc.Endpoint == "" {
		return &ValidationError{Reason: "module endpoint must not be empty"}
	}
	return nil
}
