package fleet

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// ErrNodeNotFound is returned when a node id is not in the fleet
var ErrNodeNotFound = errors.New("node not found")

// Fleet is the owned store of QNET nodes. The health and scaling
// managers operate on it through injection; readers get copies and may
// observe slightly-stale snapshots.
type Fleet struct {
	logger *zap.Logger
	mu     sync.RWMutex
	nodes  map[string]*model.QNETNode
}

// NewFleet creates an empty fleet store
func NewFleet(logger *zap.Logger) *Fleet {
	return &Fleet{
		logger: logger.Named("fleet"),
		nodes:  make(map[string]*model.QNETNode),
	}
}

// Add inserts a node into the fleet
func (f *Fleet) Add(node model.QNETNode) {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := node
	f.nodes[node.ID] = &copied

	f.logger.Info("Node added to fleet",
		zap.String("node_id", node.ID),
		zap.String("region", node.Region),
		zap.String("status", string(node.Status)))
}

// Remove deletes a node from the fleet
func (f *Fleet) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.nodes[id]; !exists {
		return ErrNodeNotFound
	}
	delete(f.nodes, id)

	f.logger.Info("Node removed from fleet", zap.String("node_id", id))
	return nil
}

// Get returns a copy of the node
func (f *Fleet) Get(id string) (model.QNETNode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	node, exists := f.nodes[id]
	if !exists {
		return model.QNETNode{}, ErrNodeNotFound
	}
	return *node, nil
}

// List returns all nodes sorted by id
func (f *Fleet) List() []model.QNETNode {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes := make([]model.QNETNode, 0, len(f.nodes))
	for _, node := range f.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// ActiveCount returns the number of nodes counted against the fleet
// bounds: everything not terminated.
func (f *Fleet) ActiveCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	count := 0
	for _, node := range f.nodes {
		if node.Status != model.NodeStatusTerminated {
			count++
		}
	}
	return count
}

// SetStatus transitions a node's status
func (f *Fleet) SetStatus(id string, status model.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.nodes[id]
	if !exists {
		return ErrNodeNotFound
	}

	if node.Status != status {
		f.logger.Info("Node status changed",
			zap.String("node_id", id),
			zap.String("from", string(node.Status)),
			zap.String("to", string(status)))
	}
	node.Status = status
	return nil
}

// UpdateResources records a fresh resource sample and marks the node seen
func (f *Fleet) UpdateResources(id string, resources model.NodeResources) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.nodes[id]
	if !exists {
		return ErrNodeNotFound
	}
	node.Resources = resources
	node.LastSeen = time.Now()
	return nil
}

// SetHealthScore records the latest health score and marks the node seen
func (f *Fleet) SetHealthScore(id string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, exists := f.nodes[id]
	if !exists {
		return ErrNodeNotFound
	}
	node.HealthScore = score
	node.LastSeen = time.Now()
	return nil
}
