package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/fleet"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// DockerConfig holds provisioner settings
type DockerConfig struct {
	Image       string            // node container image
	Labels      map[string]string // extra container labels
	StopTimeout int               // seconds to wait on termination
}

// DockerProvisioner provisions QNET nodes as local containers. It is
// the production implementation of the node provisioner contract.
type DockerProvisioner struct {
	logger *zap.Logger
	docker *client.Client
	cfg    DockerConfig

	mu         sync.Mutex
	containers map[string]string // node id -> container id
}

// NewDockerProvisioner creates a provisioner backed by the local
// Docker daemon
func NewDockerProvisioner(cfg DockerConfig, logger *zap.Logger) (*DockerProvisioner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("node image must be configured")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10
	}

	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerProvisioner{
		logger:     logger.Named("docker-provisioner"),
		docker:     docker,
		cfg:        cfg,
		containers: make(map[string]string),
	}, nil
}

// Provision creates and starts a node container. A container that
// fails to start is removed so no half-provisioned node survives.
func (p *DockerProvisioner) Provision(ctx context.Context, region string) (model.QNETNode, error) {
	nodeID := "qnet-" + uuid.New().String()[:8]

	labels := map[string]string{
		"qnet.node_id": nodeID,
		"qnet.region":  region,
	}
	for key, value := range p.cfg.Labels {
		labels[key] = value
	}

	created, err := p.docker.ContainerCreate(ctx, &container.Config{
		Image:  p.cfg.Image,
		Labels: labels,
	}, nil, nil, nil, nodeID)
	if err != nil {
		return model.QNETNode{}, fmt.Errorf("failed to create node container: %w", err)
	}

	if err := p.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := p.docker.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			p.logger.Error("Failed to remove container after start failure",
				zap.String("container_id", created.ID),
				zap.Error(rmErr))
		}
		return model.QNETNode{}, fmt.Errorf("failed to start node container: %w", err)
	}

	p.mu.Lock()
	p.containers[nodeID] = created.ID
	p.mu.Unlock()

	p.logger.Info("Node provisioned",
		zap.String("node_id", nodeID),
		zap.String("container_id", created.ID),
		zap.String("region", region))

	now := time.Now()
	return model.QNETNode{
		ID:          nodeID,
		Region:      region,
		Status:      model.NodeStatusProvisioning,
		HealthScore: 100,
		LastSeen:    now,
		CreatedAt:   now,
	}, nil
}

// Terminate stops and removes a node's container
func (p *DockerProvisioner) Terminate(ctx context.Context, nodeID string) error {
	p.mu.Lock()
	containerID, exists := p.containers[nodeID]
	p.mu.Unlock()

	if !exists {
		return fleet.ErrNodeNotFound
	}

	timeout := p.cfg.StopTimeout
	if err := p.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		p.logger.Warn("Failed to stop node container, forcing removal",
			zap.String("node_id", nodeID),
			zap.Error(err))
	}

	if err := p.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove node container: %w", err)
	}

	p.mu.Lock()
	delete(p.containers, nodeID)
	p.mu.Unlock()

	p.logger.Info("Node terminated",
		zap.String("node_id", nodeID),
		zap.String("container_id", containerID))
	return nil
}
