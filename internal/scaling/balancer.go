package scaling

import (
	"errors"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// ErrNoHealthyNodes is returned when every candidate node sits below
// the health floor
var ErrNoHealthyNodes = errors.New("no healthy nodes available")

// Balancer computes traffic weights across healthy nodes in proportion
// to their health scores.
type Balancer struct {
	logger      *zap.Logger
	healthFloor float64
}

// NewBalancer creates a balancer with the given health floor
func NewBalancer(healthFloor float64, logger *zap.Logger) *Balancer {
	return &Balancer{
		logger:      logger.Named("balancer"),
		healthFloor: healthFloor,
	}
}

// Weights returns per-node traffic weights summing to 100. Nodes below
// the health floor or already terminated are excluded; an empty
// remainder is an error.
func (b *Balancer) Weights(nodes []model.QNETNode) (map[string]float64, error) {
	var eligible []model.QNETNode
	totalScore := 0.0
	for _, node := range nodes {
		if node.Status == model.NodeStatusTerminated {
			continue
		}
		if node.HealthScore < b.healthFloor {
			b.logger.Debug("Node excluded from balancing",
				zap.String("node_id", node.ID),
				zap.Float64("health_score", node.HealthScore))
			continue
		}
		eligible = append(eligible, node)
		totalScore += node.HealthScore
	}

	if len(eligible) == 0 {
		return nil, ErrNoHealthyNodes
	}

	weights := make(map[string]float64, len(eligible))
	if totalScore == 0 {
		// All scores zero yet above the floor can only happen with a
		// zero floor; split evenly.
		even := 100.0 / float64(len(eligible))
		for _, node := range eligible {
			weights[node.ID] = even
		}
		return weights, nil
	}

	for _, node := range eligible {
		weights[node.ID] = node.HealthScore / totalScore * 100
	}
	return weights, nil
}
