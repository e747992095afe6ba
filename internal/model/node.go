package model

import "time"

// NodeStatus represents the lifecycle status of a QNET fleet node
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusActive       NodeStatus = "active"
	NodeStatusDegraded     NodeStatus = "degraded"
	NodeStatusUnreachable  NodeStatus = "unreachable"
	NodeStatusTerminated   NodeStatus = "terminated"
)

// NodeResources holds a node's raw resource utilization sample.
// All values are percentages except Network, which is latency in ms.
type NodeResources struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Network float64 `json:"network"`
	Disk    float64 `json:"disk"`
}

// QNETNode represents a compute node in the elastic fleet.
// Created on provisioning, destroyed on termination or failed provisioning.
type QNETNode struct {
	ID           string        `json:"id"`
	Region       string        `json:"region"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Status       NodeStatus    `json:"status"`
	HealthScore  float64       `json:"health_score"`
	Resources    NodeResources `json:"resources"`
	LastSeen     time.Time     `json:"last_seen"`
	CreatedAt    time.Time     `json:"created_at"`
}
