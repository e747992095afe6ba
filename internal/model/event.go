package model

import "time"

// TriggerType identifies the resource dimension a scaling trigger fires on
type TriggerType string

const (
	TriggerTypeCPU     TriggerType = "cpu"
	TriggerTypeMemory  TriggerType = "memory"
	TriggerTypeNetwork TriggerType = "network"
)

// TriggerSeverity grades how far past its threshold a trigger is
type TriggerSeverity string

const (
	TriggerSeverityInfo     TriggerSeverity = "info"
	TriggerSeverityWarning  TriggerSeverity = "warning"
	TriggerSeverityCritical TriggerSeverity = "critical"
)

// ScalingAction is the decision taken for a scaling trigger
type ScalingAction string

const (
	ScalingActionScaleUp      ScalingAction = "scale_up"
	ScalingActionScaleDown    ScalingAction = "scale_down"
	ScalingActionRedistribute ScalingAction = "redistribute"
)

// HealthEvent is an append-only record of one node health evaluation.
type HealthEvent struct {
	EventID     string    `json:"event_id"`
	NodeID      string    `json:"node_id"`
	Timestamp   time.Time `json:"timestamp"`
	HealthScore float64   `json:"health_score"`
	Issues      []string  `json:"issues,omitempty"`
	Actions     []string  `json:"actions,omitempty"`
}

// ScalingTrigger is the transient input to a scaling decision.
type ScalingTrigger struct {
	Type         TriggerType     `json:"type"`
	Threshold    float64         `json:"threshold"`
	CurrentValue float64         `json:"current_value"`
	Severity     TriggerSeverity `json:"severity"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ScalingResult is the outcome of one scaling decision.
type ScalingResult struct {
	Success          bool          `json:"success"`
	Action           ScalingAction `json:"action"`
	Reason           string        `json:"reason,omitempty"`
	NodesProvisioned int           `json:"nodes_provisioned"`
	NodesTerminated  int           `json:"nodes_terminated"`
	NewNodes         []string      `json:"new_nodes,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// ScalingEvent is an append-only audit record of a scaling decision.
type ScalingEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Trigger   ScalingTrigger `json:"trigger"`
	Result    ScalingResult  `json:"result"`
	Impact    string         `json:"impact,omitempty"`
}
