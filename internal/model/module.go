package model

import (
	"time"
)

// ModuleStatus represents the runtime status of an ecosystem module
type ModuleStatus string

const (
	ModuleStatusInactive ModuleStatus = "inactive"
	ModuleStatusStarting ModuleStatus = "starting"
	ModuleStatusActive   ModuleStatus = "active"
	ModuleStatusDegraded ModuleStatus = "degraded"
	ModuleStatusError    ModuleStatus = "error"
)

// ModuleDescriptor describes a logical service module and its declared
// dependencies. Descriptors are immutable except via explicit catalog updates.
type ModuleDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Endpoint     string   `json:"endpoint"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Environment  []string `json:"environment,omitempty"`
}

// ModuleRuntimeState tracks the live status of a registered module.
// Owned by the registry; mutated only by the registry and the lifecycle manager.
type ModuleRuntimeState struct {
	ModuleID         string       `json:"module_id"`
	Status           ModuleStatus `json:"status"`
	LastHealthCheck  time.Time    `json:"last_health_check"`
	FailureCount     int          `json:"failure_count"`
	RecoveryAttempts int          `json:"recovery_attempts"`
}

// DependencyStatus pairs a dependency id with its live status.
type DependencyStatus struct {
	ModuleID string       `json:"module_id"`
	Status   ModuleStatus `json:"status"`
}

// DependencyResolution is the on-demand view of a module's dependency state.
type DependencyResolution struct {
	ModuleID     string             `json:"module_id"`
	Dependencies []DependencyStatus `json:"dependencies"`
	CanStart     bool               `json:"can_start"`
	BlockedBy    []string           `json:"blocked_by,omitempty"`
	RequiredBy   []string           `json:"required_by,omitempty"`
}

// ModuleHealth is the registry's health view of a single module.
type ModuleHealth struct {
	ModuleID     string        `json:"module_id"`
	Status       ModuleStatus  `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	Metrics      ModuleMetrics `json:"metrics"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// ModuleMetrics carries externally sourced runtime metrics for a module.
type ModuleMetrics struct {
	Uptime       time.Duration `json:"uptime"`
	CPUUsage     float64       `json:"cpu_usage"`
	MemoryUsage  float64       `json:"memory_usage"`
	RequestCount int64         `json:"request_count"`
	ErrorCount   int64         `json:"error_count"`
}

// ModuleFailure records a per-module failure inside a batch operation.
type ModuleFailure struct {
	ModuleID string `json:"module_id"`
	Error    string `json:"error"`
}

// StartReport summarizes a batch start operation.
type StartReport struct {
	StartedModules []string        `json:"started_modules"`
	FailedModules  []ModuleFailure `json:"failed_modules,omitempty"`
	TotalTime      time.Duration   `json:"total_time"`
	Success        bool            `json:"success"`
}

// StopReport summarizes a batch stop operation.
type StopReport struct {
	StoppedModules   []string        `json:"stopped_modules"`
	FailedModules    []ModuleFailure `json:"failed_modules,omitempty"`
	TotalTime        time.Duration   `json:"total_time"`
	GracefulShutdown bool            `json:"graceful_shutdown"`
}

// HandlingStrategy names the strategy applied to a module failure.
type HandlingStrategy string

const (
	HandlingStrategyRestart HandlingStrategy = "RESTART"
)

// FailureReport summarizes the handling of a single module failure.
type FailureReport struct {
	ModuleID         string           `json:"module_id"`
	HandlingStrategy HandlingStrategy `json:"handling_strategy"`
	ActionsPerformed []string         `json:"actions_performed"`
	AffectedModules  []string         `json:"affected_modules,omitempty"`
	RecoveryPossible bool             `json:"recovery_possible"`
	Success          bool             `json:"success"`
}

// GraphNode is one module's entry in a dependency graph snapshot.
type GraphNode struct {
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
	Level        int      `json:"level"`
	Critical     bool     `json:"critical"`
}

// ValidationResult reports referential and structural validity of a
// set of module configurations.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}
