package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModuleNotFound is returned when a module id is not in the catalog
	ErrModuleNotFound = errors.New("module not found")

	// ErrDuplicateModule is returned when a module id is already registered
	ErrDuplicateModule = errors.New("module already registered")
)

// ValidationError is returned when a descriptor or configuration is
// rejected before any mutation takes place.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// CycleError is returned when the dependency graph contains a cycle.
// Modules lists the subset that could not be leveled.
type CycleError struct {
	Modules []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving modules: %s",
		strings.Join(e.Modules, ", "))
}
