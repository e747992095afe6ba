package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/qnet-orchestrator/internal/catalog"
	"github.com/t77yq/qnet-orchestrator/internal/model"
)

// stubChecker reports health per endpoint; unknown endpoints are healthy
type stubChecker struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	failing   map[string]error
}

func newStubChecker() *stubChecker {
	return &stubChecker{
		unhealthy: make(map[string]bool),
		failing:   make(map[string]error),
	}
}

func (c *stubChecker) Check(_ context.Context, endpoint string) (ProbeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failing[endpoint]; err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{
		Healthy: !c.unhealthy[endpoint],
		Latency: 5 * time.Millisecond,
	}, nil
}

func (c *stubChecker) setFailing(endpoint string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[endpoint] = err
}

// stubController records recovery calls and can be told to fail starts
type stubController struct {
	mu        sync.Mutex
	started   []string
	failStart error
}

func (c *stubController) StartModule(_ context.Context, moduleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failStart != nil {
		return c.failStart
	}
	c.started = append(c.started, moduleID)
	return nil
}

func (c *stubController) StopModule(_ context.Context, _ string) error { return nil }

func (c *stubController) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.started)
}

func descriptor(id string, deps ...string) model.ModuleDescriptor {
	return model.ModuleDescriptor{
		ID:           id,
		Name:         "Module " + id,
		Version:      "1.0.0",
		Endpoint:     "http://localhost/" + id,
		Dependencies: deps,
	}
}

func buildRegistry(t *testing.T, checker HealthChecker, controller ModuleController) *Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cat := catalog.NewCatalog(logger)
	return NewRegistry(cat, checker, controller, nil, Config{
		CheckInterval:       time.Minute,
		FailureThreshold:    3,
		MaxRecoveryAttempts: 3,
	}, logger)
}

func TestRegisterModule(t *testing.T) {
	reg := buildRegistry(t, newStubChecker(), nil)

	result := reg.RegisterModule(descriptor("auth"))
	assert.True(t, result.Success)
	assert.Equal(t, "auth", result.ModuleID)
	assert.Equal(t, model.ModuleStatusInactive, reg.ModuleStatus("auth"))

	// Duplicates are rejected, not overwritten
	result = reg.RegisterModule(descriptor("auth"))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "already registered")

	// Invalid descriptors never reach the catalog
	result = reg.RegisterModule(model.ModuleDescriptor{Name: "x", Endpoint: "http://x"})
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestDiscoverModules(t *testing.T) {
	checker := newStubChecker()
	reg := buildRegistry(t, checker, nil)

	require.True(t, reg.RegisterModule(descriptor("alive")).Success)
	require.True(t, reg.RegisterModule(descriptor("dead")).Success)
	checker.setFailing("http://localhost/dead", errors.New("connection refused"))

	report := reg.DiscoverModules(context.Background(), descriptor("newcomer"))

	assert.Equal(t, []string{"alive", "newcomer"}, report.Discovered)
	assert.Equal(t, []string{"newcomer"}, report.AutoRegistered)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "dead", report.Failed[0].ModuleID)
	assert.Contains(t, report.Failed[0].Error, "connection refused")

	// Auto-registered candidates join the catalog with inactive status
	assert.Equal(t, model.ModuleStatusInactive, reg.ModuleStatus("newcomer"))
}

func TestDiscoverModulesUnhealthyEndpoint(t *testing.T) {
	checker := newStubChecker()
	checker.unhealthy["http://localhost/sick"] = true
	reg := buildRegistry(t, checker, nil)

	require.True(t, reg.RegisterModule(descriptor("sick")).Success)

	report := reg.DiscoverModules(context.Background())
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "endpoint reported unhealthy", report.Failed[0].Error)
	assert.Empty(t, report.Discovered)
}

func TestGetModuleHealth(t *testing.T) {
	checker := newStubChecker()
	reg := buildRegistry(t, checker, nil)
	require.True(t, reg.RegisterModule(descriptor("auth", "db")).Success)
	require.NoError(t, reg.SetModuleStatus("auth", model.ModuleStatusActive))

	health, err := reg.GetModuleHealth(context.Background(), "auth")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusActive, health.Status)
	assert.Equal(t, []string{"db"}, health.Dependencies)
	assert.Equal(t, 5*time.Millisecond, health.ResponseTime)
	assert.False(t, health.LastCheck.IsZero())

	_, err = reg.GetModuleHealth(context.Background(), "missing")
	assert.ErrorIs(t, err, catalog.ErrModuleNotFound)
}

func TestGetAllModulesHealth(t *testing.T) {
	reg := buildRegistry(t, newStubChecker(), nil)
	require.True(t, reg.RegisterModule(descriptor("a")).Success)
	require.True(t, reg.RegisterModule(descriptor("b")).Success)

	healths := reg.GetAllModulesHealth(context.Background())
	require.Len(t, healths, 2)
	assert.Contains(t, healths, "a")
	assert.Contains(t, healths, "b")
}

func TestFailureThresholdTransitions(t *testing.T) {
	checker := newStubChecker()
	controller := &stubController{}
	reg := buildRegistry(t, checker, controller)
	require.True(t, reg.RegisterModule(descriptor("auth")).Success)
	require.NoError(t, reg.SetModuleStatus("auth", model.ModuleStatusActive))

	checker.setFailing("http://localhost/auth", errors.New("timeout"))

	// First two failures only degrade the module
	reg.checkAll(context.Background())
	assert.Equal(t, model.ModuleStatusDegraded, reg.ModuleStatus("auth"))
	reg.checkAll(context.Background())
	assert.Equal(t, model.ModuleStatusDegraded, reg.ModuleStatus("auth"))
	assert.Equal(t, 0, controller.startCount())

	// The third consecutive failure crosses the threshold: the module
	// drops into error and the first recovery attempt fires
	reg.checkAll(context.Background())

	state, err := reg.RuntimeState("auth")
	require.NoError(t, err)
	assert.Equal(t, 1, state.RecoveryAttempts)
	assert.Equal(t, 1, controller.startCount())
	// A successful controller restart leaves the module starting
	assert.Equal(t, model.ModuleStatusStarting, reg.ModuleStatus("auth"))
}

func TestRecoveryBudgetExhausted(t *testing.T) {
	checker := newStubChecker()
	controller := &stubController{failStart: errors.New("exec format error")}
	reg := buildRegistry(t, checker, controller)
	require.True(t, reg.RegisterModule(descriptor("auth")).Success)
	require.NoError(t, reg.SetModuleStatus("auth", model.ModuleStatusActive))

	checker.setFailing("http://localhost/auth", errors.New("timeout"))

	// Drive well past the threshold plus the recovery budget
	for i := 0; i < 10; i++ {
		reg.checkAll(context.Background())
	}

	state, err := reg.RuntimeState("auth")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusError, state.Status)
	// Attempts stop at the budget; the module is left alone afterwards
	assert.Equal(t, 3, state.RecoveryAttempts)

	// An external status change resets the budget
	require.NoError(t, reg.SetModuleStatus("auth", model.ModuleStatusStarting))
	state, err = reg.RuntimeState("auth")
	require.NoError(t, err)
	assert.Equal(t, 0, state.RecoveryAttempts)
}

func TestHealthyProbeRestoresModule(t *testing.T) {
	checker := newStubChecker()
	reg := buildRegistry(t, checker, &stubController{failStart: errors.New("down")})
	require.True(t, reg.RegisterModule(descriptor("auth")).Success)
	require.NoError(t, reg.SetModuleStatus("auth", model.ModuleStatusActive))

	checker.setFailing("http://localhost/auth", errors.New("timeout"))
	reg.checkAll(context.Background())
	assert.Equal(t, model.ModuleStatusDegraded, reg.ModuleStatus("auth"))

	checker.setFailing("http://localhost/auth", nil)
	reg.checkAll(context.Background())

	state, err := reg.RuntimeState("auth")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusActive, state.Status)
	assert.Equal(t, 0, state.FailureCount)
}

func TestSetModuleStatusUnknown(t *testing.T) {
	reg := buildRegistry(t, newStubChecker(), nil)

	assert.ErrorIs(t, reg.SetModuleStatus("ghost", model.ModuleStatusActive), catalog.ErrModuleNotFound)
	_, err := reg.RuntimeState("ghost")
	assert.ErrorIs(t, err, catalog.ErrModuleNotFound)
	assert.Equal(t, model.ModuleStatusInactive, reg.ModuleStatus("ghost"))
}
