package probe

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPController drives module bring-up and tear-down through the
// modules' management endpoints. It implements the start/stop
// collaborator contract for both the lifecycle manager and the
// registry's recovery loop.
type HTTPController struct {
	logger     *zap.Logger
	httpClient *http.Client

	mu        sync.RWMutex
	endpoints map[string]string // module id -> management endpoint
}

// NewHTTPController creates a controller with the given call timeout
func NewHTTPController(timeout time.Duration, logger *zap.Logger) *HTTPController {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPController{
		logger: logger.Named("http-controller"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		endpoints: make(map[string]string),
	}
}

// SetEndpoint maps a module id to its management endpoint
func (c *HTTPController) SetEndpoint(moduleID, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[moduleID] = endpoint
}

// StartModule requests bring-up of a module
func (c *HTTPController) StartModule(ctx context.Context, moduleID string) error {
	return c.post(ctx, moduleID, "start")
}

// StopModule requests tear-down of a module
func (c *HTTPController) StopModule(ctx context.Context, moduleID string) error {
	return c.post(ctx, moduleID, "stop")
}

func (c *HTTPController) post(ctx context.Context, moduleID, action string) error {
	c.mu.RLock()
	endpoint, exists := c.endpoints[moduleID]
	c.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no management endpoint for module %s", moduleID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/"+action, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", action, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s call failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s call returned status %d", action, resp.StatusCode)
	}

	c.logger.Debug("Module control call succeeded",
		zap.String("module_id", moduleID),
		zap.String("action", action))
	return nil
}
