package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qnet-orchestrator/internal/registry"
)

// HTTPChecker probes module health endpoints over HTTP. A 2xx response
// means healthy; anything else, including transport errors, does not.
type HTTPChecker struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPChecker creates a checker with the given probe timeout
func NewHTTPChecker(timeout time.Duration, logger *zap.Logger) *HTTPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		logger: logger.Named("http-checker"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check probes the endpoint and reports health plus observed latency
func (c *HTTPChecker) Check(ctx context.Context, endpoint string) (registry.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return registry.ProbeResult{}, fmt.Errorf("failed to create probe request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return registry.ProbeResult{Latency: latency}, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !healthy {
		c.logger.Debug("Endpoint unhealthy",
			zap.String("endpoint", endpoint),
			zap.Int("status_code", resp.StatusCode))
	}

	return registry.ProbeResult{Healthy: healthy, Latency: latency}, nil
}
