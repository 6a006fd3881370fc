package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is anything whose connectivity the readiness check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker serves liveness and readiness probes.
type Checker struct {
	deps   map[string]Pinger
	logger *zap.Logger
}

// NewChecker creates a health checker over named dependencies
func NewChecker(deps map[string]Pinger, logger *zap.Logger) *Checker {
	return &Checker{
		deps:   deps,
		logger: logger,
	}
}

// LivenessHandler reports that the process is running
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// ReadinessHandler pings every dependency; any failure makes the process
// not ready
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(c.deps))

	for name, dep := range c.deps {
		if err := dep.Ping(ctx); err != nil {
			c.logger.Warn("Readiness check failed",
				zap.String("dependency", name),
				zap.Error(err))
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(checks)
}
