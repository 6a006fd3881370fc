package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestLiveness(t *testing.T) {
	c := NewChecker(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	c.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness(t *testing.T) {
	healthy := pingFunc(func(ctx context.Context) error { return nil })
	unhealthy := pingFunc(func(ctx context.Context) error { return errors.New("down") })

	c := NewChecker(map[string]Pinger{"postgres": healthy, "redis": healthy}, zap.NewNop())
	rec := httptest.NewRecorder()
	c.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c = NewChecker(map[string]Pinger{"postgres": healthy, "redis": unhealthy}, zap.NewNop())
	rec = httptest.NewRecorder()
	c.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unhealthy"`)
}
