package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Engine is the readiness surface the handler probes. The relay server
// satisfies it.
type Engine interface {
	Ready() bool
}

// Handler manages health check endpoints
type Handler struct {
	engine Engine
}

// NewHandler creates a new health check handler
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 once the relay listener is accepting connections, 503 before
// that and after shutdown begins.
func (h *Handler) Readiness(c *gin.Context) {
	checks := make(map[string]string)
	status := "ready"
	statusCode := http.StatusOK

	if h.engine != nil && h.engine.Ready() {
		checks["relay"] = "healthy"
	} else {
		checks["relay"] = "unhealthy"
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
