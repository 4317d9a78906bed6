package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// FleetStatus is the read model behind GET /api/status: fleet health is
// healthy, degraded, or error based on the spawn gate and the health of
// critical components.
type FleetStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// criticalComponents must be healthy for the fleet to report anything
// better than "error" — a down relational store or KV halts both dispatch
// and the spawn gate.
var criticalComponents = []string{"postgres", "redis"}

// ComponentHealth tracks the health of a single dependency.
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker tracks dependency health for the status endpoint.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var checker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// SetVersion sets the version string reported in status responses.
func SetVersion(version string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.version = version
}

// RegisterComponent records a dependency's health.
func RegisterComponent(name string, healthy bool, message string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
}

// UpdateComponent is an alias for RegisterComponent used by periodic pingers.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetStatus derives the fleet status from registered component health and
// the current spawn gate. Any unhealthy critical component reports
// "error"; a healthy fleet that cannot spawn (cooldown, exhausted daily
// budget, fleet at capacity) reports "degraded"; otherwise "healthy".
func GetStatus(canSpawn bool) FleetStatus {
	checker.mu.RLock()
	defer checker.mu.RUnlock()

	components := make(map[string]string, len(checker.components))
	status := "healthy"
	message := ""

	for _, name := range criticalComponents {
		comp, ok := checker.components[name]
		switch {
		case !ok:
			status = "error"
			message = name + " not registered"
			components[name] = "unknown"
		case !comp.Healthy:
			status = "error"
			message = name + ": " + comp.Message
			components[name] = "unhealthy: " + comp.Message
		default:
			components[name] = "healthy"
		}
	}

	if status == "healthy" && !canSpawn {
		status = "degraded"
		message = "spawn gate closed"
	}

	return FleetStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    checker.version,
		Uptime:     time.Since(checker.startTime).String(),
	}
}

// CanSpawnFunc evaluates the current spawn gate for StatusHandler.
type CanSpawnFunc func(ctx context.Context) (bool, error)

// StatusHandler serves GET /api/status.
func StatusHandler(canSpawn CanSpawnFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := canSpawn(r.Context())
		if err != nil {
			ok = false
		}
		status := GetStatus(ok)

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status.Status == "error" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// LivenessHandler is a process-alive check independent of dependency
// health, used by the sandbox orchestrator's own liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(checker.startTime).String(),
		})
	}
}
