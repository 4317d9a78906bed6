package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func resetChecker() {
	checker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func TestRegisterComponent(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "connected")

	comp := checker.components["postgres"]
	if !comp.Healthy || comp.Message != "connected" {
		t.Errorf("unexpected component state: %+v", comp)
	}
}

func TestGetStatusHealthyWhenAllCriticalUpAndCanSpawn(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "")
	RegisterComponent("redis", true, "")

	status := GetStatus(true)
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %s", status.Status)
	}
}

func TestGetStatusDegradedWhenSpawnGateClosed(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "")
	RegisterComponent("redis", true, "")

	status := GetStatus(false)
	if status.Status != "degraded" {
		t.Errorf("expected degraded, got %s", status.Status)
	}
}

func TestGetStatusErrorWhenCriticalComponentUnhealthy(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", false, "connection refused")
	RegisterComponent("redis", true, "")

	status := GetStatus(true)
	if status.Status != "error" {
		t.Errorf("expected error, got %s", status.Status)
	}
	if status.Components["postgres"] != "unhealthy: connection refused" {
		t.Errorf("unexpected postgres component status: %s", status.Components["postgres"])
	}
}

func TestGetStatusErrorWhenCriticalComponentMissing(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "")
	// redis never registered

	status := GetStatus(true)
	if status.Status != "error" {
		t.Errorf("expected error, got %s", status.Status)
	}
}

func TestStatusHandlerReturnsOKWhenHealthy(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "")
	RegisterComponent("redis", true, "")

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	StatusHandler(func(ctx context.Context) (bool, error) { return true, nil })(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var status FleetStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("expected healthy, got %s", status.Status)
	}
}

func TestStatusHandlerTreatsSpawnGateErrorAsCannotSpawn(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", true, "")
	RegisterComponent("redis", true, "")

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	StatusHandler(func(ctx context.Context) (bool, error) { return false, errors.New("redis down") })(w, req)

	var status FleetStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "degraded" {
		t.Errorf("expected degraded, got %s", status.Status)
	}
}

func TestStatusHandlerReturns503OnError(t *testing.T) {
	resetChecker()
	RegisterComponent("postgres", false, "down")
	RegisterComponent("redis", true, "")

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	StatusHandler(func(ctx context.Context) (bool, error) { return true, nil })(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetChecker()
	req := httptest.NewRequest("GET", "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %s", body["status"])
	}
}

func TestUpdateComponent(t *testing.T) {
	resetChecker()
	RegisterComponent("redis", true, "ok")
	UpdateComponent("redis", false, "timeout")

	comp := checker.components["redis"]
	if comp.Healthy || comp.Message != "timeout" {
		t.Errorf("unexpected component state after update: %+v", comp)
	}
}
