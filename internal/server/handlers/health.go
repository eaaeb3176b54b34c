package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/backendhub/hubd/internal/metrics"
	"github.com/fulmenhq/gofulmen/errors"
)

const (
	// LivenessMessage is returned by the liveness check.
	LivenessMessage = "Server is Running."

	// ReadinessMessage is returned by the readiness check when every dependency answered.
	ReadinessMessage = "DB is Running."

	defaultReadinessTimeout = 5 * time.Second
)

// MessageResponse is the body of a successful health check.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth implements HealthChecker.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthManager serves the liveness and readiness checks.
//
// Readiness is recomputed on every request; results are never cached, so two
// consecutive calls against a healthy dependency both report healthy.
type HealthManager struct {
	checkers map[string]HealthChecker
	version  string
	timeout  time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
		timeout:  defaultReadinessTimeout,
	}
}

// RegisterChecker registers a health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.checkers[name] = checker
}

// SetTimeout bounds each readiness evaluation.
func (hm *HealthManager) SetTimeout(d time.Duration) {
	if d > 0 {
		hm.timeout = d
	}
}

// Version returns the version reported alongside health check failures.
func (hm *HealthManager) Version() string {
	return hm.version
}

// Check runs every registered checker once and returns per-check status
// plus the first failure in name order.
func (hm *HealthManager) Check(ctx context.Context) (map[string]string, error) {
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	var firstErr error
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = "timeout"
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			continue
		}

		start := time.Now()
		err := hm.checkers[name].CheckHealth(ctx)
		metrics.RecordHealthCheck(name, err == nil, time.Since(start))

		if err != nil {
			checks[name] = "unhealthy"
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		checks[name] = "healthy"
	}

	return checks, firstErr
}

// LivenessHandler reports that the process is serving requests.
// It never consults dependencies.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, LivenessMessage)
}

// ReadinessHandler performs a fresh dependency round-trip per request.
// A failed dependency yields a DATABASE_ERROR envelope; the process keeps running.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checkCtx, cancel := context.WithTimeout(r.Context(), hm.timeout)
	defer cancel()

	checks, err := hm.Check(checkCtx)
	if err != nil {
		envelope := errors.NewErrorEnvelope("DATABASE_ERROR", "database is not reachable")
		envelope = enrichHealthEnvelope(envelope, "ready", "unhealthy", checks, err)
		respondWithError(w, r, envelope)
		return
	}

	writeMessage(w, ReadinessMessage)
}

func writeMessage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(MessageResponse{Message: message})
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, check, status string, checks map[string]string, cause error) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if check != "" {
		details["check"] = check
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if check != "" {
		contextData["check"] = check
	}
	if cause != nil {
		contextData["wrapped_error"] = cause.Error()
	}

	var unhealthy []string
	for name, result := range checks {
		if result != "healthy" {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}
