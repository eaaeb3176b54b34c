package metrics

import (
	"time"

	"github.com/backendhub/hubd/internal/observability"
)

// Application-level metrics following Prometheus conventions
var (
	// Listener metrics
	ListenerRebindAttemptsTotal = "listener_rebind_attempts_total"
	BootstrapPhaseDuration      = "bootstrap_phase_duration_ms"

	// Connection metrics
	ActiveConnections       = "app_active_connections"
	ConnectionTimeoutsTotal = "connection_timeouts_total"

	// Admission control metrics
	RateLimitRejectionsTotal = "rate_limit_rejections_total"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
)

// RecordRebindAttempt records one retry after an address-in-use bind failure
func RecordRebindAttempt() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ListenerRebindAttemptsTotal,
			1,
			nil,
		)
	}
}

// RecordBootstrapPhase records how long a bootstrap phase took
func RecordBootstrapPhase(phase string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			BootstrapPhaseDuration,
			duration,
			map[string]string{
				"phase": phase,
			},
		)
	}
}

// SetActiveConnections sets the current number of active connections
func SetActiveConnections(count int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ActiveConnections,
			float64(count),
			nil,
		)
	}
}

// RecordConnectionTimeout records a connection terminated by the inactivity deadline
func RecordConnectionTimeout() {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ConnectionTimeoutsTotal,
			1,
			nil,
		)
	}
}

// RecordRateLimitRejection records a request rejected by admission control
func RecordRateLimitRejection(group string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitRejectionsTotal,
			1,
			map[string]string{
				"group": group,
			},
		)
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(
			ServerStartTime,
			float64(timestamp),
			nil,
		)
	}
}
