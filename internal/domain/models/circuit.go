package models

import "time"

// CircuitState is the admission state of one guarded dependency.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitSnapshot is a point-in-time copy of a breaker, used for the ops
// surface and for advisory persistence across restarts.
type CircuitSnapshot struct {
	Name                 string       `json:"name"`
	State                CircuitState `json:"state"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	OpenedAt             *time.Time   `json:"opened_at,omitempty"`
	Calls                int64        `json:"calls"`
	Successes            int64        `json:"successes"`
	Failures             int64        `json:"failures"`
	Rejections           int64        `json:"rejections"`
}

// RateUsage is the observed consumption of one request class window.
type RateUsage struct {
	Class         string  `json:"class"`
	Count         int     `json:"count"`
	MaxRequests   int     `json:"max_requests"`
	WindowSeconds float64 `json:"window_seconds"`
	Utilization   float64 `json:"utilization"`
	PerSecond     float64 `json:"per_second"`
}
