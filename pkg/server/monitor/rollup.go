package monitor

import (
	"sync"
	"time"
)

// RollupMonitor tracks the health of one rollup schedule.
type RollupMonitor struct {
	// maxAge is how stale the last success may be before the schedule is
	// reported unhealthy. Set per schedule: a 1m cadence goes stale much
	// faster than a 15m one.
	maxAge time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewRollupMonitor creates a monitor for a schedule that should succeed at
// least once per maxAge.
func NewRollupMonitor(maxAge time.Duration) *RollupMonitor {
	return &RollupMonitor{maxAge: maxAge}
}

// RecordSuccess records a successful rollup run.
func (rm *RollupMonitor) RecordSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastSuccess = time.Now()
	rm.lastAttempt = time.Now()
	rm.consecutiveErrors = 0
	rm.lastError = ""
}

// RecordFailure records a failed rollup run.
func (rm *RollupMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = time.Now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// IsHealthy returns true if the schedule is keeping up.
// Unhealthy conditions:
//   - Never succeeded
//   - Last success older than the schedule's max age
//   - More than 3 consecutive failures
func (rm *RollupMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isHealthyLocked()
}

func (rm *RollupMonitor) isHealthyLocked() bool {
	if rm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(rm.lastSuccess) > rm.maxAge {
		return false
	}
	if rm.consecutiveErrors > 3 {
		return false
	}
	return true
}

// RollupStatus is the schedule's health snapshot for /v1/health.
type RollupStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current schedule status for health checks.
func (rm *RollupMonitor) Status() RollupStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RollupStatus{
		Healthy: rm.isHealthyLocked(),
	}

	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(rm.lastSuccess).String()
	}

	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}

	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}

	return status
}
