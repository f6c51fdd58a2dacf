// Package monitor tracks the health of the periodic consolidation pass.
package monitor

import (
	"sync"
	"time"
)

// ConsolidationMonitor records pass outcomes for health checks and alerts.
type ConsolidationMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	staleAfter        time.Duration
}

// NewConsolidationMonitor builds a monitor that considers the pass unhealthy
// when no success happened within staleAfter.
func NewConsolidationMonitor(staleAfter time.Duration) *ConsolidationMonitor {
	return &ConsolidationMonitor{staleAfter: staleAfter}
}

// RecordSuccess records a successful pass.
func (cm *ConsolidationMonitor) RecordSuccess() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.consecutiveErrors = 0
	cm.lastError = ""
}

// RecordFailure records a failed pass.
func (cm *ConsolidationMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = time.Now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// IsHealthy returns true while passes are succeeding. Unhealthy conditions:
//   - never succeeded
//   - no success within the stale window
//   - more than 3 consecutive failures
func (cm *ConsolidationMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.staleAfter > 0 && time.Since(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors <= 3
}

// Status is the serialized health snapshot for the /health endpoint.
type Status struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current snapshot.
func (cm *ConsolidationMonitor) Status() Status {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := Status{Healthy: cm.isHealthyLocked()}
	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(cm.lastSuccess).String()
	}
	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}
	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}
	return status
}

func (cm *ConsolidationMonitor) isHealthyLocked() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.staleAfter > 0 && time.Since(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors <= 3
}
