package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	exists    bool
	interval  time.Duration
	limit     int
	upserts   int
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// UpsertReconcileSchedule records the schedule's interval and limit.
func (m *MockScheduler) UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.exists = true
	m.interval = interval
	m.limit = limit
	m.upserts++
	return nil
}

// DeleteReconcileSchedule records that the schedule was deleted.
func (m *MockScheduler) DeleteReconcileSchedule(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if !m.exists {
		return fmt.Errorf("schedule %q not found", ReconcileScheduleID)
	}
	m.exists = false
	return nil
}

// SetCreateError makes UpsertReconcileSchedule return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteReconcileSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// ScheduleExists reports whether the schedule is currently registered.
func (m *MockScheduler) ScheduleExists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists
}

// Interval returns the last upserted interval and sweep limit.
func (m *MockScheduler) Interval() (time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.limit
}

// UpsertCount returns how many times the schedule was upserted.
func (m *MockScheduler) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// Reset clears all state.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = false
	m.interval = 0
	m.limit = 0
	m.upserts = 0
	m.createErr = nil
	m.deleteErr = nil
}
