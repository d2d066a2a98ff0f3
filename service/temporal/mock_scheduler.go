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
	schedules map[string]mockSchedule // keyed by schedule ID
	upsertErr error
	deleteErr error
}

type mockSchedule struct {
	input    WatchAccountInput
	interval time.Duration
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]mockSchedule),
	}
}

// UpsertWatchSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertWatchSchedule(ctx context.Context, input WatchAccountInput, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.schedules[scheduleID(input.Address)] = mockSchedule{input: input, interval: interval}
	return nil
}

// DeleteWatchSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteWatchSchedule(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(address)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found: %w", id, ErrScheduleNotFound)
	}
	delete(m.schedules, id)
	return nil
}

// SetUpsertError makes UpsertWatchSchedule return an error.
func (m *MockScheduler) SetUpsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// SetDeleteError makes DeleteWatchSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// ScheduleExists checks if a schedule exists for an account.
func (m *MockScheduler) ScheduleExists(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[scheduleID(address)]
	return exists
}

// GetSchedule returns the input and interval of an account's schedule.
func (m *MockScheduler) GetSchedule(address string) (WatchAccountInput, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.schedules[scheduleID(address)]
	return s.input, s.interval, exists
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
