package health

import (
	"sync"
	"time"
)

// CheckFunc reports the current health of one component.
type CheckFunc func() Status

// Monitor tracks health of multiple components in a thread-safe manner.
// Statuses are either pushed with Update or pulled from registered checks
// on every AggregateHealth call.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
	}
}

// Update sets the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Register adds a check that is evaluated on every aggregation.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Get retrieves the last pushed status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.statuses)
	for name := range m.checks {
		if _, pushed := m.statuses[name]; !pushed {
			n++
		}
	}
	return n
}

// AggregateHealth runs the registered checks and aggregates them with the
// pushed statuses. A check overrides a pushed status of the same name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	merged := make(map[string]Status, len(m.statuses)+len(m.checks))
	for name, status := range m.statuses {
		merged[name] = status
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	for name, check := range checks {
		status := check()
		status.Component = name
		merged[name] = status
	}

	subs := make([]Status, 0, len(merged))
	for _, status := range merged {
		subs = append(subs, status)
	}
	return Aggregate(systemName, subs)
}
