// Package window owns per-instance correlation windows: bounded time
// intervals during which all sub-conditions of an FSM must fire.
package window

import (
	"log/slog"
	"sync"
	"time"
)

// Window is the tracked state of one correlation window. The timer handle is
// owned by the manager and never serialized.
type Window struct {
	InstanceID string
	MachineID  string
	StartedAt  time.Time
	ExpiresAt  time.Time
	WindowMS   int64

	timer *time.Timer
}

// Manager schedules and cancels single-shot expiry timers keyed by FSM
// instance id. All operations are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	windows map[string]*Window
}

// NewManager creates an empty window manager.
func NewManager() *Manager {
	return &Manager{windows: make(map[string]*Window)}
}

// StartWindow schedules expiry after windowMS. Starting a window that
// already exists is a no-op returning the existing entry: the first timer is
// never replaced. onExpired runs on its own goroutine after the window
// elapses, unless the window is cancelled first.
func (m *Manager) StartWindow(instanceID, machineID string, windowMS int64, onExpired func(instanceID string)) *Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[instanceID]; ok {
		return w
	}

	now := time.Now()
	w := &Window{
		InstanceID: instanceID,
		MachineID:  machineID,
		StartedAt:  now,
		ExpiresAt:  now.Add(time.Duration(windowMS) * time.Millisecond),
		WindowMS:   windowMS,
	}
	w.timer = time.AfterFunc(time.Duration(windowMS)*time.Millisecond, func() {
		m.expire(instanceID, onExpired)
	})
	m.windows[instanceID] = w

	slog.Debug("Correlation window started",
		"instance_id", instanceID, "machine_id", machineID, "window_ms", windowMS)
	return w
}

func (m *Manager) expire(instanceID string, onExpired func(string)) {
	m.mu.Lock()
	w, ok := m.windows[instanceID]
	if ok {
		delete(m.windows, instanceID)
	}
	m.mu.Unlock()

	if !ok {
		// Cancelled between timer fire and lock acquisition.
		return
	}
	slog.Debug("Correlation window expired",
		"instance_id", instanceID, "machine_id", w.MachineID)
	if onExpired != nil {
		onExpired(instanceID)
	}
}

// CancelWindow stops the timer and removes the window. Returns whether a
// window existed. Cancellation is idempotent.
func (m *Manager) CancelWindow(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[instanceID]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(m.windows, instanceID)
	return true
}

// IsWindowActive reports whether a window exists and has not yet expired.
func (m *Manager) IsWindowActive(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[instanceID]
	return ok && time.Now().Before(w.ExpiresAt)
}

// RemainingMS returns the milliseconds left in the window, or 0 when no
// active window exists.
func (m *Manager) RemainingMS(instanceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[instanceID]
	if !ok {
		return 0
	}
	remaining := time.Until(w.ExpiresAt).Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetWindow returns a copy of the window entry for event enrichment.
func (m *Manager) GetWindow(instanceID string) (Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[instanceID]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// Shutdown cancels all timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, w := range m.windows {
		w.timer.Stop()
		delete(m.windows, id)
	}
}
