package controller

import (
	"sync"

	"github.com/crispyconductor/tightcnc-go/gcvm"
)

// Mock is an in-memory stand-in for Session, used in tests and dry
// runs where no physical controller is attached. It tracks just enough
// state to satisfy processors.Controller and to let a test assert on
// what was sent.
type Mock struct {
	mu       sync.Mutex
	sent     []string
	paused   bool
	snapshot gcvm.MachineSnapshot
}

// NewMock returns an idle mock controller.
func NewMock() *Mock {
	return &Mock{}
}

// Send records text as having been "sent" to the controller.
func (m *Mock) Send(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
}

// Sent returns every line recorded by Send, in order.
func (m *Mock) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// WaitSync is instantaneous for a mock: there is no real planner queue
// to drain.
func (m *Mock) WaitSync() error {
	return nil
}

func (m *Mock) PauseSpindleCoolant() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	return nil
}

func (m *Mock) ResumeSpindleCoolant() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	return nil
}

// Paused reports whether PauseSpindleCoolant has been called without a
// matching ResumeSpindleCoolant.
func (m *Mock) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// SetSnapshot seeds the mock's reported machine state, e.g. to exercise
// gcvm.SyncStateFromController in a test without a live connection.
func (m *Mock) SetSnapshot(snap gcvm.MachineSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snap
}

// Snapshot returns the mock's current reported state.
func (m *Mock) Snapshot() gcvm.MachineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}
