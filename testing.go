package nvme

import (
	"sync"

	"github.com/nvme-go/nvmectrlr/internal/transport"
	"github.com/nvme-go/nvmectrlr/simtransport"
)

// MockTransport wraps the simulated transport with method-call
// tracking and submit-path fault injection for unit tests. It
// implements the full Transport contract; the simulated device model
// (registers, identify data, namespace lists, ANA log, AER latch)
// comes from simtransport.
type MockTransport struct {
	*simtransport.Device

	mu           sync.RWMutex
	submitCalls  int
	processCalls int
	submitErr    error
}

// NewMockTransport creates a mock over a simulated device with the
// given personality.
func NewMockTransport(cfg simtransport.Config) *MockTransport {
	return &MockTransport{Device: simtransport.New(cfg)}
}

// SubmitAdminRequest implements Transport, counting calls and failing
// with the injected error if one is set.
func (m *MockTransport) SubmitAdminRequest(cmd *transport.Command, cb transport.AdminCompletionFunc) error {
	m.mu.Lock()
	m.submitCalls++
	err := m.submitErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.Device.SubmitAdminRequest(cmd, cb)
}

// ProcessCompletions implements Transport, counting pump ticks.
func (m *MockTransport) ProcessCompletions(maxCompletions int) (int, error) {
	m.mu.Lock()
	m.processCalls++
	m.mu.Unlock()
	return m.Device.ProcessCompletions(maxCompletions)
}

// Testing utility methods

// SetSubmitError injects an error returned by every subsequent
// SubmitAdminRequest; nil clears it.
func (m *MockTransport) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SubmitCalls returns how many admin submissions were attempted.
func (m *MockTransport) SubmitCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.submitCalls
}

// ProcessCalls returns how many times the completion pump ran.
func (m *MockTransport) ProcessCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processCalls
}

// Compile-time interface check
var _ Transport = (*MockTransport)(nil)
