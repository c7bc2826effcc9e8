package pose

import (
	"context"
	"sync"
)

// Mock is a test double for Estimator.
type Mock struct {
	EstimateFunc func(ctx context.Context, jpeg []byte) ([]Detection, error)

	mu     sync.Mutex
	calls  [][]byte
	closed bool
}

// NewMock returns a mock that always reports dets.
func NewMock(dets ...Detection) *Mock {
	return &Mock{
		EstimateFunc: func(context.Context, []byte) ([]Detection, error) {
			return dets, nil
		},
	}
}

// Estimate implements Estimator.
func (m *Mock) Estimate(ctx context.Context, jpeg []byte) ([]Detection, error) {
	m.mu.Lock()
	m.calls = append(m.calls, jpeg)
	fn := m.EstimateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, jpeg)
	}
	return nil, nil
}

// Close implements Estimator.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Calls returns the frames passed to Estimate.
func (m *Mock) Calls() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.calls))
	copy(out, m.calls)
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Estimator = (*Mock)(nil)
