package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient implements Client for tests. Responses are served in order; when
// the scripted responses run out the last one repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []Request
	// Delay simulates provider latency per call.
	Delay time.Duration
}

// NewMockClient scripts the given responses.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// FailWith queues an error returned before any scripted responses.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

func (m *MockClient) Complete(ctx context.Context, req Request) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	if len(m.responses) == 0 {
		return "", context.Canceled
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

func (m *MockClient) Model() string {
	return "mock"
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
