package agent

import (
	"context"
	"sync"
)

// MockInvoker is a scripted invoker for scheduler tests. Responses are
// consumed per WP in FIFO order; when a WP's script is exhausted the Default
// response applies.
type MockInvoker struct {
	mu        sync.Mutex
	name      string
	scripts   map[string][]MockResponse
	Default   MockResponse
	Calls     []Request
}

// MockResponse is one scripted invocation outcome.
type MockResponse struct {
	Result *Result
	Err    error
}

var _ Invoker = (*MockInvoker)(nil)

// NewMockInvoker builds a mock with an approving default response.
func NewMockInvoker(name string) *MockInvoker {
	return &MockInvoker{
		name:    name,
		scripts: make(map[string][]MockResponse),
		Default: MockResponse{Result: &Result{Output: "ok", Verdict: VerdictApproved}},
	}
}

func (m *MockInvoker) Name() string { return m.name }

// Script appends responses for one WP.
func (m *MockInvoker) Script(wpID string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[wpID] = append(m.scripts[wpID], responses...)
}

func (m *MockInvoker) Invoke(_ context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	if queue := m.scripts[req.WPID]; len(queue) > 0 {
		resp := queue[0]
		m.scripts[req.WPID] = queue[1:]
		return resp.Result, resp.Err
	}
	return m.Default.Result, m.Default.Err
}

// CallCount returns how many times the WP was invoked in the given role.
func (m *MockInvoker) CallCount(wpID string, role Role) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.WPID == wpID && c.Role == role {
			n++
		}
	}
	return n
}
