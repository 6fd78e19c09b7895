package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a test double for the Compressor interface.
// provider = "mock" selects it for dry runs.
type Mock struct {
	Result *Result
	Err    error
	// Func, if set, replaces Result and Err.
	Func func(ctx context.Context, req Request) (*Result, error)

	mu    sync.Mutex
	calls []Request
}

// Compress records the call and returns the configured answer. With nothing
// configured it returns one message per ten input messages.
func (m *Mock) Compress(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Func != nil {
		return m.Func(ctx, req)
	}
	if m.Result != nil || m.Err != nil {
		return m.Result, m.Err
	}

	n := (len(req.Messages) + 9) / 10
	res := &Result{Provider: "mock"}
	for i := 0; i < n; i++ {
		res.Messages = append(res.Messages, OutputMessage{
			Role:   "assistant",
			Text:   fmt.Sprintf("[mock summary %d/%d]", i+1, n),
			Tokens: 10,
		})
	}
	return res, nil
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
