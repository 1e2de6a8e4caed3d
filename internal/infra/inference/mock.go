package inference

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/credence-ai/credence/internal/domain"
)

// Mock is a scriptable Inferencer for tests.
type Mock struct {
	response  string
	err       error
	latency   time.Duration
	callCount atomic.Int64
	fn        func(ctx context.Context, input string) (string, error)
}

var _ domain.Inferencer = (*Mock)(nil)

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithResponse sets the canned response text.
func WithResponse(text string) MockOption {
	return func(m *Mock) { m.response = text }
}

// WithErr makes every call fail with err.
func WithErr(err error) MockOption {
	return func(m *Mock) { m.err = err }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) MockOption {
	return func(m *Mock) { m.latency = d }
}

// WithFunc replaces the canned behavior entirely.
func WithFunc(fn func(ctx context.Context, input string) (string, error)) MockOption {
	return func(m *Mock) { m.fn = fn }
}

// NewMock creates a mock inferencer with the given options.
func NewMock(opts ...MockOption) *Mock {
	m := &Mock{response: "mock response"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Infer returns the scripted outcome, honoring context cancellation during
// simulated latency.
func (m *Mock) Infer(ctx context.Context, input string) (string, error) {
	m.callCount.Add(1)

	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.latency):
		}
	}

	if m.fn != nil {
		return m.fn(ctx, input)
	}
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

// CallCount returns how many times Infer was invoked.
func (m *Mock) CallCount() int64 { return m.callCount.Load() }
