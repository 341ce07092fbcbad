package mocks

import (
	"context"
	"sync"

	"github.com/medora-ai/medora/server/upstream"
)

// Call records the arguments of one Complete call.
type Call struct {
	Message  string
	ImageURL string
}

// MockCompleter stands in for the upstream client in tests.
//
// Example usage:
//
//	mock := NewMockCompleter(func(ctx context.Context, message, imageURL string) upstream.Result {
//	    return upstream.Success("mocked response")
//	})
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, message, imageURL string) upstream.Result

	mu    sync.Mutex
	calls []Call
	done  chan Call
}

// NewMockCompleter creates a MockCompleter. If completeFunc is nil, Complete
// returns an empty success.
func NewMockCompleter(completeFunc func(ctx context.Context, message, imageURL string) upstream.Result) *MockCompleter {
	return &MockCompleter{
		CompleteFunc: completeFunc,
		done:         make(chan Call, 64),
	}
}

// Replying returns a mock that always answers text.
func Replying(text string) *MockCompleter {
	return NewMockCompleter(func(context.Context, string, string) upstream.Result {
		return upstream.Success(text)
	})
}

// Complete records the call, runs CompleteFunc and then signals Done.
func (m *MockCompleter) Complete(ctx context.Context, message, imageURL string) upstream.Result {
	call := Call{Message: message, ImageURL: imageURL}
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()

	defer func() {
		select {
		case m.done <- call:
		default:
		}
	}()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, message, imageURL)
	}
	return upstream.Success("")
}

// Calls returns a copy of the recorded calls.
func (m *MockCompleter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Done receives each call after CompleteFunc has returned.
func (m *MockCompleter) Done() <-chan Call {
	return m.done
}
