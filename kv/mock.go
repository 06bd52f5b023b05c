package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Mock is an in-memory Client for testing. Error fields, when set, fail the
// corresponding call persistently; FailCount fails the next N calls of any
// kind with ErrMockFailure and then lets the store answer, which is how
// retry behavior is exercised.
type Mock struct {
	mu   sync.Mutex
	data map[string][]byte

	GetErr  error
	SetErr  error
	DelErr  error
	PingErr error

	// FailCount fails the next N calls with the matching error field
	// (or the first non-nil one) before the store starts answering.
	FailCount int

	GetCalls  int
	SetCalls  int
	DelCalls  int
	PingCalls int
}

// NewMock creates an empty mock store.
func NewMock() *Mock {
	return &Mock{data: make(map[string][]byte)}
}

// ErrMockFailure is the default transient error for FailCount.
var ErrMockFailure = errors.New("mock kv failure")

func (m *Mock) failNext(err error) error {
	if m.FailCount > 0 {
		m.FailCount--
		if err == nil {
			err = ErrMockFailure
		}
		return err
	}
	return nil
}

func (m *Mock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if err := m.failNext(m.GetErr); err != nil {
		return nil, false, err
	}
	if m.GetErr != nil {
		return nil, false, m.GetErr
	}

	value, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, true, nil
}

func (m *Mock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SetCalls++
	if err := m.failNext(m.SetErr); err != nil {
		return err
	}
	if m.SetErr != nil {
		return m.SetErr
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *Mock) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DelCalls++
	if err := m.failNext(m.DelErr); err != nil {
		return err
	}
	if m.DelErr != nil {
		return m.DelErr
	}

	delete(m.data, key)
	return nil
}

func (m *Mock) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PingCalls++
	if err := m.failNext(m.PingErr); err != nil {
		return err
	}
	return m.PingErr
}

// Seed stores a value without counting as a Set call.
func (m *Mock) Seed(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Len returns the number of stored keys.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Reset clears stored data, errors and call counters.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.GetErr, m.SetErr, m.DelErr, m.PingErr = nil, nil, nil, nil
	m.FailCount = 0
	m.GetCalls, m.SetCalls, m.DelCalls, m.PingCalls = 0, 0, 0, 0
}
