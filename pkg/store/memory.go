package store

import (
	"context"
	"sync"

	"github.com/canopy-network/twbx/pkg/accounting"
)

// Memory is an in-process Store for tests and single-shot runs.
type Memory struct {
	mu     sync.Mutex
	scopes map[accounting.Scope]*accounting.ScopeState
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[accounting.Scope]*accounting.ScopeState)}
}

func (m *Memory) LoadScope(_ context.Context, scope accounting.Scope) (*accounting.ScopeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[scope]
	if !ok {
		return accounting.NewScopeState(scope), nil
	}
	c := st.Clone()
	c.MarkClean()
	return c, nil
}

func (m *Memory) CommitScope(_ context.Context, st *accounting.ScopeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if prev, ok := m.scopes[st.Scope]; ok {
		current = prev.Process.Version
	}
	if current != st.Process.Version {
		return ErrConflict
	}
	st.Process.Version++
	st.MarkClean()
	m.scopes[st.Scope] = st.Clone()
	return nil
}

func (m *Memory) Health(context.Context) error { return nil }
