package directory

import (
	"context"
	"sync"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Hook observes committed changes to primary key placement. Hooks run after
// the commit succeeded, in registration order; an error from one hook is
// logged and does not stop the others.
type Hook interface {
	OnInsert(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error
	OnRepoint(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error
	OnDelete(ctx context.Context, dimension string, key core.Key) error
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	OnInsertFunc  func(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error
	OnRepointFunc func(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error
	OnDeleteFunc  func(ctx context.Context, dimension string, key core.Key) error
}

func (f HookFuncs) OnInsert(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error {
	if f.OnInsertFunc != nil {
		return f.OnInsertFunc(ctx, dimension, key, nodes)
	}
	return nil
}

func (f HookFuncs) OnRepoint(ctx context.Context, dimension string, key core.Key, nodes []core.NodeID) error {
	if f.OnRepointFunc != nil {
		return f.OnRepointFunc(ctx, dimension, key, nodes)
	}
	return nil
}

func (f HookFuncs) OnDelete(ctx context.Context, dimension string, key core.Key) error {
	if f.OnDeleteFunc != nil {
		return f.OnDeleteFunc(ctx, dimension, key)
	}
	return nil
}

type registeredHook struct {
	id   uint64
	hook Hook
}

// HookManager holds the hooks of a directory.
type HookManager struct {
	mu     sync.RWMutex
	nextID uint64
	hooks  []registeredHook
}

// NewHookManager creates an empty hook manager.
func NewHookManager() *HookManager {
	return &HookManager{}
}

// Register adds a hook and returns a function that removes it again.
func (m *HookManager) Register(h Hook) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.hooks = append(m.hooks, registeredHook{id: id, hook: h})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, rh := range m.hooks {
			if rh.id == id {
				m.hooks = append(m.hooks[:i], m.hooks[i+1:]...)
				return
			}
		}
	}
}

// Count returns the number of registered hooks.
func (m *HookManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

func (m *HookManager) snapshot() []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Hook, len(m.hooks))
	for i, rh := range m.hooks {
		out[i] = rh.hook
	}
	return out
}

// each calls fn for every hook and collects the errors they report.
func (m *HookManager) each(fn func(Hook) error) []error {
	var errs []error
	for _, h := range m.snapshot() {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
