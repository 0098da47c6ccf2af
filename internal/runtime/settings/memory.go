package settings

import (
	"maps"
	"sync"
)

// Memory keeps everything in process. It is also the cache behind File.
type Memory struct {
	mu     sync.RWMutex
	scopes map[int]map[string]any
}

func NewMemory() *Memory {
	return &Memory{scopes: make(map[int]map[string]any)}
}

func (m *Memory) Get(scope int, key string, def any) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.scopes[scope][key]; ok {
		return v
	}
	return def
}

func (m *Memory) Set(scope int, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(scope, key, value)
	return nil
}

func (m *Memory) set(scope int, key string, value any) {
	s, ok := m.scopes[scope]
	if !ok {
		s = make(map[string]any)
		m.scopes[scope] = s
	}
	s[key] = value
}

func (m *Memory) GetAll(scope int) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.scopes[scope])
}

func (m *Memory) SetAll(scope int, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.set(scope, k, v)
	}
	return nil
}

func (m *Memory) Remove(scope int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scopes, scope)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) snapshot() map[int]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]map[string]any, len(m.scopes))
	for scope, values := range m.scopes {
		out[scope] = maps.Clone(values)
	}
	return out
}
