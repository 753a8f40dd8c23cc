package storage

import (
	"sync"
)

// ============================================================================
//                              内存引擎
// ============================================================================

// MemoryEngine 内存键值引擎，用于测试与无持久化场景
type MemoryEngine struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryEngine 创建内存引擎
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		data: make(map[string][]byte),
	}
}

// Get 实现 Engine
func (e *MemoryEngine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	v, ok := e.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put 实现 Engine
func (e *MemoryEngine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	e.data[string(key)] = buf
	return nil
}

// Delete 实现 Engine
func (e *MemoryEngine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	delete(e.data, string(key))
	return nil
}

// Close 实现 Engine
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
