package circuit

import (
	"sync"

	"github.com/google/uuid"

	"revsocks_go/internal/metrics"
)

// Registry 以电路 ID 索引存活的电路，读多写少。
type Registry struct {
	mu       sync.RWMutex
	circuits map[uuid.UUID]*Circuit
}

func NewRegistry() *Registry {
	return &Registry{circuits: make(map[uuid.UUID]*Circuit)}
}

// Add 注册电路，ID 已存在时返回 ErrDuplicateCircuit。
func (r *Registry) Add(id uuid.UUID, c *Circuit) error {
	r.mu.Lock()
	if _, exists := r.circuits[id]; exists {
		r.mu.Unlock()
		return ErrDuplicateCircuit
	}
	r.circuits[id] = c
	r.mu.Unlock()

	metrics.CircuitOpened(c.Side, c.Proto.String())
	return nil
}

func (r *Registry) Get(id uuid.UUID) (*Circuit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.circuits[id]
	return c, ok
}

// Remove 删除 id 对应的条目，不存在时什么也不做。
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	c, ok := r.circuits[id]
	if ok {
		delete(r.circuits, id)
	}
	r.mu.Unlock()
	if ok {
		metrics.CircuitClosed(c.Side, c.Proto.String())
	}
}

// removeCircuit 仅当条目仍指向 c 时删除
func (r *Registry) removeCircuit(c *Circuit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.circuits[c.ID]; ok && cur == c {
		delete(r.circuits, c.ID)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.circuits)
}

// Snapshot 返回当前所有电路的副本
func (r *Registry) Snapshot() []*Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c)
	}
	return out
}

// CloseAll 拆除所有电路，用于进程退出。
func (r *Registry) CloseAll(notifyPeer bool) {
	for _, c := range r.Snapshot() {
		c.Teardown(notifyPeer)
	}
}
