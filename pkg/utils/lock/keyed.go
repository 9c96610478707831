package lock

import "sync"

// KeyedMutex 进程内的按 Key 互斥锁。
// 同一 wallet 的决策周期必须串行执行，否则两个周期会读到同一批
// queued 请求并把它们装进两笔不同的交易 (双花)。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock 阻塞直到拿到 key 对应的锁
func (m *KeyedMutex) Lock(key string) {
	m.get(key).Lock()
}

// Unlock 释放 key 对应的锁
func (m *KeyedMutex) Unlock(key string) {
	m.get(key).Unlock()
}

func (m *KeyedMutex) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
