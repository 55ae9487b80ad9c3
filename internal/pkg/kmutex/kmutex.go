package kmutex

import "sync"

// KMutex 按 key 互斥锁
// 同一 key 上的临界区串行执行，不同 key 互不影响；
// 无人持有时回收对应条目，长期运行不积累内存
type KMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	lock sync.Mutex
	refs int
}

// New 创建按 key 互斥锁
func New() *KMutex {
	return &KMutex{entries: make(map[string]*entry)}
}

// Lock 获取 key 上的锁，必要时阻塞等待
func (k *KMutex) Lock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.lock.Lock()
}

// Unlock 释放 key 上的锁
// 对未持有的 key 调用属于使用错误，行为与 sync.Mutex 一致
func (k *KMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		k.mu.Unlock()
		panic("kmutex: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.lock.Unlock()
}

// Len 当前持有或等待中的 key 数量
func (k *KMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
