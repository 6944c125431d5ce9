package core

import "sync"

// KeyLocker serializes work per key (flag ID, notification ID) within a process.
// Cross-process safety comes from the version checks done by the repositories.
type KeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*keyLock)}
}

// Lock locks `key` and returns the matching unlock func.
func (kl *KeyLocker) Lock(key string) (unlock func()) {
	kl.mu.Lock()
	l, ok := kl.locks[key]
	if !ok {
		l = new(keyLock)
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		kl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited.
func (kl *KeyLocker) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
