package receiver

import "sync"

// lockArena hands out one mutex per key and forgets keys nobody holds.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*arenaLock
}

type arenaLock struct {
	mu   sync.Mutex
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*arenaLock)}
}

// lock blocks until key is free and returns the matching unlock.
func (a *lockArena) lock(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &arenaLock{}
		a.locks[key] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}

func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
