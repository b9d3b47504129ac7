package service

import "sync"

// deviceLocks serializes update attempts per device. Entries are refcounted
// so the map does not grow with every device ever seen.
type deviceLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the device lock is held and returns the release func
func (l *deviceLocks) acquire(deviceID string) func() {
	e := l.ref(deviceID)
	e.mu.Lock()
	return func() { l.unref(deviceID, e) }
}

// tryAcquire returns immediately; ok is false when another attempt holds
// the lock.
func (l *deviceLocks) tryAcquire(deviceID string) (func(), bool) {
	e := l.ref(deviceID)
	if !e.mu.TryLock() {
		l.drop(deviceID, e)
		return nil, false
	}
	return func() { l.unref(deviceID, e) }, true
}

func (l *deviceLocks) ref(deviceID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[deviceID]
	if !ok {
		e = &lockEntry{}
		l.entries[deviceID] = e
	}
	e.refs++
	return e
}

func (l *deviceLocks) unref(deviceID string, e *lockEntry) {
	e.mu.Unlock()
	l.drop(deviceID, e)
}

func (l *deviceLocks) drop(deviceID string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, deviceID)
	}
}
