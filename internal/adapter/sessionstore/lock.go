// Package sessionstore holds the session history backends: SQLite, Redis
// and an in-memory store for tests and single-process runs.
package sessionstore

import (
	"context"
	"fmt"
	"sync"
)

// SessionLocker provides in-process mutual exclusion per session so appends
// to one session are serialised before they reach storage.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	ch       chan struct{}
	refCount int
}

// NewSessionLocker creates a new session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{
		locks: make(map[string]*sessionMutex),
	}
}

// Lock acquires the lock for sessionID, blocking until it is free or ctx is
// done. The returned unlock function must be called exactly once.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	sl.mu.Lock()
	sm, ok := sl.locks[sessionID]
	if !ok {
		sm = &sessionMutex{ch: make(chan struct{}, 1)}
		sl.locks[sessionID] = sm
	}
	sm.refCount++
	sl.mu.Unlock()

	select {
	case sm.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-sm.ch
				sl.release(sessionID, sm)
			})
		}, nil
	case <-ctx.Done():
		sl.release(sessionID, sm)
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

func (sl *SessionLocker) release(sessionID string, sm *sessionMutex) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sm.refCount--
	if sm.refCount == 0 {
		delete(sl.locks, sessionID)
	}
}

// Len returns the number of sessions with a held or awaited lock.
func (sl *SessionLocker) Len() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
