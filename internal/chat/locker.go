package chat

import (
	"context"
	"sync"
)

// ChatLocker serializes turns on the same chat. The returned unlock func is
// safe to call more than once.
type ChatLocker interface {
	Lock(ctx context.Context, chatID string) (unlock func(), err error)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[chatID]
	if !ok {
		lk = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[chatID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.release(chatID, lk)
		})
	}, nil
}

func (l *LocalLocker) release(chatID string, lk *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, chatID)
	}
}
