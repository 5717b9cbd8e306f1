// Package lock serializes allocation writes against one lot.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

type Lock interface {
	Release(ctx context.Context) error
}

// LocalLocker is an in-process keyed mutex for single-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (Lock, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return localLock{slot: slot}, nil
	case <-ctx.Done():
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	}
}

type localLock struct {
	slot chan struct{}
}

func (l localLock) Release(_ context.Context) error {
	select {
	case <-l.slot:
	default:
	}
	return nil
}
