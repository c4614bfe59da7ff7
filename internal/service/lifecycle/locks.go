package lifecycle

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// projectLocks hands out one mutex per project id. Entries are dropped once
// nobody holds or waits for them, so the map tracks only contended projects.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[string]*projectLock)}
}

func (p *projectLocks) acquire(projectID string) *projectLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[projectID]
	if !ok {
		l = &projectLock{sem: semaphore.NewWeighted(1)}
		p.locks[projectID] = l
	}
	l.refs++
	return l
}

func (p *projectLocks) release(projectID string, l *projectLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, projectID)
	}
}

// lock blocks until the project's lock is held or ctx is done.
func (p *projectLocks) lock(ctx context.Context, projectID string) (func(), error) {
	l := p.acquire(projectID)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		p.release(projectID, l)
		return nil, err
	}
	return p.unlocker(projectID, l), nil
}

// tryLock takes the project's lock only if it is free.
func (p *projectLocks) tryLock(projectID string) (func(), bool) {
	l := p.acquire(projectID)
	if !l.sem.TryAcquire(1) {
		p.release(projectID, l)
		return nil, false
	}
	return p.unlocker(projectID, l), true
}

func (p *projectLocks) unlocker(projectID string, l *projectLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			p.release(projectID, l)
		})
	}
}
