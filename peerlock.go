package wacore

import "sync"

// peerLocks is a keyed mutex. Every session repository call for a peer
// holds that peer's lock; different peers proceed concurrently.
type peerLocks struct {
	mu    sync.Mutex
	locks map[string]*peerLock
}

type peerLock struct {
	mu   sync.Mutex
	refs int
}

func newPeerLocks() *peerLocks {
	return &peerLocks{locks: make(map[string]*peerLock)}
}

// Lock blocks until key is free and returns the unlock function.
func (p *peerLocks) Lock(key string) func() {
	p.mu.Lock()
	l := p.locks[key]
	if l == nil {
		l = &peerLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}

// peerQueue runs tasks for the same key one after another in submission
// order, each on its own goroutine. Tasks for different keys overlap.
type peerQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

func newPeerQueue() *peerQueue {
	return &peerQueue{tails: make(map[string]chan struct{})}
}

func (q *peerQueue) Go(key string, fn func()) {
	done := make(chan struct{})
	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if prev != nil {
			<-prev
		}
		fn()
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()
}

// Wait blocks until every submitted task finished.
func (q *peerQueue) Wait() {
	q.wg.Wait()
}
