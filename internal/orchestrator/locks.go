package orchestrator

import (
	"context"
	"sync"
)

// conversationLocks serializes work per conversation. Entries are reference
// counted and removed when the last holder or waiter leaves.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	sem  chan struct{}
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*convLock)}
}

// lock blocks until the conversation is free or ctx ends.
func (c *conversationLocks) lock(ctx context.Context, id string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &convLock{sem: make(chan struct{}, 1)}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		c.release(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			c.release(id, l)
		})
	}, nil
}

func (c *conversationLocks) release(id string, l *convLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
}

func (c *conversationLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
