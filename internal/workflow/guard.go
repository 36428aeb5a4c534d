package workflow

import (
	"context"
	"sync"
)

// handleGuard admits one in-flight invocation per handle within this process. Exclusion
// across processes is left to the optimistic save.
type handleGuard struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	token   chan struct{}
	waiters int
}

func newHandleGuard() *handleGuard {
	return &handleGuard{slots: make(map[string]*slot)}
}

// acquire blocks until the handle's slot is free or ctx ends.
func (g *handleGuard) acquire(ctx context.Context, handleID string) (func(), error) {
	g.mu.Lock()
	current, ok := g.slots[handleID]
	if !ok {
		current = &slot{token: make(chan struct{}, 1)}
		g.slots[handleID] = current
	}
	current.waiters++
	g.mu.Unlock()

	select {
	case current.token <- struct{}{}:
	case <-ctx.Done():
		g.leave(handleID, current)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-current.token
			g.leave(handleID, current)
		})
	}, nil
}

func (g *handleGuard) leave(handleID string, current *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	current.waiters--
	if current.waiters == 0 {
		delete(g.slots, handleID)
	}
}

func (g *handleGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
