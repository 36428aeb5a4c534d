// Package syncguard provides a single-flight gate for periodic synchronisation work.
package syncguard

import (
	"context"
	"sync"
	"time"
)

// Guard lets at most one run of a synchronisation execute at a time and skips runs that
// arrive within the cache window after the last successful one. The zero value is usable
// with no cache window.
type Guard struct {
	mu          sync.Mutex
	lastUpdated time.Time
	running     bool
	cacheTime   time.Duration
	clock       func() time.Time
}

// New constructs a Guard that skips unforced runs for cacheTime after a success.
func New(cacheTime time.Duration, clock func() time.Time) *Guard {
	if clock == nil {
		clock = time.Now
	}
	return &Guard{cacheTime: cacheTime, clock: clock}
}

// Run executes fn unless another run is in flight, or force is false and the last
// successful run finished less than the cache window ago. It reports whether fn ran.
// A failed run does not refresh the timestamp, so the next call retries.
func (g *Guard) Run(ctx context.Context, force bool, fn func(context.Context) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return false, nil
	}
	if !force && !g.lastUpdated.IsZero() && g.now().Sub(g.lastUpdated) < g.cacheTime {
		g.mu.Unlock()
		return false, nil
	}
	g.running = true
	g.mu.Unlock()

	var err error
	defer func() {
		g.mu.Lock()
		g.running = false
		if err == nil {
			g.lastUpdated = g.now()
		}
		g.mu.Unlock()
	}()
	err = fn(ctx)
	return true, err
}

// LastUpdated returns when the last successful run finished.
func (g *Guard) LastUpdated() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastUpdated
}

// Running reports whether a run is in flight.
func (g *Guard) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Guard) now() time.Time {
	if g.clock == nil {
		return time.Now()
	}
	return g.clock()
}
