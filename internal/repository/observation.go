package repository

import (
	"context"
	"strings"
	"sync"
	"time"
)

// EventType enumerates content change notifications.
type EventType string

const (
	EventNodeAdded   EventType = "node-added"
	EventNodeRemoved EventType = "node-removed"
	EventNodeChanged EventType = "node-changed"
)

// ChangeEvent describes one persisted change, published after the owning save commits.
type ChangeEvent struct {
	Type      EventType
	NodeID    string
	Path      string
	UserID    string
	Timestamp time.Time
}

// ObservationManager fans change events out to subscribers filtered by path prefix.
// Delivery is best-effort: a subscriber whose buffer is full misses events.
type ObservationManager struct {
	mu          sync.RWMutex
	subscribers map[int64]*observer
	nextID      int64
	bufferSize  int
}

type observer struct {
	id         int64
	pathPrefix string
	stream     chan ChangeEvent
}

// NewObservationManager constructs an ObservationManager with the given per-subscriber buffer.
func NewObservationManager(bufferSize int) *ObservationManager {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ObservationManager{
		subscribers: make(map[int64]*observer),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for events at or below pathPrefix until ctx ends or the returned
// cleanup runs.
func (m *ObservationManager) Subscribe(ctx context.Context, pathPrefix string) (<-chan ChangeEvent, func()) {
	subscriber := &observer{
		pathPrefix: pathPrefix,
		stream:     make(chan ChangeEvent, m.bufferSize),
	}
	m.mu.Lock()
	m.nextID++
	subscriber.id = m.nextID
	m.subscribers[subscriber.id] = subscriber
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, subscriber.id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers events to matching subscribers without blocking.
func (m *ObservationManager) Publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	m.mu.RLock()
	copies := make([]*observer, 0, len(m.subscribers))
	for _, subscriber := range m.subscribers {
		copies = append(copies, subscriber)
	}
	m.mu.RUnlock()

	for _, event := range events {
		for _, subscriber := range copies {
			if !matchesPrefix(event.Path, subscriber.pathPrefix) {
				continue
			}
			select {
			case subscriber.stream <- event:
			default:
			}
		}
	}
}

func matchesPrefix(path, prefix string) bool {
	if prefix == "" || prefix == RootPath {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
