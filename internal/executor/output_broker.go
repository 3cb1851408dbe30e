package executor

import (
	"strings"
	"sync"

	"agentdeck/internal/model"
)

type outputSubscriber struct {
	id          int64
	executionID string
	ch          chan model.OutputChunk
}

// OutputBroker fans execution output chunks out to subscribers, typically the
// terminal-rendering layer and the WebSocket stream. Slow subscribers drop
// their oldest buffered chunk rather than blocking the publisher.
type OutputBroker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]outputSubscriber
}

func NewOutputBroker(bufferSize int) *OutputBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &OutputBroker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]outputSubscriber),
	}
}

// Subscribe registers for chunks; an empty executionID receives everything.
func (b *OutputBroker) Subscribe(executionID string) (<-chan model.OutputChunk, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.OutputChunk, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	subscriber := outputSubscriber{
		id:          b.nextID,
		executionID: strings.TrimSpace(executionID),
		ch:          ch,
	}
	b.subscribers[subscriber.id] = subscriber
	return ch, func() {
		b.unsubscribe(subscriber.id)
	}
}

func (b *OutputBroker) Publish(chunk model.OutputChunk) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	snapshot := make([]outputSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, subscriber := range snapshot {
		if subscriber.executionID != "" && subscriber.executionID != chunk.ExecutionID {
			continue
		}
		if tryPublishChunk(subscriber.ch, chunk) {
			delivered++
		}
	}
	return delivered
}

func (b *OutputBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, subscriber := range b.subscribers {
		close(subscriber.ch)
		delete(b.subscribers, id)
	}
}

func (b *OutputBroker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriber, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(subscriber.ch)
}

func tryPublishChunk(ch chan model.OutputChunk, chunk model.OutputChunk) bool {
	select {
	case ch <- chunk:
		return true
	default:
		// Drop one stale chunk and retry once to avoid blocking broker fanout.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- chunk:
			return true
		default:
			return false
		}
	}
}
