// Package relay fans capture events out to SSE subscribers, giving the
// dashboard a live view of what the agent records.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBufSize = 128

// Event types published by the agent.
const (
	TypeVisit     = "visit"
	TypeFlush     = "flush"
	TypeReconcile = "reconcile"
	TypeTab       = "tab"
)

// Event is one capture event as delivered to subscribers.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Time    int64  `json:"time"`
	Payload string `json:"payload"`
}

// Broker fans events out to all subscribers. Publishing never blocks; slow
// consumers have events dropped.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subscribers: make(map[int64]chan Event)}
}

// Subscribe registers a client and returns its id and a buffered receive
// channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish marshals payload and delivers it to every subscriber.
func (b *Broker) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("relay payload marshal failed", "type", eventType, "error", err)
		return
	}
	evt := Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Time:    time.Now().UnixMilli(),
		Payload: string(data),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
