// Package notifications fans in-app notifications out to live subscribers.
package notifications

import (
	"context"
	"sync"
	"time"
)

const (
	// EventNotification carries a newly stored notification.
	EventNotification = "notification"
	// EventHeartbeat keeps idle streams open through proxies.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Event is a message delivered to one recipient's open streams.
type Event struct {
	RecipientID    string    `json:"-"`
	Type           string    `json:"-"`
	NotificationID string    `json:"notificationId,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Body           string    `json:"body,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Dispatcher keeps per-recipient subscriber channels. Publishing never blocks;
// a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan Event
	nextID      int64
	bufferSize  int
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]chan Event),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for the recipient. The stream is released when ctx ends
// or the returned cancel function is called.
func (d *Dispatcher) Subscribe(ctx context.Context, recipientID string) (<-chan Event, func()) {
	if recipientID == "" {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}
	stream := make(chan Event, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	subscriberID := d.nextID
	if d.subscribers[recipientID] == nil {
		d.subscribers[recipientID] = make(map[int64]chan Event)
	}
	d.subscribers[recipientID][subscriberID] = stream
	d.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			d.unsubscribe(recipientID, subscriberID)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-done:
		}
	}()
	return stream, release
}

// Publish delivers the event to every open stream of its recipient.
func (d *Dispatcher) Publish(event Event) {
	if event.RecipientID == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.subscribers[event.RecipientID] {
		select {
		case stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for the recipient.
func (d *Dispatcher) SubscriberCount(recipientID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[recipientID])
}

func (d *Dispatcher) unsubscribe(recipientID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.subscribers[recipientID]
	if streams == nil {
		return
	}
	delete(streams, subscriberID)
	if len(streams) == 0 {
		delete(d.subscribers, recipientID)
	}
}
