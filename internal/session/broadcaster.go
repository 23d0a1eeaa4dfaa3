package session

import (
	"sync"

	"github.com/dj-oyu/zone-occupancy/internal/logger"
)

// FrameBroadcaster fans annotated JPEG frames out to stream clients. It is
// closed while no session runs: subscribers get a closed channel and every
// open subscription is closed when the session stops.
type FrameBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	closed  bool
}

// NewFrameBroadcaster returns a broadcaster in the closed state.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{
		clients: make(map[int]chan []byte),
		closed:  true,
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.closed {
		close(ch)
		return id, ch
	}
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client. Unknown or already closed ids are ignored.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))

		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining - frame encoding will be skipped")
		}
	}
}

// ClientCount returns the number of subscribed clients.
func (fb *FrameBroadcaster) ClientCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Broadcast hands data to every client whose buffer has room and reports how
// many were skipped.
func (fb *FrameBroadcaster) Broadcast(data []byte) (sent, dropped int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
			sent++
		default:
			// Client too slow, skip this frame for this client
			dropped++
		}
	}
	return sent, dropped
}

func (fb *FrameBroadcaster) open() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.closed = false
}

// closeAll ends every subscription and refuses new ones until reopened.
func (fb *FrameBroadcaster) closeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for id, ch := range fb.clients {
		close(ch)
		delete(fb.clients, id)
	}
	fb.closed = true
}

// EventBroadcaster fans pre-serialized current-data events out to SSE and
// WebRTC clients. It lives as long as the manager; a new subscriber is primed
// with the latest event.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *Event
	nextID  int
	latest  *Event
	closed  bool
}

// NewEventBroadcaster creates a broadcaster for current-data events.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{clients: make(map[int]chan *Event)}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *Event, 4)
	if eb.closed {
		close(ch)
		return id, ch
	}
	if eb.latest != nil {
		ch <- eb.latest
	}
	eb.clients[id] = ch

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// ClientCount returns the number of subscribed clients.
func (eb *EventBroadcaster) ClientCount() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients)
}

// Broadcast records event as the latest and delivers it to every client with
// buffer room.
func (eb *EventBroadcaster) Broadcast(event *Event) (sent, dropped int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.latest = event
	for _, ch := range eb.clients {
		select {
		case ch <- event:
			sent++
		default:
			// Client too slow, skip this event for this client
			dropped++
		}
	}
	return sent, dropped
}

// Close ends every subscription for good.
func (eb *EventBroadcaster) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
	eb.closed = true
}
