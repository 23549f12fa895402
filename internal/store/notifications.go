package store

import (
	"sync"

	"governor/internal/logging"
)

// defaultAlertBuffer is the per-subscriber channel depth. A slow subscriber
// loses alerts rather than blocking the measurement write path.
const defaultAlertBuffer = 64

// Notifier fans threshold alerts out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the alert.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[int]chan ThresholdAlert
	nextID      int
	closed      bool
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[int]chan ThresholdAlert),
	}
}

// Subscribe registers an alert channel and returns it with a cancel
// function. Cancel is idempotent and closes the channel.
func (n *Notifier) Subscribe() (<-chan ThresholdAlert, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan ThresholdAlert, defaultAlertBuffer)

	if n.closed {
		close(ch)
		return ch, func() {}
	}

	n.subscribers[id] = ch
	logging.NotifyDebug("Subscriber %d registered (%d total)", id, len(n.subscribers))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subscribers[id]; ok {
				delete(n.subscribers, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers an alert to every subscriber without blocking.
func (n *Notifier) Publish(alert ThresholdAlert) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	dropped := 0
	for _, ch := range n.subscribers {
		select {
		case ch <- alert:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		logging.Get(logging.CategoryNotify).Warn("Dropped alert for source=%s on %d slow subscribers",
			alert.Source, dropped)
	}
	logging.NotifyDebug("Published alert source=%s variety=%.2f threshold=%.2f",
		alert.Source, alert.Variety, alert.Threshold)
}

// SubscriberCount returns the number of live subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for id, ch := range n.subscribers {
		delete(n.subscribers, id)
		close(ch)
	}
	logging.Notify("Notifier closed")
}
