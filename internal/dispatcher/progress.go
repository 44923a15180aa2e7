package dispatcher

import (
	"sync"

	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// progressHub fans handler progress events out to interested subscribers.
// Delivery is best effort: a slow subscriber drops events rather than
// stalling the handler that reported them.
type progressHub struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[int]chan work.ProgressEvent
	next int
}

func newProgressHub(buffer int) *progressHub {
	if buffer <= 0 {
		buffer = 16
	}
	return &progressHub{
		buffer: buffer,
		subs:   make(map[string]map[int]chan work.ProgressEvent),
	}
}

// subscribe returns a channel of progress events for the item and a cancel
// function releasing the subscription. The channel is closed when the item
// reaches a terminal status.
func (h *progressHub) subscribe(itemID string) (<-chan work.ProgressEvent, func()) {
	ch := make(chan work.ProgressEvent, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[itemID] == nil {
		h.subs[itemID] = make(map[int]chan work.ProgressEvent)
	}
	h.subs[itemID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[itemID]; ok {
				if _, live := set[id]; live {
					delete(set, id)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, itemID)
				}
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish delivers the event to every subscriber without blocking.
func (h *progressHub) publish(ev work.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.ItemID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeItem drops every subscription for the item, closing the channels so
// range loops on the subscriber side terminate.
func (h *progressHub) closeItem(itemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[itemID] {
		close(ch)
	}
	delete(h.subs, itemID)
}
