package chat

import (
	"sync"

	"github.com/loadhub/loadboard/internal/models"
)

// Hub fans live messages out to in-process subscribers, one group per thread
// key. Cross-replica delivery rides Kafka: every API instance broadcasts both
// its own sends and the events it consumes, and the per-subscriber monotone
// id filter collapses the duplicates.
type Hub struct {
	mu   sync.Mutex
	subs map[models.ThreadKey]map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan *models.ChatMessage
	dropped bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[models.ThreadKey]map[*subscriber]struct{})}
}

// Broadcast delivers msg to every subscriber of key. Never blocks: a
// subscriber that cannot keep up is dropped and its channel closed, which the
// reader observes as "resubscribe".
func (h *Hub) Broadcast(key models.ThreadKey, msg *models.ChatMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[key] {
		if sub.dropped {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			sub.dropped = true
			close(sub.ch)
			delete(h.subs[key], sub)
		}
	}
}

// register attaches a buffering subscriber. Оформляем подписку до чтения
// бэклога: события, пришедшие во время чтения, копятся в буфере, а не
// теряются на границе подключения.
func (h *Hub) register(key models.ThreadKey, buffer int) *subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{ch: make(chan *models.ChatMessage, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub
}

func (h *Hub) unregister(key models.ThreadKey, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[key][sub]; !ok {
		return
	}
	delete(h.subs[key], sub)
	if len(h.subs[key]) == 0 {
		delete(h.subs, key)
	}
	if !sub.dropped {
		sub.dropped = true
		close(sub.ch)
	}
}

// SubscriberCount reports active subscribers for a thread key.
func (h *Hub) SubscriberCount(key models.ThreadKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}
