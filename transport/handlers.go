package transport

import (
	"sync"
)

type handlerEntry struct {
	id int
	fn func(data []byte)
}

// handlerSet fans inbound events out to subscribers in subscription order.
type handlerSet struct {
	mu       sync.RWMutex
	next     int
	handlers map[string][]handlerEntry
}

func (h *handlerSet) add(event string, fn func(data []byte)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = map[string][]handlerEntry{}
	}
	id := h.next
	h.next++
	h.handlers[event] = append(h.handlers[event], handlerEntry{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { h.remove(event, id) })
	}
}

func (h *handlerSet) remove(event string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.handlers[event]
	for i, e := range entries {
		if e.id == id {
			h.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (h *handlerSet) dispatch(event string, data []byte) int {
	h.mu.RLock()
	entries := append([]handlerEntry(nil), h.handlers[event]...)
	h.mu.RUnlock()
	for _, e := range entries {
		e.fn(data)
	}
	return len(entries)
}

func (h *handlerSet) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, entries := range h.handlers {
		n += len(entries)
	}
	return n
}
