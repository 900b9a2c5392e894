package chat

import (
	"sync"

	"github.com/whisper/randomchat/internal/protocol"
)

// DefaultHistorySize is the number of recent messages retained per room.
const DefaultHistorySize = 20

// History stores the last N relayed messages per room in memory so that a
// user rejoining after a dropped connection can catch up. It is
// goroutine-safe and uses a ring buffer per room.
type History struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of chat messages.
type ringBuffer struct {
	items []protocol.ServerChatMsg
	pos   int
	count int
}

// NewHistory creates an empty History holding size messages per room.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (h *History) Add(roomID string, msg protocol.ServerChatMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[roomID]
	if !ok {
		rb = &ringBuffer{items: make([]protocol.ServerChatMsg, h.size)}
		h.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % h.size
	if rb.count < h.size {
		rb.count++
	}
}

// Recent returns the buffered messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no buffer.
func (h *History) Recent(roomID string) []protocol.ServerChatMsg {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[roomID]
	if !ok {
		return []protocol.ServerChatMsg{}
	}

	result := make([]protocol.ServerChatMsg, rb.count)
	// The oldest message is at position (pos - count) mod size.
	start := (rb.pos - rb.count + h.size) % h.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%h.size]
	}
	return result
}

// Remove deletes the buffer for a room (called when the room ends).
func (h *History) Remove(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.buffers, roomID)
}
