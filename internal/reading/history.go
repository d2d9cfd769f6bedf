package reading

// History is a bounded FIFO of readings. When the buffer is full the
// oldest entry is evicted to make room, so Len never exceeds Cap.
type History struct {
	capacity int
	items    []Reading
}

// NewHistory creates a history bounded at the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		panic("history: capacity must be > 0")
	}
	return &History{
		capacity: capacity,
		items:    make([]Reading, 0, capacity),
	}
}

// Push appends a reading, evicting the oldest entry when full.
func (h *History) Push(r Reading) {
	if len(h.items) == h.capacity {
		copy(h.items, h.items[1:])
		h.items = h.items[:len(h.items)-1]
	}
	h.items = append(h.items, r)
}

// Len returns the number of buffered readings.
func (h *History) Len() int {
	return len(h.items)
}

// Cap returns the fixed capacity.
func (h *History) Cap() int {
	return h.capacity
}

// Items returns a copy of the buffered readings, oldest first.
func (h *History) Items() []Reading {
	out := make([]Reading, len(h.items))
	copy(out, h.items)
	return out
}

// Latest returns the most recent reading, or false when empty.
func (h *History) Latest() (Reading, bool) {
	if len(h.items) == 0 {
		return Reading{}, false
	}
	return h.items[len(h.items)-1], true
}
