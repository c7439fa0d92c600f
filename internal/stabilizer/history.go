package stabilizer

import (
	"slices"

	"nutbolt/internal/model"
)

// History is a fixed-capacity FIFO of frame detection sets. Pushing into a
// full history evicts the oldest frame.
type History struct {
	frames [][]model.Detection
	start  int
	size   int
}

// NewHistory creates an empty history holding at most capacity frames.
// A capacity below one is raised to one.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{frames: make([][]model.Detection, capacity)}
}

// Push appends a copy of frame and reports whether the oldest frame was evicted.
func (h *History) Push(frame []model.Detection) bool {
	frame = slices.Clone(frame)
	if frame == nil {
		frame = []model.Detection{}
	}

	capacity := len(h.frames)
	if h.size < capacity {
		h.frames[(h.start+h.size)%capacity] = frame
		h.size++
		return false
	}

	h.frames[h.start] = frame
	h.start = (h.start + 1) % capacity
	return true
}

// Len returns the number of stored frames.
func (h *History) Len() int {
	return h.size
}

// Cap returns the maximum number of stored frames.
func (h *History) Cap() int {
	return len(h.frames)
}

// Frames returns the stored frames, oldest first. The outer slice is new;
// the frames themselves are shared and must be treated as read-only.
func (h *History) Frames() [][]model.Detection {
	out := make([][]model.Detection, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.frames[(h.start+i)%len(h.frames)])
	}
	return out
}

// Latest returns the most recently pushed frame, or nil when empty.
func (h *History) Latest() []model.Detection {
	if h.size == 0 {
		return nil
	}
	return h.frames[(h.start+h.size-1)%len(h.frames)]
}

// Reset drops every stored frame.
func (h *History) Reset() {
	clear(h.frames)
	h.start = 0
	h.size = 0
}
