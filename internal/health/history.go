package health

import "time"

// Point is one value in a history.
type Point struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// history is a fixed-capacity ring of points, oldest overwritten first.
type history struct {
	points []Point
	next   int
	full   bool
}

func newHistory(capacity int) *history {
	return &history{points: make([]Point, capacity)}
}

func (h *history) add(p Point) {
	h.points[h.next] = p
	h.next = (h.next + 1) % len(h.points)
	if h.next == 0 {
		h.full = true
	}
}

// values returns the points oldest first.
func (h *history) values() []Point {
	if !h.full {
		out := make([]Point, h.next)
		copy(out, h.points[:h.next])
		return out
	}
	out := make([]Point, 0, len(h.points))
	out = append(out, h.points[h.next:]...)
	out = append(out, h.points[:h.next]...)
	return out
}

func (h *history) last() (Point, bool) {
	if !h.full && h.next == 0 {
		return Point{}, false
	}
	i := h.next - 1
	if i < 0 {
		i = len(h.points) - 1
	}
	return h.points[i], true
}
