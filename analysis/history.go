package analysis

// history is a bounded FIFO of transfers. Pushing onto a full history
// evicts the oldest entry.
type history struct {
	buf   []Transfer
	start int
	n     int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Transfer, capacity)}
}

func (h *history) Len() int { return h.n }

func (h *history) Cap() int { return len(h.buf) }

func (h *history) Push(t Transfer) {
	if len(h.buf) == 0 {
		return
	}
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = t
		h.n++
		return
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % len(h.buf)
}

// Last returns up to n of the newest transfers, oldest first.
func (h *history) Last(n int) []Transfer {
	if n > h.n {
		n = h.n
	}
	out := make([]Transfer, n)
	skip := h.n - n
	for i := range out {
		out[i] = h.buf[(h.start+skip+i)%len(h.buf)]
	}
	return out
}

// Resize changes the capacity, keeping the newest transfers.
func (h *history) Resize(capacity int) {
	keep := h.Last(capacity)
	h.buf = make([]Transfer, capacity)
	copy(h.buf, keep)
	h.start = 0
	h.n = len(keep)
}

func (h *history) Clear() {
	h.start, h.n = 0, 0
	clear(h.buf)
}
