package federation

// ring is a fixed-capacity FIFO that evicts the oldest event when full.
type ring struct {
	events []Event
	start  int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]Event, capacity)}
}

func (r *ring) push(event Event) {
	capacity := len(r.events)
	if r.size < capacity {
		r.events[(r.start+r.size)%capacity] = event
		r.size++
		return
	}
	r.events[r.start] = event
	r.start = (r.start + 1) % capacity
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) snapshot() []Event {
	out := make([]Event, r.size)
	for index := 0; index < r.size; index++ {
		out[index] = r.events[(r.start+index)%len(r.events)]
	}
	return out
}
