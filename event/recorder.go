package event

import "sync"

// Recorder is a Publisher that keeps every event in memory, in publish
// order. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(kind Kind, device string, payload any) Event {
	ev := New(kind, device, payload)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return ev
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(kinds) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, ev := range r.events {
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Count returns the number of recorded events of kind.
func (r *Recorder) Count(kind Kind) int {
	return len(r.Events(kind))
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
