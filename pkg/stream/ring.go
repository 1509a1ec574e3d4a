package stream

// ring is a bounded FIFO of recent events. Appending beyond capacity
// evicts the oldest entry. Not safe for concurrent use; the owning
// agentState serializes access.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(ev Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns buffered events oldest-first.
func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// since returns buffered events with sequence strictly greater than seq.
// found is true only when seq itself is still in the buffer; callers use
// found=false to trigger the replay-all fallback.
func (r *ring) since(seq uint64) (events []Event, found bool) {
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq == seq {
			found = true
		}
		if ev.Seq > seq {
			events = append(events, ev)
		}
	}
	if !found {
		return nil, false
	}
	return events, true
}

func (r *ring) len() int { return r.count }
