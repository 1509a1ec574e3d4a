package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// EncodeSSE renders an event in text/event-stream framing: id, event and
// data lines followed by a blank line. Data is a single JSON object.
func EncodeSSE(ev Event) []byte {
	var sb strings.Builder
	sb.WriteString("id: ")
	sb.WriteString(ev.ID)
	sb.WriteString("\nevent: ")
	sb.WriteString(ev.Type)
	sb.WriteString("\ndata: ")
	if len(ev.Data) > 0 {
		sb.Write(ev.Data)
	} else {
		sb.WriteString("{}")
	}
	sb.WriteString("\n\n")
	return []byte(sb.String())
}

// SSESink writes events to an HTTP response in SSE framing. The owning
// handler blocks on Done() and returns when the sink is closed. Partial
// frames are never retained: a failed write closes the sink.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

// NewSSESink wraps a response writer. The caller must have set the
// text/event-stream headers already.
func NewSSESink(w io.Writer, flusher http.Flusher) *SSESink {
	return &SSESink{w: w, flusher: flusher, done: make(chan struct{})}
}

// Send writes one frame. The ctx deadline is the hub's write budget; SSE
// writes are buffered by the kernel so the budget is enforced by treating
// any write error or a closed sink as failure.
func (s *SSESink) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sse sink closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.w.Write(EncodeSSE(ev)); err != nil {
		return fmt.Errorf("writing sse frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close releases the handler blocked on Done.
func (s *SSESink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Done is closed when the sink is closed.
func (s *SSESink) Done() <-chan struct{} {
	return s.done
}

// ChanSink delivers events on a buffered channel. Used by the WebSocket
// mirror and by tests. A full channel counts as backpressure failure.
type ChanSink struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewChanSink creates a sink with the given buffer capacity.
func NewChanSink(capacity int) *ChanSink {
	if capacity < 1 {
		capacity = 1
	}
	return &ChanSink{ch: make(chan Event, capacity)}
}

// Send enqueues the event or fails when the buffer stays full past the
// write budget.
func (s *ChanSink) Send(ctx context.Context, ev Event) error {
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink backpressure: %w", ctx.Err())
	}
}

// Close closes the event channel.
func (s *ChanSink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Events returns the receive side of the sink.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}
