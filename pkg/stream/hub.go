// Package stream provides the per-agent live event fan-out: monotonic
// event ids, a bounded replay buffer, and reconnect-from-last-id.
//
// Ids are "{agentId}:{counter}" with a strictly increasing, gap-free
// counter per agent. Broadcasts for one agent are serialized; there is no
// cross-agent ordering guarantee.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is one broadcast unit.
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"-"`
	AgentID   string          `json:"agent_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Well-known stream event types.
const (
	EventAgentState  = "agent:state"
	EventAgentOutput = "agent:output"
	EventSteerAck    = "steer:ack"
	EventJobStatus   = "job:status"
	EventError       = "error"
)

// Sink receives events for one connection. Send must respect ctx: a sink
// that cannot accept an event within the hub's write budget is treated as
// failed and the connection is dropped. Close is called at most once.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close()
}

// Conn is a registered subscriber, owned by its request handler and
// unregistered on close.
type Conn struct {
	agentID string
	sink    Sink
	hub     *Hub

	closeOnce sync.Once
}

// Close unregisters the connection and closes its sink. Safe to call from
// the owning handler and from the hub on send failure.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.hub.remove(c)
		c.sink.Close()
	})
}

// Hub is the process-wide streaming fan-out.
type Hub struct {
	mu     sync.Mutex
	agents map[string]*agentState

	bufferSize   int
	writeTimeout time.Duration
}

// agentState holds one agent's connections, replay ring and counter.
// state.mu serializes broadcasts per agent.
type agentState struct {
	mu      sync.Mutex
	counter uint64
	ring    *ring
	conns   map[*Conn]struct{}
}

// NewHub creates a Hub with the given replay-buffer size per agent and
// per-connection write budget.
func NewHub(bufferSize int, writeTimeout time.Duration) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		agents:       make(map[string]*agentState),
		bufferSize:   bufferSize,
		writeTimeout: writeTimeout,
	}
}

// state returns (creating if needed) the per-agent state.
func (h *Hub) state(agentID string) *agentState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.agents[agentID]
	if !ok {
		st = &agentState{
			ring:  newRing(h.bufferSize),
			conns: make(map[*Conn]struct{}),
		}
		h.agents[agentID] = st
	}
	return st
}

// Connect registers a sink for an agent. If lastEventID is non-empty,
// buffered events strictly after it are replayed before live delivery; if
// the id is no longer buffered, the entire buffer is replayed (explicit
// replay-all fallback). Replay and registration happen under the agent
// lock, so no broadcast can interleave with the replay.
func (h *Hub) Connect(ctx context.Context, agentID string, sink Sink, lastEventID string) (*Conn, error) {
	st := h.state(agentID)
	conn := &Conn{agentID: agentID, sink: sink, hub: h}

	st.mu.Lock()
	defer st.mu.Unlock()

	var replay []Event
	if lastEventID != "" {
		if seq, ok := parseEventID(agentID, lastEventID); ok {
			if events, found := st.ring.since(seq); found {
				replay = events
			} else {
				replay = st.ring.snapshot()
			}
		} else {
			replay = st.ring.snapshot()
		}
	}

	for _, ev := range replay {
		if err := h.send(ctx, sink, ev); err != nil {
			sink.Close()
			return nil, fmt.Errorf("replaying event %s: %w", ev.ID, err)
		}
	}

	st.conns[conn] = struct{}{}
	return conn, nil
}

// Broadcast assigns the next id for the agent, appends the event to the
// replay ring and delivers it to every connection. Connections whose sink
// fails are closed and removed.
func (h *Hub) Broadcast(agentID, eventType string, data json.RawMessage) Event {
	st := h.state(agentID)

	st.mu.Lock()
	st.counter++
	ev := Event{
		ID:        fmt.Sprintf("%s:%d", agentID, st.counter),
		Seq:       st.counter,
		AgentID:   agentID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	st.ring.append(ev)

	var failed []*Conn
	for conn := range st.conns {
		if err := h.send(context.Background(), conn.sink, ev); err != nil {
			slog.Warn("Dropping slow or closed stream connection",
				"agent_id", agentID, "event_id", ev.ID, "error", err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		delete(st.conns, conn)
	}
	st.mu.Unlock()

	// Close outside the agent lock: Close re-enters the hub via remove.
	for _, conn := range failed {
		conn.Close()
	}
	return ev
}

// DisconnectAll closes every connection for an agent and drops its buffer
// and counter.
func (h *Hub) DisconnectAll(agentID string) {
	h.mu.Lock()
	st, ok := h.agents[agentID]
	if ok {
		delete(h.agents, agentID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	conns := make([]*Conn, 0, len(st.conns))
	for conn := range st.conns {
		conns = append(conns, conn)
	}
	st.conns = make(map[*Conn]struct{})
	st.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Shutdown closes all connections for all agents.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.DisconnectAll(id)
	}
}

// ConnectionCount returns the number of open connections for an agent.
func (h *Hub) ConnectionCount(agentID string) int {
	h.mu.Lock()
	st, ok := h.agents[agentID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.conns)
}

// BufferedEvents returns a copy of the agent's replay buffer, oldest first.
func (h *Hub) BufferedEvents(agentID string) []Event {
	h.mu.Lock()
	st, ok := h.agents[agentID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ring.snapshot()
}

// remove detaches a connection without closing its sink (lazy-path
// counterpart of the sink close callback).
func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	st, ok := h.agents[conn.agentID]
	h.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.conns, conn)
	st.mu.Unlock()
}

// send delivers one event within the hub's write budget.
func (h *Hub) send(ctx context.Context, sink Sink, ev Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return sink.Send(sendCtx, ev)
}

// parseEventID extracts the counter from an "{agentId}:{counter}" id.
// Ids for a different agent do not resolve.
func parseEventID(agentID, id string) (uint64, bool) {
	prefix := agentID + ":"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(id[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
