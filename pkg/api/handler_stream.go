package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

// handleStream serves the agent's live event feed over SSE. Last-Event-ID
// resumes from the replay buffer; ids that have aged out fall back to a
// full buffer replay.
func (s *Server) handleStream(c *gin.Context) {
	if s.deps.Hub == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "event hub not configured")
		return
	}
	agentID := c.Param("agentId")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := stream.NewSSESink(c.Writer, flusher)
	conn, err := s.deps.Hub.Connect(c.Request.Context(), agentID, sink, c.GetHeader("Last-Event-ID"))
	if err != nil {
		s.logger.Warn("SSE replay failed", "agent_id", agentID, "error", err)
		return
	}
	defer conn.Close()

	select {
	case <-c.Request.Context().Done():
	case <-sink.Done():
	}
}

// handleWS mirrors the SSE feed over a WebSocket for clients that need
// bidirectional framing or cannot hold an EventSource open.
func (s *Server) handleWS(c *gin.Context) {
	if s.deps.Hub == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "event hub not configured")
		return
	}
	agentID := c.Param("agentId")

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the handshake failure.
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	sink := stream.NewChanSink(64)
	conn, err := s.deps.Hub.Connect(c.Request.Context(), agentID, sink, c.Query("last_event_id"))
	if err != nil {
		ws.Close(websocket.StatusInternalError, "replay failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sink.Events():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}
