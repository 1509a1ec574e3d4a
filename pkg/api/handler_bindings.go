package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type bindingRequest struct {
	ChannelType string `json:"channel_type" binding:"required"`
	ChatID      string `json:"chat_id,omitempty"`
	Default     bool   `json:"default,omitempty"`
}

func (s *Server) handleListBindings(c *gin.Context) {
	if s.deps.Bindings == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "binding store not configured")
		return
	}
	bindings, err := s.deps.Bindings.ListForAgent(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": bindings})
}

func (s *Server) handleCreateBinding(c *gin.Context) {
	if s.deps.Bindings == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "binding store not configured")
		return
	}
	var req bindingRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.Default && req.ChatID == "" {
		respondError(c, http.StatusBadRequest, "bad_request", "chat_id is required for non-default bindings")
		return
	}
	binding, err := s.deps.Bindings.Bind(c.Request.Context(),
		c.Param("agentId"), req.ChannelType, req.ChatID, req.Default)
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"binding": binding})
}

func (s *Server) handleDeleteBinding(c *gin.Context) {
	if s.deps.Bindings == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "binding store not configured")
		return
	}
	if err := s.deps.Bindings.Unbind(c.Request.Context(), c.Param("bindingId")); err != nil {
		respondMapped(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
