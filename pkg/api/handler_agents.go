package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

// apiChannelID marks sessions originated through the HTTP API; they have
// no channel leg to relay to.
const apiChannelID = "api"

const chatHistoryWindow = 20

type chatRequest struct {
	Message string `json:"message" binding:"required"`
	// Wait holds the response open until the job finishes.
	Wait   bool     `json:"wait,omitempty"`
	Skills []string `json:"skills,omitempty"`
}

type steerRequest struct {
	Message  string `json:"message" binding:"required"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	if s.deps.Agents == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "agent store not configured")
		return
	}
	agents, err := s.deps.Agents.List(c.Request.Context())
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	if s.deps.Agents == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "agent store not configured")
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondMapped(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent, "lifecycle_state": s.liveState(agent)})
}

// liveState prefers the in-memory lifecycle state over the persisted one.
func (s *Server) liveState(agent *models.Agent) models.LifecycleState {
	if s.deps.Lifecycle != nil && s.deps.Lifecycle.IsAlive(agent.ID) {
		return s.deps.Lifecycle.State(agent.ID)
	}
	return agent.LifecycleState
}

// handleChat accepts a chat message for an agent: the message is appended
// to an active session and a job is enqueued. With wait=true the handler
// holds the request open and returns the agent's response inline.
func (s *Server) handleChat(c *gin.Context) {
	if s.deps.Agents == nil || s.deps.Sessions == nil || s.deps.Jobs == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "chat endpoints not configured")
		return
	}
	agentID := c.Param("agentId")

	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	agent, err := s.deps.Agents.Get(ctx, agentID)
	if err != nil {
		respondMapped(c, err)
		return
	}
	if state := s.liveState(agent); state == models.StateDraining || state == models.StateTerminated {
		respondError(c, http.StatusConflict, "agent_not_active",
			fmt.Sprintf("agent %s is %s", agent.ID, state))
		return
	}

	session, err := s.deps.Sessions.FindOrCreateActive(ctx, agent.ID, principal(c), apiChannelID)
	if err != nil {
		respondMapped(c, err)
		return
	}
	if _, err := s.deps.Sessions.AppendMessage(ctx, session.ID, models.RoleUser, req.Message); err != nil {
		respondMapped(c, err)
		return
	}

	history, err := s.deps.Sessions.History(ctx, session.ID, chatHistoryWindow)
	if err != nil {
		respondMapped(c, err)
		return
	}

	payload, err := json.Marshal(models.ChatResponsePayload{
		Type:                models.PayloadChatResponse,
		Prompt:              req.Message,
		ConversationHistory: history,
		GoalType:            "chat",
		Skills:              req.Skills,
	})
	if err != nil {
		respondMapped(c, err)
		return
	}

	job, err := s.deps.Jobs.Enqueue(ctx, services.EnqueueInput{
		AgentID:   agent.ID,
		SessionID: &session.ID,
		TaskName:  models.PayloadChatResponse,
		Payload:   payload,
	})
	if err != nil {
		respondMapped(c, err)
		return
	}

	if !req.Wait {
		c.JSON(http.StatusAccepted, gin.H{
			"job_id": job.ID, "session_id": session.ID, "status": job.Status,
		})
		return
	}
	s.waitForChat(c, job.ID, session.ID)
}

// waitForChat polls the job until it completes, fails, or the wait budget
// runs out. A job still running at the deadline degrades to 202.
func (s *Server) waitForChat(c *gin.Context, jobID, sessionID string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := s.deps.Jobs.Get(ctx, jobID)
		if err != nil {
			respondMapped(c, err)
			return
		}
		switch job.Status {
		case models.JobStatusCompleted:
			var result struct {
				Response string `json:"response"`
			}
			_ = json.Unmarshal(job.Result, &result)
			c.JSON(http.StatusOK, gin.H{
				"job_id": job.ID, "session_id": sessionID, "status": job.Status,
				"response": result.Response,
			})
			return
		case models.JobStatusDeadLetter:
			respondError(c, http.StatusBadGateway, "upstream_failure", job.ErrorMessage)
			return
		}

		select {
		case <-ctx.Done():
			c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "session_id": sessionID})
			return
		case <-ticker.C:
		}
	}
}

// handleSteer injects guidance into a running agent. 409 when the agent
// is not currently executing.
func (s *Server) handleSteer(c *gin.Context) {
	if s.deps.Lifecycle == nil {
		respondError(c, http.StatusServiceUnavailable, "unavailable", "lifecycle manager not configured")
		return
	}
	agentID := c.Param("agentId")

	var req steerRequest
	if !bindJSON(c, &req) {
		return
	}

	if s.deps.Agents != nil {
		if _, err := s.deps.Agents.Get(c.Request.Context(), agentID); err != nil {
			respondMapped(c, err)
			return
		}
	}

	msg, err := s.deps.Lifecycle.Steer(agentID, req.Message, lifecycle.SteeringPriority(req.Priority))
	if err != nil {
		respondMapped(c, err)
		return
	}

	if s.deps.Hub != nil {
		ack, _ := json.Marshal(map[string]any{
			"steering_id": msg.ID, "message": msg.Message, "priority": string(msg.Priority),
		})
		s.deps.Hub.Broadcast(agentID, stream.EventSteerAck, ack)
	}
	c.JSON(http.StatusAccepted, gin.H{"steering_id": msg.ID, "status": "accepted"})
}
