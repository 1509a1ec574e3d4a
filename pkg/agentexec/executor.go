// Package agentexec implements the agent_execute task handler: provider
// routing, steering, checkpoints and response relay for chat jobs.
package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/wheelhouse-io/wheelhouse/pkg/buffer"
	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/masking"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/skills"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

// maxSteeringRounds bounds re-prompting when steering arrives while a
// provider call is in flight.
const maxSteeringRounds = 3

// defaultSkillTokenBudget caps the prompt cost of attached skills.
const defaultSkillTokenBudget = 8000

// Relay delivers a finished response back to its session's channel.
type Relay interface {
	RelayResponse(ctx context.Context, sessionID, response string) error
}

// CheckpointStore persists checkpoints to the job store.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error
}

// Config tunes the executor.
type Config struct {
	// BufferDir is the root of the per-job event logs.
	BufferDir string
	// SkillTokenBudget caps skill content attached to prompts.
	SkillTokenBudget int
	// Redactor scrubs credentials from responses before they leave the
	// executor. Nil disables redaction.
	Redactor *masking.Redactor
	// PlanReviewer gates plan-type responses behind a review chain.
	// Nil releases plans as drafted.
	PlanReviewer *PlanReviewer
}

// Executor runs chat jobs end to end.
type Executor struct {
	providers *provider.Registry
	agents    *lifecycle.Manager
	hub       *stream.Hub
	jobs      CheckpointStore
	skillIdx  *skills.Index // optional
	relay     Relay         // optional
	cfg       Config
	logger    *slog.Logger
}

// NewExecutor wires the executor. skillIdx and relay may be nil.
func NewExecutor(providers *provider.Registry, agents *lifecycle.Manager, hub *stream.Hub, jobs CheckpointStore, skillIdx *skills.Index, relay Relay, cfg Config) *Executor {
	if cfg.SkillTokenBudget <= 0 {
		cfg.SkillTokenBudget = defaultSkillTokenBudget
	}
	return &Executor{
		providers: providers,
		agents:    agents,
		hub:       hub,
		jobs:      jobs,
		skillIdx:  skillIdx,
		relay:     relay,
		cfg:       cfg,
		logger:    slog.Default().With("component", "agent-executor"),
	}
}

// promptInput is the task input handed to the provider backend.
type promptInput struct {
	Prompt        string                  `json:"prompt"`
	History       []models.SessionMessage `json:"history,omitempty"`
	Steering      []string                `json:"steering,omitempty"`
	GoalType      string                  `json:"goalType,omitempty"`
	Skills        []string                `json:"skills,omitempty"`
	SkillContent  []string                `json:"skillContent,omitempty"`
	Constraints   *skills.Constraints     `json:"constraints,omitempty"`
	ResumeState   json.RawMessage         `json:"resumeState,omitempty"`
	NonIdempotent bool                    `json:"nonIdempotent,omitempty"`
}

// chatResult is the job result blob.
type chatResult struct {
	Response     string `json:"response"`
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Rounds       int    `json:"rounds"`
	// PlanEscalated is set when the review chain handed the plan to a
	// human instead of passing it.
	PlanEscalated bool `json:"plan_escalated,omitempty"`
}

// Execute implements the queue handler contract for chat jobs.
func (e *Executor) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	decoded, err := models.DecodePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	payload, ok := decoded.(*models.ChatResponsePayload)
	if !ok {
		return nil, errkind.New(errkind.Permanent,
			fmt.Errorf("agent_execute cannot handle payload %T", decoded))
	}

	if err := e.enterExecuting(job); err != nil {
		return nil, err
	}
	defer e.leaveExecuting(job)

	// Read any prior attempt's checkpoint before the new session file
	// becomes the most recent one.
	resumeState := e.recoverState(job)

	w, err := buffer.OpenWriter(e.cfg.BufferDir, job.ID, job.AgentID)
	if err != nil {
		return nil, errkind.New(errkind.Resource, fmt.Errorf("opening event buffer: %w", err))
	}
	defer func() { _ = w.Close() }()

	e.append(w, job, buffer.EventSessionStart, mustJSON(map[string]any{
		"attempt": job.Attempt, "task": job.TaskName,
	}))

	input := promptInput{
		Prompt:        payload.Prompt,
		History:       payload.ConversationHistory,
		GoalType:      payload.GoalType,
		NonIdempotent: payload.NonIdempotent,
		ResumeState:   resumeState,
	}
	if err := e.attachSkills(&input, payload.Skills); err != nil {
		return nil, err
	}

	// Steering that arrived before this attempt started.
	input.Steering = append(input.Steering, e.drainSteering(w, job)...)

	var result *provider.Result
	var providerID string
	rounds := 0
	for {
		rounds++
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, providerID, err = e.callProvider(ctx, w, job, input)
		if err != nil {
			e.append(w, job, buffer.EventError, mustJSON(map[string]any{"error": err.Error()}))
			return nil, err
		}

		// High-priority steering that landed mid-call preempts the
		// response: fold it in and go again, bounded.
		steering := e.drainSteering(w, job)
		if len(steering) == 0 || rounds >= maxSteeringRounds {
			break
		}
		input.Steering = append(input.Steering, steering...)
		e.logger.Info("Re-prompting after steering",
			"job_id", job.ID, "agent_id", job.AgentID, "round", rounds)
	}

	response := extractResponse(result)

	var planEscalated bool
	if payload.GoalType == "plan" && e.cfg.PlanReviewer != nil {
		reviewed, runResult, err := e.cfg.PlanReviewer.Review(ctx, job, response)
		if err != nil {
			e.logger.Warn("Plan review failed, releasing draft unreviewed",
				"job_id", job.ID, "error", err)
		} else {
			response = reviewed
			planEscalated = runResult.EscalatedToHuman
		}
	}

	if e.cfg.Redactor != nil {
		response = e.cfg.Redactor.Redact(response)
	}

	if err := e.checkpoint(ctx, w, job, response); err != nil {
		e.logger.Warn("Checkpoint write failed", "job_id", job.ID, "error", err)
	}

	output := map[string]any{
		"job_id": job.ID, "response": response, "provider": providerID,
	}
	if len(input.Steering) > 0 {
		output["steering"] = steerMarkers(input.Steering)
	}
	e.hub.Broadcast(job.AgentID, stream.EventAgentOutput, mustJSON(output))

	if e.relay != nil && job.SessionID != nil {
		if err := e.relay.RelayResponse(ctx, *job.SessionID, response); err != nil {
			e.logger.Warn("Relaying response failed",
				"job_id", job.ID, "session_id", *job.SessionID, "error", err)
		}
	}

	e.append(w, job, buffer.EventSessionEnd, mustJSON(map[string]any{"rounds": rounds}))

	return mustJSON(chatResult{
		Response:      response,
		Model:         result.Model,
		Provider:      providerID,
		InputTokens:   result.InputTokens,
		OutputTokens:  result.OutputTokens,
		Rounds:        rounds,
		PlanEscalated: planEscalated,
	}), nil
}

// enterExecuting moves the agent READY → EXECUTING. A freshly registered
// agent is walked through its boot sequence first; an agent that is
// draining or otherwise unavailable yields a transient error so the job
// retries.
func (e *Executor) enterExecuting(job *models.Job) error {
	e.agents.Register(job.AgentID)
	state := e.agents.State(job.AgentID)
	if state == models.StateExecuting {
		return nil
	}
	if state == models.StateBooting {
		if err := e.agents.Transition(job.AgentID, models.StateHydrating, "booting for job "+job.ID); err != nil {
			return err
		}
		if err := e.agents.Transition(job.AgentID, models.StateReady, "hydration complete"); err != nil {
			return err
		}
	}
	if err := e.agents.Transition(job.AgentID, models.StateExecuting, "job "+job.ID); err != nil {
		var invalid *lifecycle.InvalidTransition
		if errors.As(err, &invalid) {
			return errkind.New(errkind.Transient,
				fmt.Errorf("agent %s not ready (state %s)", job.AgentID, state))
		}
		return err
	}
	return nil
}

func (e *Executor) leaveExecuting(job *models.Job) {
	if e.agents.State(job.AgentID) != models.StateExecuting {
		return
	}
	if err := e.agents.Transition(job.AgentID, models.StateReady, "job "+job.ID+" finished"); err != nil {
		e.logger.Warn("Returning agent to READY failed", "agent_id", job.AgentID, "error", err)
	}
}

// recoverState returns the resumable state for a retried attempt: the
// buffer's last valid checkpoint wins, falling back to the store's.
func (e *Executor) recoverState(job *models.Job) json.RawMessage {
	if job.Attempt <= 1 {
		return nil
	}
	if res, err := buffer.Recover(e.cfg.BufferDir, job.ID); err == nil && res.LastCheckpoint != nil {
		return res.LastCheckpoint.Data
	}
	if job.Checkpoint != nil {
		return job.Checkpoint.State
	}
	return nil
}

func (e *Executor) attachSkills(input *promptInput, names []string) error {
	if e.skillIdx == nil || len(names) == 0 {
		return nil
	}
	resolved, err := e.skillIdx.Resolve(names)
	if err != nil {
		return errkind.New(errkind.Permanent, err)
	}
	selected := skills.SelectWithinBudget(resolved, e.cfg.SkillTokenBudget)
	defs := make([]skills.Definition, 0, len(selected))
	for _, s := range selected {
		input.Skills = append(input.Skills, s.Name)
		input.SkillContent = append(input.SkillContent, s.Content)
		defs = append(defs, s.Definition)
	}
	merged := skills.MergeConstraints(defs)
	input.Constraints = &merged
	return nil
}

// drainSteering appends pending steering messages to the buffer and
// returns their texts, high-priority first as delivered by the inbox.
func (e *Executor) drainSteering(w *buffer.Writer, job *models.Job) []string {
	msgs := e.agents.PollSteering(job.AgentID)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		e.append(w, job, buffer.EventSteering, mustJSON(map[string]any{
			"message": m.Message, "priority": string(m.Priority),
		}))
		out = append(out, m.Message)
	}
	return out
}

// callProvider routes the task with failover and runs it on the leased
// backend. The lease's outcome feeds the provider's breaker.
func (e *Executor) callProvider(ctx context.Context, w *buffer.Writer, job *models.Job, input promptInput) (*provider.Result, string, error) {
	blob := mustJSON(input)
	task := provider.Task{JobID: job.ID, AgentID: job.AgentID, Kind: "chat", Input: blob}

	e.append(w, job, buffer.EventLLMRequest, mustJSON(map[string]any{
		"goal_type": input.GoalType, "steering": len(input.Steering),
	}))

	lease, err := e.providers.RouteWithFailover(ctx, task)
	if err != nil {
		return nil, "", errkind.New(errkind.Resource, err)
	}

	result, err := lease.Backend().Execute(ctx, task)
	if err != nil {
		kind := errkind.Classify(err)
		lease.Finish(false, kind)
		return nil, "", errkind.New(kind,
			fmt.Errorf("provider %s: %w", lease.ProviderID(), err))
	}
	lease.Finish(true, "")

	e.append(w, job, buffer.EventLLMResponse, mustJSON(map[string]any{
		"provider": lease.ProviderID(), "model": result.Model,
		"output_tokens": result.OutputTokens,
	}))
	return result, lease.ProviderID(), nil
}

// checkpoint writes the CHECKPOINT event to the buffer before committing
// to the job store; the buffer copy is authoritative on recovery.
func (e *Executor) checkpoint(ctx context.Context, w *buffer.Writer, job *models.Job, response string) error {
	state := mustJSON(map[string]any{"response": response, "phase": "responded"})
	e.append(w, job, buffer.EventCheckpoint, state)
	cp := models.Checkpoint{State: state, CRC: crcOf(state)}
	return e.jobs.SaveCheckpoint(ctx, job.ID, cp)
}

func (e *Executor) append(w *buffer.Writer, job *models.Job, typ buffer.EventType, data json.RawMessage) {
	sessionID := ""
	if job.SessionID != nil {
		sessionID = *job.SessionID
	}
	if _, err := w.Append(buffer.NewEvent(job.ID, sessionID, job.AgentID, typ, data)); err != nil {
		e.logger.Warn("Buffer append failed", "job_id", job.ID, "type", typ, "error", err)
	}
}

// steerMarkers renders applied steering as "[STEER] <message>" lines so
// stream consumers can see what guidance shaped the response.
func steerMarkers(msgs []string) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = "[STEER] " + m
	}
	return out
}

func extractResponse(result *provider.Result) string {
	var out struct {
		Response string `json:"response"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(result.Output, &out); err == nil {
		if out.Response != "" {
			return out.Response
		}
		if out.Text != "" {
			return out.Text
		}
	}
	return string(result.Output)
}

func crcOf(data json.RawMessage) uint32 {
	return crc32.ChecksumIEEE(data)
}

func mustJSON(v any) json.RawMessage {
	blob, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return blob
}
