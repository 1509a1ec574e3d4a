package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/review"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

// RunStore persists finished review-chain runs.
type RunStore interface {
	SaveRun(ctx context.Context, run services.ReviewRun) (string, error)
}

// PlanReviewer runs drafted plans through a builder/reviewer/verifier
// chain backed by the provider fleet. Jobs with goal type "plan" pass
// through here before their response is released.
type PlanReviewer struct {
	providers *provider.Registry
	engine    *review.Engine
	runs      RunStore
	maxLoops  int
	logger    *slog.Logger
}

// NewPlanReviewer wires the reviewer. runs may be nil, in which case
// outcomes are not persisted. maxLoops <= 0 uses the engine default.
func NewPlanReviewer(providers *provider.Registry, runs RunStore, maxLoops int) *PlanReviewer {
	return &PlanReviewer{
		providers: providers,
		engine:    review.NewEngine(),
		runs:      runs,
		maxLoops:  maxLoops,
		logger:    slog.Default().With("component", "plan-reviewer"),
	}
}

// reviewVerdict is the structured verdict a review-capable provider
// returns for plan_review / plan_verify tasks.
type reviewVerdict struct {
	Pass               bool             `json:"pass"`
	Score              float64          `json:"score"`
	Comments           []review.Comment `json:"comments,omitempty"`
	UnresolvedConflict bool             `json:"unresolvedConflict,omitempty"`
}

// revisionOutput is what a plan_revision task returns.
type revisionOutput struct {
	Plan string `json:"plan"`
}

// Review runs the chain over a draft. It returns the final (possibly
// revised) plan text and the persisted run id. The draft is returned
// unchanged when the chain escalates to a human; the caller surfaces
// the escalation through the run record.
func (r *PlanReviewer) Review(ctx context.Context, job *models.Job, draft string) (string, *review.Result, error) {
	current := draft

	policy := review.Policy{
		MaxLoops: r.maxLoops,
		Stages: []review.Stage{
			{
				ID:   "builder",
				Kind: review.StageBuilder,
				Run: func(ctx context.Context, in review.StageInput) (review.StageOutcome, error) {
					// Loop 1 reviews the draft as produced; later loops
					// fold reviewer findings back into a revision.
					if len(in.RevisionTasks) == 0 {
						return review.StageOutcome{Pass: true, Score: 1}, nil
					}
					revised, err := r.revise(ctx, job, current, in.RevisionTasks)
					if err != nil {
						return review.StageOutcome{}, err
					}
					current = revised
					return review.StageOutcome{Pass: true, Score: 1}, nil
				},
			},
			{
				ID:   "reviewer",
				Kind: review.StageReviewer,
				Run: func(ctx context.Context, in review.StageInput) (review.StageOutcome, error) {
					return r.judge(ctx, job, "plan_review", current)
				},
			},
			{
				ID:       "verifier",
				Kind:     review.StageVerifier,
				Critical: true,
				Run: func(ctx context.Context, in review.StageInput) (review.StageOutcome, error) {
					return r.judge(ctx, job, "plan_verify", current)
				},
			},
		},
	}

	result, err := r.engine.Run(ctx, draft, policy)
	if err != nil {
		return draft, nil, err
	}

	r.persist(ctx, job, result)
	return current, result, nil
}

// judge asks a provider to review the plan and parses its verdict.
func (r *PlanReviewer) judge(ctx context.Context, job *models.Job, kind, plan string) (review.StageOutcome, error) {
	output, err := r.call(ctx, job, kind, mustJSON(map[string]string{"plan": plan}))
	if err != nil {
		return review.StageOutcome{}, err
	}
	var verdict reviewVerdict
	if err := json.Unmarshal(output, &verdict); err != nil {
		return review.StageOutcome{}, fmt.Errorf("parsing %s verdict: %w", kind, err)
	}
	return review.StageOutcome{
		Pass:               verdict.Pass,
		Score:              verdict.Score,
		Comments:           verdict.Comments,
		UnresolvedConflict: verdict.UnresolvedConflict,
	}, nil
}

// revise asks a provider to rework the plan against the revision tasks.
func (r *PlanReviewer) revise(ctx context.Context, job *models.Job, plan string, tasks []review.RevisionTask) (string, error) {
	output, err := r.call(ctx, job, "plan_revision", mustJSON(map[string]any{
		"plan": plan, "revisions": tasks,
	}))
	if err != nil {
		return "", err
	}
	var out revisionOutput
	if err := json.Unmarshal(output, &out); err != nil || out.Plan == "" {
		return "", fmt.Errorf("plan_revision returned no plan")
	}
	return out.Plan, nil
}

func (r *PlanReviewer) call(ctx context.Context, job *models.Job, kind string, input json.RawMessage) (json.RawMessage, error) {
	lease, err := r.providers.RouteWithFailover(ctx, provider.Task{
		JobID: job.ID, AgentID: job.AgentID, Kind: kind, Input: input,
	})
	if err != nil {
		return nil, fmt.Errorf("routing %s: %w", kind, err)
	}
	result, err := lease.Backend().Execute(ctx, provider.Task{
		JobID: job.ID, AgentID: job.AgentID, Kind: kind, Input: input,
	})
	if err != nil {
		lease.Finish(false, errkind.Classify(err))
		return nil, fmt.Errorf("%s on %s: %w", kind, lease.ProviderID(), err)
	}
	lease.Finish(true, "")
	return result.Output, nil
}

func (r *PlanReviewer) persist(ctx context.Context, job *models.Job, result *review.Result) {
	if r.runs == nil {
		return
	}
	now := time.Now().UTC()
	jobID := job.ID
	_, err := r.runs.SaveRun(ctx, services.ReviewRun{
		JobID:            &jobID,
		AgentID:          job.AgentID,
		Passed:           result.Passed,
		Escalated:        result.EscalatedToHuman,
		EscalationReason: result.EscalationReason,
		LoopsRun:         result.LoopsRun,
		Records:          mustJSON(result.Records),
		FinishedAt:       &now,
	})
	if err != nil {
		r.logger.Warn("Persisting review run failed", "job_id", job.ID, "error", err)
	}
}
