// Package review runs multi-stage review chains: a builder produces
// work, reviewers critique it, a verifier signs off. Failing reviews
// loop back to the builder as revision tasks until everything passes,
// the loop budget runs out, or a critical stage deadlocks.
package review

import (
	"context"
	"fmt"
	"log/slog"
)

// StageKind classifies a chain stage.
type StageKind string

const (
	StageBuilder  StageKind = "builder"
	StageReviewer StageKind = "reviewer"
	StageVerifier StageKind = "verifier"
)

// Escalation reasons.
const (
	ReasonUnresolvedConflict = "unresolved_conflict"
	ReasonMaxLoopsExceeded   = "max_loops_exceeded"
)

// Comment is one reviewer finding.
type Comment struct {
	File        string `json:"file,omitempty"`
	Step        string `json:"step,omitempty"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	// Actionable comments become revision tasks for the builder.
	Actionable bool `json:"actionable"`
}

// StageOutcome is what one stage returns.
type StageOutcome struct {
	Pass               bool      `json:"pass"`
	Score              float64   `json:"score"`
	Comments           []Comment `json:"comments,omitempty"`
	UnresolvedConflict bool      `json:"unresolvedConflict,omitempty"`
}

// StageInput carries the work item plus any revision tasks synthesized
// from the previous loop.
type StageInput struct {
	Task          string         `json:"task"`
	Loop          int            `json:"loop"`
	RevisionTasks []RevisionTask `json:"revisionTasks,omitempty"`
}

// StageFunc executes one stage.
type StageFunc func(ctx context.Context, in StageInput) (StageOutcome, error)

// Stage is one configured step of a chain policy.
type Stage struct {
	ID   string
	Kind StageKind
	// Critical marks a stage whose unresolved conflict escalates
	// immediately instead of looping.
	Critical bool
	Run      StageFunc
}

// Policy is an ordered chain with a loop budget.
type Policy struct {
	Stages   []Stage
	MaxLoops int
}

// RevisionTask is one actionable reviewer comment fed back to the
// builder.
type RevisionTask struct {
	SourceStageID string `json:"sourceStageId"`
	File          string `json:"file,omitempty"`
	Step          string `json:"step,omitempty"`
	Severity      string `json:"severity"`
	Message       string `json:"message"`
	Remediation   string `json:"remediation,omitempty"`
}

// StageRecord captures one stage execution inside a loop.
type StageRecord struct {
	StageID       string         `json:"stageId"`
	Kind          StageKind      `json:"kind"`
	Loop          int            `json:"loop"`
	Outcome       StageOutcome   `json:"outcome"`
	RevisionTasks []RevisionTask `json:"revisionTasks,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Result is the chain outcome.
type Result struct {
	Passed           bool          `json:"passed"`
	EscalatedToHuman bool          `json:"escalatedToHuman"`
	EscalationReason string        `json:"escalationReason,omitempty"`
	LoopsRun         int           `json:"loopsRun"`
	Records          []StageRecord `json:"records"`
}

// Engine executes review chains.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an engine.
func NewEngine() *Engine {
	return &Engine{logger: slog.Default().With("component", "review-engine")}
}

// Run executes the policy against one task description.
func (e *Engine) Run(ctx context.Context, task string, policy Policy) (*Result, error) {
	if len(policy.Stages) == 0 {
		return nil, fmt.Errorf("review policy has no stages")
	}
	maxLoops := policy.MaxLoops
	if maxLoops < 1 {
		maxLoops = 3
	}

	result := &Result{}
	var pending []RevisionTask

	for loop := 1; loop <= maxLoops; loop++ {
		result.LoopsRun = loop
		allPassed := true

	stages:
		for _, stage := range policy.Stages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			in := StageInput{Task: task, Loop: loop}
			if stage.Kind == StageBuilder {
				in.RevisionTasks = pending
				pending = nil
			}

			outcome, err := stage.Run(ctx, in)
			record := StageRecord{StageID: stage.ID, Kind: stage.Kind, Loop: loop, Outcome: outcome}
			if err != nil {
				record.Error = err.Error()
				result.Records = append(result.Records, record)
				return result, fmt.Errorf("stage %s failed: %w", stage.ID, err)
			}

			if outcome.UnresolvedConflict && stage.Critical {
				result.Records = append(result.Records, record)
				result.EscalatedToHuman = true
				result.EscalationReason = ReasonUnresolvedConflict
				e.logger.Warn("Review chain escalated",
					"stage", stage.ID, "loop", loop, "reason", ReasonUnresolvedConflict)
				return result, nil
			}

			if !outcome.Pass && stage.Kind == StageReviewer {
				tasks := synthesizeRevisions(stage.ID, outcome.Comments)
				if len(tasks) > 0 {
					record.RevisionTasks = tasks
					result.Records = append(result.Records, record)
					pending = tasks
					allPassed = false
					e.logger.Info("Review stage failed, looping back to builder",
						"stage", stage.ID, "loop", loop, "revisions", len(tasks))
					break stages
				}
			}

			result.Records = append(result.Records, record)
			if !outcome.Pass {
				allPassed = false
			}
		}

		if allPassed {
			result.Passed = true
			e.logger.Info("Review chain passed", "loops", loop)
			return result, nil
		}
	}

	result.EscalatedToHuman = true
	result.EscalationReason = ReasonMaxLoopsExceeded
	e.logger.Warn("Review chain exhausted loop budget", "loops", result.LoopsRun)
	return result, nil
}

// synthesizeRevisions turns actionable comments into builder tasks, one
// per comment.
func synthesizeRevisions(stageID string, comments []Comment) []RevisionTask {
	var tasks []RevisionTask
	for _, c := range comments {
		if !c.Actionable {
			continue
		}
		tasks = append(tasks, RevisionTask{
			SourceStageID: stageID,
			File:          c.File,
			Step:          c.Step,
			Severity:      c.Severity,
			Message:       c.Message,
			Remediation:   c.Remediation,
		})
	}
	return tasks
}
