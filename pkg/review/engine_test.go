package review

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passStage(id string, kind StageKind) Stage {
	return Stage{ID: id, Kind: kind, Run: func(context.Context, StageInput) (StageOutcome, error) {
		return StageOutcome{Pass: true, Score: 1}, nil
	}}
}

func TestRun_AllStagesPassFirstLoop(t *testing.T) {
	e := NewEngine()
	policy := Policy{
		Stages: []Stage{
			passStage("builder", StageBuilder),
			passStage("reviewer", StageReviewer),
			passStage("verifier", StageVerifier),
		},
		MaxLoops: 3,
	}
	result, err := e.Run(context.Background(), "implement feature", policy)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.False(t, result.EscalatedToHuman)
	assert.Equal(t, 1, result.LoopsRun)
	assert.Len(t, result.Records, 3)
}

func TestRun_FailingReviewerLoopsBackWithRevisions(t *testing.T) {
	var builderInputs []StageInput
	builder := Stage{ID: "builder", Kind: StageBuilder, Run: func(_ context.Context, in StageInput) (StageOutcome, error) {
		builderInputs = append(builderInputs, in)
		return StageOutcome{Pass: true}, nil
	}}

	reviewCalls := 0
	reviewer := Stage{ID: "style-review", Kind: StageReviewer, Run: func(context.Context, StageInput) (StageOutcome, error) {
		reviewCalls++
		if reviewCalls == 1 {
			return StageOutcome{Pass: false, Comments: []Comment{
				{File: "main.go", Step: "naming", Severity: "minor", Message: "rename x", Remediation: "use a descriptive name", Actionable: true},
				{Severity: "info", Message: "looks fine otherwise", Actionable: false},
			}}, nil
		}
		return StageOutcome{Pass: true}, nil
	}}

	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{builder, reviewer, passStage("verifier", StageVerifier)},
		MaxLoops: 3,
	})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, 2, result.LoopsRun)

	// Second builder pass receives exactly the actionable comments as
	// revision tasks.
	require.Len(t, builderInputs, 2)
	assert.Empty(t, builderInputs[0].RevisionTasks)
	require.Len(t, builderInputs[1].RevisionTasks, 1)
	rt := builderInputs[1].RevisionTasks[0]
	assert.Equal(t, "style-review", rt.SourceStageID)
	assert.Equal(t, "main.go", rt.File)
	assert.Equal(t, "naming", rt.Step)
	assert.Equal(t, "rename x", rt.Message)
}

func TestRun_UnresolvedConflictEscalates(t *testing.T) {
	conflicted := Stage{ID: "arch-review", Kind: StageReviewer, Critical: true,
		Run: func(context.Context, StageInput) (StageOutcome, error) {
			return StageOutcome{Pass: false, UnresolvedConflict: true}, nil
		}}

	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{passStage("builder", StageBuilder), conflicted},
		MaxLoops: 5,
	})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.True(t, result.EscalatedToHuman)
	assert.Equal(t, ReasonUnresolvedConflict, result.EscalationReason)
	assert.Equal(t, 1, result.LoopsRun)
}

func TestRun_NonCriticalConflictDoesNotEscalateImmediately(t *testing.T) {
	conflicted := Stage{ID: "opt-review", Kind: StageReviewer, Critical: false,
		Run: func(context.Context, StageInput) (StageOutcome, error) {
			return StageOutcome{Pass: false, UnresolvedConflict: true}, nil
		}}

	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{passStage("builder", StageBuilder), conflicted},
		MaxLoops: 2,
	})
	require.NoError(t, err)
	assert.True(t, result.EscalatedToHuman)
	assert.Equal(t, ReasonMaxLoopsExceeded, result.EscalationReason)
	assert.Equal(t, 2, result.LoopsRun)
}

func TestRun_MaxLoopsExceeded(t *testing.T) {
	alwaysFails := Stage{ID: "strict", Kind: StageReviewer, Run: func(context.Context, StageInput) (StageOutcome, error) {
		return StageOutcome{Pass: false, Comments: []Comment{
			{Severity: "major", Message: "still wrong", Actionable: true},
		}}, nil
	}}

	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{passStage("builder", StageBuilder), alwaysFails},
		MaxLoops: 3,
	})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.True(t, result.EscalatedToHuman)
	assert.Equal(t, ReasonMaxLoopsExceeded, result.EscalationReason)
	assert.Equal(t, 3, result.LoopsRun)
}

func TestRun_StageErrorAborts(t *testing.T) {
	broken := Stage{ID: "broken", Kind: StageReviewer, Run: func(context.Context, StageInput) (StageOutcome, error) {
		return StageOutcome{}, errors.New("model unavailable")
	}}

	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{passStage("builder", StageBuilder), broken},
		MaxLoops: 3,
	})
	require.Error(t, err)
	require.NotNil(t, result)
	last := result.Records[len(result.Records)-1]
	assert.Equal(t, "broken", last.StageID)
	assert.Contains(t, last.Error, "model unavailable")
}

func TestRun_EmptyPolicyRejected(t *testing.T) {
	e := NewEngine()
	_, err := e.Run(context.Background(), "task", Policy{})
	assert.Error(t, err)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEngine()
	_, err := e.Run(ctx, "task", Policy{Stages: []Stage{passStage("b", StageBuilder)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecordsCaptureLoopAndOutcome(t *testing.T) {
	e := NewEngine()
	result, err := e.Run(context.Background(), "task", Policy{
		Stages:   []Stage{passStage("builder", StageBuilder), passStage("verifier", StageVerifier)},
		MaxLoops: 1,
	})
	require.NoError(t, err)
	for _, rec := range result.Records {
		assert.Equal(t, 1, rec.Loop)
		assert.True(t, rec.Outcome.Pass)
	}
}
