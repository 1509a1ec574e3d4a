package agentexec

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/review"
	"github.com/wheelhouse-io/wheelhouse/pkg/services"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs []services.ReviewRun
}

func (f *fakeRunStore) SaveRun(_ context.Context, run services.ReviewRun) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return "run-1", nil
}

func verdict(pass bool, comments ...string) json.RawMessage {
	v := reviewVerdict{Pass: pass, Score: 0.9}
	for _, msg := range comments {
		v.Comments = append(v.Comments, review.Comment{
			Severity: "major", Message: msg, Actionable: true,
		})
	}
	return mustJSON(v)
}

func newPlanFixture(t *testing.T, fn func(call int, task provider.Task) (*provider.Result, error)) (*PlanReviewer, *fakeRunStore) {
	t.Helper()
	backend := &fakeBackend{id: "p1", fn: fn}
	registry := provider.NewRegistry()
	registry.Register(backend, provider.EntryConfig{Priority: 1, MaxInFlight: 4})
	runs := &fakeRunStore{}
	return NewPlanReviewer(registry, runs, 3), runs
}

func TestPlanReview_PassesCleanPlanFirstLoop(t *testing.T) {
	reviewer, runs := newPlanFixture(t, func(_ int, task provider.Task) (*provider.Result, error) {
		return &provider.Result{Output: verdict(true)}, nil
	})

	final, result, err := reviewer.Review(context.Background(), chatJob("j-plan"), "roll out in 3 waves")
	require.NoError(t, err)

	assert.Equal(t, "roll out in 3 waves", final)
	assert.True(t, result.Passed)
	assert.Equal(t, 1, result.LoopsRun)

	require.Len(t, runs.runs, 1)
	assert.True(t, runs.runs[0].Passed)
	assert.Equal(t, "agent-1", runs.runs[0].AgentID)
}

func TestPlanReview_FailedReviewLoopsThroughRevision(t *testing.T) {
	reviewer, runs := newPlanFixture(t, func(_ int, task provider.Task) (*provider.Result, error) {
		switch task.Kind {
		case "plan_review":
			var in struct {
				Plan string `json:"plan"`
			}
			require.NoError(t, json.Unmarshal(task.Input, &in))
			if in.Plan == "v2 plan" {
				return &provider.Result{Output: verdict(true)}, nil
			}
			return &provider.Result{Output: verdict(false, "missing rollback step")}, nil
		case "plan_revision":
			return &provider.Result{Output: json.RawMessage(`{"plan":"v2 plan"}`)}, nil
		case "plan_verify":
			return &provider.Result{Output: verdict(true)}, nil
		}
		t.Fatalf("unexpected task kind %s", task.Kind)
		return nil, nil
	})

	final, result, err := reviewer.Review(context.Background(), chatJob("j-plan"), "v1 plan")
	require.NoError(t, err)

	assert.Equal(t, "v2 plan", final)
	assert.True(t, result.Passed)
	assert.Equal(t, 2, result.LoopsRun)

	require.Len(t, runs.runs, 1)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(runs.runs[0].Records, &records))
	assert.NotEmpty(t, records)
}

func TestPlanReview_VerifierConflictEscalates(t *testing.T) {
	reviewer, runs := newPlanFixture(t, func(_ int, task provider.Task) (*provider.Result, error) {
		if task.Kind == "plan_verify" {
			return &provider.Result{Output: mustJSON(reviewVerdict{Pass: false, UnresolvedConflict: true})}, nil
		}
		return &provider.Result{Output: verdict(true)}, nil
	})

	final, result, err := reviewer.Review(context.Background(), chatJob("j-esc"), "contested plan")
	require.NoError(t, err)

	assert.Equal(t, "contested plan", final)
	assert.True(t, result.EscalatedToHuman)

	require.Len(t, runs.runs, 1)
	assert.True(t, runs.runs[0].Escalated)
}

func TestExecute_PlanGoalRunsReviewChain(t *testing.T) {
	fx := newExecFixture(t)
	fx.backend.fn = func(_ int, task provider.Task) (*provider.Result, error) {
		switch task.Kind {
		case "chat":
			return &provider.Result{Output: json.RawMessage(`{"response":"draft plan"}`), Model: "m1"}, nil
		default:
			return &provider.Result{Output: verdict(true)}, nil
		}
	}
	runs := &fakeRunStore{}
	fx.executor.cfg.PlanReviewer = NewPlanReviewer(fx.executor.providers, runs, 2)

	job := chatJob("j-plan-exec")
	var payload models.ChatResponsePayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	payload.GoalType = "plan"
	job.Payload = mustJSON(payload)

	result, err := fx.executor.Execute(context.Background(), job)
	require.NoError(t, err)

	var out chatResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "draft plan", out.Response)
	assert.False(t, out.PlanEscalated)
	require.Len(t, runs.runs, 1)
}
