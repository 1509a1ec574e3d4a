package agentexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/buffer"
	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/lifecycle"
	"github.com/wheelhouse-io/wheelhouse/pkg/masking"
	"github.com/wheelhouse-io/wheelhouse/pkg/models"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
	"github.com/wheelhouse-io/wheelhouse/pkg/stream"
)

type fakeBackend struct {
	id string

	mu     sync.Mutex
	calls  int
	inputs []promptInput
	fn     func(call int, task provider.Task) (*provider.Result, error)
}

func (b *fakeBackend) ID() string                    { return b.id }
func (b *fakeBackend) Healthy(context.Context) error { return nil }

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) input(i int) promptInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inputs[i]
}

func (b *fakeBackend) Execute(_ context.Context, task provider.Task) (*provider.Result, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	var in promptInput
	_ = json.Unmarshal(task.Input, &in)
	b.inputs = append(b.inputs, in)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(call, task)
	}
	return &provider.Result{Output: json.RawMessage(`{"response":"hello"}`), Model: "m1"}, nil
}

type fakeCheckpoints struct {
	mu    sync.Mutex
	saved map[string]models.Checkpoint
}

func (f *fakeCheckpoints) SaveCheckpoint(_ context.Context, jobID string, cp models.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]models.Checkpoint)
	}
	f.saved[jobID] = cp
	return nil
}

type fakeRelay struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeRelay) RelayResponse(_ context.Context, sessionID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, sessionID+"|"+response)
	return nil
}

type execFixture struct {
	executor *Executor
	backend  *fakeBackend
	agents   *lifecycle.Manager
	cps      *fakeCheckpoints
	relay    *fakeRelay
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	backend := &fakeBackend{id: "p1"}
	registry := provider.NewRegistry()
	registry.Register(backend, provider.EntryConfig{Priority: 1, MaxInFlight: 4})

	agents := lifecycle.NewManager()
	hub := stream.NewHub(16, time.Second)
	cps := &fakeCheckpoints{}
	relay := &fakeRelay{}

	exec := NewExecutor(registry, agents, hub, cps, nil, relay,
		Config{BufferDir: t.TempDir()})
	return &execFixture{executor: exec, backend: backend, agents: agents, cps: cps, relay: relay}
}

func chatJob(id string) *models.Job {
	sessionID := "s-" + id
	payload, _ := json.Marshal(models.ChatResponsePayload{
		Type:   models.PayloadChatResponse,
		Prompt: "what is the status?",
	})
	return &models.Job{
		ID:        id,
		AgentID:   "agent-1",
		SessionID: &sessionID,
		TaskName:  "agent_execute",
		Attempt:   1,
		Payload:   payload,
	}
}

func TestExecute_HappyPath(t *testing.T) {
	fx := newExecFixture(t)
	job := chatJob("j1")

	result, err := fx.executor.Execute(context.Background(), job)
	require.NoError(t, err)

	var out chatResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "hello", out.Response)
	assert.Equal(t, "m1", out.Model)
	assert.Equal(t, "p1", out.Provider)
	assert.Equal(t, 1, out.Rounds)

	// Agent is back to READY with no steering pending.
	assert.Equal(t, models.StateReady, fx.agents.State("agent-1"))

	// The checkpoint made it to the store with a matching CRC.
	cp, ok := fx.cps.saved["j1"]
	require.True(t, ok)
	assert.Equal(t, crcOf(cp.State), cp.CRC)

	// And to the buffer, where recovery can find it.
	rec, err := buffer.Recover(fx.executor.cfg.BufferDir, "j1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastCheckpoint)

	// The response was relayed to the session's channel.
	require.Len(t, fx.relay.delivered, 1)
	assert.Equal(t, "s-j1|hello", fx.relay.delivered[0])
}

func TestExecute_RejectsForeignPayload(t *testing.T) {
	fx := newExecFixture(t)
	payload, _ := json.Marshal(models.ApprovalExpirePayload{Type: models.PayloadApprovalExpire})
	job := &models.Job{ID: "j2", AgentID: "agent-1", Payload: payload}

	_, err := fx.executor.Execute(context.Background(), job)
	var kerr *errkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errkind.Permanent, kerr.Kind)
}

func TestExecute_ProviderErrorFeedsBreakerAndClassifies(t *testing.T) {
	fx := newExecFixture(t)
	fx.backend.fn = func(int, provider.Task) (*provider.Result, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := fx.executor.Execute(context.Background(), chatJob("j3"))
	var kerr *errkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errkind.Timeout, kerr.Kind)

	// The failed run still returns the agent to READY.
	assert.Equal(t, models.StateReady, fx.agents.State("agent-1"))
}

func TestExecute_SteeringTriggersReprompt(t *testing.T) {
	fx := newExecFixture(t)
	fx.backend.fn = func(call int, _ provider.Task) (*provider.Result, error) {
		if call == 1 {
			// Steering lands while the first provider call is in flight.
			_, err := fx.agents.Steer("agent-1", "change course", lifecycle.SteerHigh)
			if err != nil {
				return nil, fmt.Errorf("steer: %w", err)
			}
		}
		return &provider.Result{Output: json.RawMessage(`{"response":"done"}`)}, nil
	}

	result, err := fx.executor.Execute(context.Background(), chatJob("j4"))
	require.NoError(t, err)

	var out chatResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, 2, out.Rounds)
	require.Equal(t, 2, fx.backend.callCount())

	// The second prompt carries the steering text; the first does not.
	assert.Empty(t, fx.backend.input(0).Steering)
	assert.Equal(t, []string{"change course"}, fx.backend.input(1).Steering)
}

func TestExecute_RepromptsAreBounded(t *testing.T) {
	fx := newExecFixture(t)
	fx.backend.fn = func(int, provider.Task) (*provider.Result, error) {
		// Pathological steering on every call must not loop forever.
		_, _ = fx.agents.Steer("agent-1", "again", lifecycle.SteerHigh)
		return &provider.Result{Output: json.RawMessage(`{"response":"ok"}`)}, nil
	}

	result, err := fx.executor.Execute(context.Background(), chatJob("j5"))
	require.NoError(t, err)

	var out chatResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, maxSteeringRounds, out.Rounds)
}

func TestExecute_RetryResumesFromStoredCheckpoint(t *testing.T) {
	fx := newExecFixture(t)
	job := chatJob("j6")
	job.Attempt = 2
	state := json.RawMessage(`{"phase":"responded","partial":"draft"}`)
	job.Checkpoint = &models.Checkpoint{State: state, CRC: crcOf(state)}

	_, err := fx.executor.Execute(context.Background(), job)
	require.NoError(t, err)

	require.Equal(t, 1, fx.backend.callCount())
	assert.JSONEq(t, string(state), string(fx.backend.input(0).ResumeState))
}

func TestExecute_RetryPrefersBufferCheckpoint(t *testing.T) {
	fx := newExecFixture(t)

	// First attempt leaves a checkpoint in the buffer.
	_, err := fx.executor.Execute(context.Background(), chatJob("j7"))
	require.NoError(t, err)

	job := chatJob("j7")
	job.Attempt = 2
	stale := json.RawMessage(`{"phase":"stale"}`)
	job.Checkpoint = &models.Checkpoint{State: stale, CRC: crcOf(stale)}

	_, err = fx.executor.Execute(context.Background(), job)
	require.NoError(t, err)

	resumed := fx.backend.input(1).ResumeState
	require.NotNil(t, resumed)
	assert.NotEqual(t, string(stale), string(resumed), "buffer checkpoint outranks the store's")
	assert.Contains(t, string(resumed), "responded")
}

func TestExecute_RedactsResponse(t *testing.T) {
	fx := newExecFixture(t)
	fx.executor.cfg.Redactor = masking.NewRedactor(nil)
	fx.backend.fn = func(int, provider.Task) (*provider.Result, error) {
		return &provider.Result{
			Output: json.RawMessage(`{"response":"connect with postgres://app:s3cret@db:5432/x"}`),
		}, nil
	}

	result, err := fx.executor.Execute(context.Background(), chatJob("j-redact"))
	require.NoError(t, err)

	var out chatResult
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Contains(t, out.Response, "__REDACTED_CONNECTION_STRING__")
	assert.NotContains(t, out.Response, "s3cret")

	// The relayed copy is scrubbed too.
	require.Len(t, fx.relay.delivered, 1)
	assert.NotContains(t, fx.relay.delivered[0], "s3cret")
}

func TestExecute_BroadcastsOutput(t *testing.T) {
	fx := newExecFixture(t)

	sink := stream.NewChanSink(16)
	conn, err := fx.executor.hub.Connect(context.Background(), "agent-1", sink, "")
	require.NoError(t, err)
	defer conn.Close()

	_, err = fx.executor.Execute(context.Background(), chatJob("j8"))
	require.NoError(t, err)

	select {
	case ev := <-sink.Events():
		assert.Equal(t, stream.EventAgentOutput, ev.Type)
		assert.Contains(t, string(ev.Data), "hello")
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
	}
}

func TestExecute_OutputCarriesSteeringMarkers(t *testing.T) {
	fx := newExecFixture(t)
	fx.backend.fn = func(call int, _ provider.Task) (*provider.Result, error) {
		if call == 1 {
			if _, err := fx.agents.Steer("agent-1", "focus on X", lifecycle.SteerHigh); err != nil {
				return nil, fmt.Errorf("steer: %w", err)
			}
		}
		return &provider.Result{Output: json.RawMessage(`{"response":"done"}`)}, nil
	}

	_, err := fx.executor.Execute(context.Background(), chatJob("j11"))
	require.NoError(t, err)

	events := fx.executor.hub.BufferedEvents("agent-1")
	require.NotEmpty(t, events)
	var output string
	for _, ev := range events {
		if ev.Type == stream.EventAgentOutput {
			output = string(ev.Data)
		}
	}
	assert.Contains(t, output, "[STEER] focus on X")
}

func TestExecute_DrainingAgentIsTransient(t *testing.T) {
	fx := newExecFixture(t)
	fx.agents.Register("agent-1")
	require.NoError(t, fx.agents.Transition("agent-1", models.StateHydrating, "boot"))
	require.NoError(t, fx.agents.Transition("agent-1", models.StateReady, "boot"))
	require.NoError(t, fx.agents.Transition("agent-1", models.StateExecuting, "work"))
	require.NoError(t, fx.agents.Transition("agent-1", models.StateDraining, "shutdown"))

	_, err := fx.executor.Execute(context.Background(), chatJob("j9"))
	var kerr *errkind.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errkind.Transient, kerr.Kind)
	assert.Equal(t, 0, fx.backend.callCount())
}

func TestExtractResponse(t *testing.T) {
	assert.Equal(t, "a", extractResponse(&provider.Result{Output: json.RawMessage(`{"response":"a"}`)}))
	assert.Equal(t, "b", extractResponse(&provider.Result{Output: json.RawMessage(`{"text":"b"}`)}))
	assert.Equal(t, "raw words", extractResponse(&provider.Result{Output: json.RawMessage(`raw words`)}))
}

func TestExecute_CancelledContext(t *testing.T) {
	fx := newExecFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.executor.Execute(ctx, chatJob("j10"))
	assert.True(t, errors.Is(err, context.Canceled))
}
