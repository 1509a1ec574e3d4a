package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/breaker"
	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
	"github.com/wheelhouse-io/wheelhouse/pkg/provider"
)

type staticBackend struct{ id string }

func (b *staticBackend) ID() string                    { return b.id }
func (b *staticBackend) Healthy(context.Context) error { return nil }
func (b *staticBackend) Execute(context.Context, provider.Task) (*provider.Result, error) {
	return &provider.Result{Output: json.RawMessage(`{}`)}, nil
}

func TestWatchBreakerTracksState(t *testing.T) {
	m := New()
	defer m.Stop()

	b := breaker.New("p1", breaker.Config{FailureThreshold: 1, OpenDuration: time.Minute})
	m.WatchBreaker(b)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.breakerState.WithLabelValues("p1")))

	b.RecordOutcome(false, errkind.Transient)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.breakerState.WithLabelValues("p1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.breakerTrips.WithLabelValues("p1", string(breaker.StateOpen))))
}

func TestWatchRoutingCountsEvents(t *testing.T) {
	m := New()
	defer m.Stop()

	reg := provider.NewRegistry()
	reg.Register(&staticBackend{id: "p1"}, provider.EntryConfig{Priority: 1})
	m.WatchRouting(reg)

	lease, err := reg.Route(context.Background(), provider.Task{JobID: "j1"})
	require.NoError(t, err)
	lease.Finish(true, "")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.routeEvents.WithLabelValues(provider.RouteSelected, "p1")) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestObserveJob(t *testing.T) {
	m := New()
	defer m.Stop()

	m.ObserveJob("agent_execute", "completed", 0.25)
	m.ObserveJob("agent_execute", "completed", 1.5)
	m.ObserveJob("agent_execute", "failed", 0.1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.jobsHandled.WithLabelValues("agent_execute", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobsHandled.WithLabelValues("agent_execute", "failed")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	defer m.Stop()
	assert.NotNil(t, m.Handler())
}
