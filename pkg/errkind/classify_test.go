package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline exceeded", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("calling provider: %w", context.DeadlineExceeded), Timeout},
		{"connection refused", errors.New("dial tcp 127.0.0.1:443: connection refused"), Transient},
		{"connection reset", errors.New("read: connection reset by peer"), Transient},
		{"rate limit", errors.New("429: rate limit exceeded, retry after 30s"), Resource},
		{"disk full", errors.New("write /var/buffer: no space left on device"), Resource},
		{"semaphore", errors.New("semaphore acquire timed out"), Resource},
		{"unauthorized", errors.New("401 unauthorized"), Permanent},
		{"schema validation", errors.New("schema validation failed: importance out of range"), Permanent},
		{"unknown payload", errors.New("unknown payload type \"mystery\""), Permanent},
		{"timeout in message", errors.New("upstream request timed out"), Timeout},
		{"mystery", errors.New("something odd happened"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyExplicitKindWins(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(Permanent, errors.New("connection reset")))
	assert.Equal(t, Permanent, Classify(err))
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{400, Permanent}, {401, Permanent}, {403, Permanent}, {404, Permanent},
		{405, Permanent}, {409, Permanent}, {422, Permanent},
		{408, Timeout}, {504, Timeout},
		{429, Resource},
		{500, Transient}, {502, Transient}, {503, Transient}, {529, Transient},
		{200, Unknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromHTTPStatus(tt.status), "status %d", tt.status)
	}
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, Transient.Retriable())
	assert.True(t, Timeout.Retriable())
	assert.True(t, Resource.Retriable())
	assert.True(t, Unknown.Retriable())
	assert.False(t, Permanent.Retriable())

	assert.True(t, Transient.CountsAsBreakerFailure())
	assert.False(t, Permanent.CountsAsBreakerFailure())
}
