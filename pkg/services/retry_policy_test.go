package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayDoubling(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0.2}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for attempt, want := range expected {
		d := p.Delay(attempt + 1)
		low := time.Duration(float64(want) * 0.8)
		high := time.Duration(float64(want) * 1.2)
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt+1)
		assert.LessOrEqual(t, d, high, "attempt %d", attempt+1)
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFraction: 0.2}

	for attempt := 5; attempt <= 30; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(10*time.Second)*1.2))
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	d := p.Delay(0)
	assert.Greater(t, d, time.Duration(0))

	def := DefaultRetryPolicy()
	assert.Equal(t, 2*time.Second, def.BaseDelay)
	assert.Equal(t, 5*time.Minute, def.MaxDelay)
}
