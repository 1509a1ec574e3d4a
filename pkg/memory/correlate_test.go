package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Payment-Gateway TIMEOUT hit db pool, timeout again!")
	assert.Contains(t, tokens, "payment")
	assert.Contains(t, tokens, "gateway")
	assert.Contains(t, tokens, "timeout")
	assert.Contains(t, tokens, "pool")
	assert.Contains(t, tokens, "hit") // 3 chars, not a stopword
	assert.NotContains(t, tokens, "the")
	assert.NotContains(t, tokens, "db")
	// Duplicates collapse.
	assert.Len(t, tokens, 6)
}

func TestCorrelate_EmitsAboveMinOverlap(t *testing.T) {
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout", Summary: "checkout requests stall"},
		{ID: "s2", Source: "github", Title: "gateway timeout during checkout", Summary: "payment stuck"},
	}
	cross := Correlate(signals, 3)
	require.Len(t, cross, 1)
	assert.ElementsMatch(t, []string{"s1", "s2"}, cross[0].SignalIDs[:])
	assert.GreaterOrEqual(t, len(cross[0].SharedTokens), 3)
}

func TestCorrelate_BelowMinOverlapIgnored(t *testing.T) {
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout", Summary: ""},
		{ID: "s2", Source: "github", Title: "payment retry backlog", Summary: ""},
	}
	assert.Empty(t, Correlate(signals, 3))
}

func TestCorrelate_SameSourceIgnored(t *testing.T) {
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout checkout", Summary: ""},
		{ID: "s2", Source: "sentry", Title: "payment gateway timeout checkout", Summary: ""},
	}
	assert.Empty(t, Correlate(signals, 3))
}

func TestCorrelate_ConfidenceCapAndSeverity(t *testing.T) {
	// Identical token sets: overlap coefficient is 1.0, capped to 0.93
	// and classified high.
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout checkout", Summary: ""},
		{ID: "s2", Source: "github", Title: "payment gateway timeout checkout", Summary: ""},
	}
	cross := Correlate(signals, 3)
	require.Len(t, cross, 1)
	assert.Equal(t, correlationConfidenceCap, cross[0].Confidence)
	assert.Equal(t, "high", cross[0].Severity)
}

func TestCorrelate_MediumSeverity(t *testing.T) {
	// 3 of 6 tokens shared on the smaller set: confidence 0.5.
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout retry backlog queue", Summary: ""},
		{ID: "s2", Source: "github", Title: "payment gateway timeout widget render crash", Summary: ""},
	}
	cross := Correlate(signals, 3)
	require.Len(t, cross, 1)
	assert.InDelta(t, 0.5, cross[0].Confidence, 1e-9)
	assert.Equal(t, "medium", cross[0].Severity)
}

func TestCorrelate_FingerprintDeterministic(t *testing.T) {
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout checkout", Summary: ""},
		{ID: "s2", Source: "github", Title: "checkout payment timeout gateway", Summary: ""},
	}
	a := Correlate(signals, 3)
	// Reversed input order produces the same fingerprint.
	b := Correlate([]Signal{signals[1], signals[0]}, 3)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Fingerprint, b[0].Fingerprint)
	assert.Contains(t, a[0].Fingerprint, "github+sentry:")
}

func TestCorrelate_SortedByConfidence(t *testing.T) {
	signals := []Signal{
		{ID: "s1", Source: "sentry", Title: "payment gateway timeout checkout", Summary: ""},
		{ID: "s2", Source: "github", Title: "payment gateway timeout checkout", Summary: ""},
		{ID: "s3", Source: "inbox", Title: "payment gateway timeout widget render crash", Summary: ""},
	}
	cross := Correlate(signals, 3)
	require.GreaterOrEqual(t, len(cross), 2)
	for i := 1; i < len(cross); i++ {
		assert.GreaterOrEqual(t, cross[i-1].Confidence, cross[i].Confidence)
	}
}
