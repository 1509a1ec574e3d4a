package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Correlation defaults.
const (
	DefaultMinOverlap        = 3
	correlationConfidenceCap = 0.93
	highSeverityThreshold    = 0.8
)

// Signal is one unit of proactive detection from an external source
// (issue tracker, error monitor, inbox).
type Signal struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// CrossSignal is a correlation between two signals from distinct
// sources.
type CrossSignal struct {
	SignalIDs    [2]string `json:"signalIds"`
	Sources      [2]string `json:"sources"`
	SharedTokens []string  `json:"sharedTokens"`
	Confidence   float64   `json:"confidence"`
	Severity     string    `json:"severity"` // "high" or "medium"
	Fingerprint  string    `json:"fingerprint"`
}

// stopwords are excluded from token overlap. Kept small and fixed so
// fingerprints stay stable across releases.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "have": {}, "has": {}, "was": {}, "are": {}, "not": {},
	"but": {}, "when": {}, "into": {}, "over": {}, "after": {}, "before": {},
	"error": {}, "issue": {}, "failed": {}, "failure": {}, "new": {},
}

// Correlate pairs signals from distinct sources whose title+summary
// token sets share at least minOverlap tokens. Results are ordered by
// confidence descending.
func Correlate(signals []Signal, minOverlap int) []CrossSignal {
	if minOverlap < 1 {
		minOverlap = DefaultMinOverlap
	}

	tokens := make([]map[string]struct{}, len(signals))
	for i, sig := range signals {
		tokens[i] = Tokenize(sig.Title + " " + sig.Summary)
	}

	var out []CrossSignal
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			if signals[i].Source == signals[j].Source {
				continue
			}
			shared := intersect(tokens[i], tokens[j])
			if len(shared) < minOverlap {
				continue
			}
			out = append(out, buildCrossSignal(signals[i], signals[j], shared, tokens[i], tokens[j]))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Confidence > out[b].Confidence })
	return out
}

func buildCrossSignal(a, b Signal, shared []string, ta, tb map[string]struct{}) CrossSignal {
	// Overlap coefficient: shared tokens over the smaller token set.
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	confidence := correlationConfidenceCap
	if smaller > 0 {
		confidence = float64(len(shared)) / float64(smaller)
		if confidence > correlationConfidenceCap {
			confidence = correlationConfidenceCap
		}
	}

	severity := "medium"
	if confidence >= highSeverityThreshold {
		severity = "high"
	}

	sort.Strings(shared)
	return CrossSignal{
		SignalIDs:    [2]string{a.ID, b.ID},
		Sources:      [2]string{a.Source, b.Source},
		SharedTokens: shared,
		Confidence:   confidence,
		Severity:     severity,
		Fingerprint:  pairTag(a.Source, b.Source) + ":" + tokensHash(shared),
	}
}

// pairTag names the source pair order-independently.
func pairTag(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "+" + b
}

func tokensHash(sorted []string) string {
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// Tokenize lowercases, strips punctuation, drops short tokens and
// stopwords, and deduplicates.
func Tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, ok := stopwords[f]; ok {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

func intersect(a, b map[string]struct{}) []string {
	if len(b) < len(a) {
		a, b = b, a
	}
	var out []string
	for tok := range a {
		if _, ok := b[tok]; ok {
			out = append(out, tok)
		}
	}
	return out
}
