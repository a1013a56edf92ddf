// Package verdict merges independent classifier outputs into one decision.
package verdict

import (
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// MinQuorum is the number of outputs required before a verdict is trusted.
const MinQuorum = 2

// Verdict is the aggregated decision for one analysis generation.
type Verdict struct {
	// Decided is false when fewer than MinQuorum outputs were available.
	Decided      bool
	ScamDetected bool
	Confidence   float64
	Received     int
	ScamVotes    int
	Intelligence domain.Intelligence
	Notes        []string
}

// Aggregate merges outputs. The scam decision needs a quorum and a strict
// majority; ties resolve to false. Confidence is the mean over scam votes
// only. Indicators that fail their category's format rule are dropped.
func Aggregate(outputs []domain.ClassifierOutput) Verdict {
	v := Verdict{
		Received:     len(outputs),
		Intelligence: domain.Intelligence{},
	}

	var sum float64
	for _, out := range outputs {
		if out.Detected {
			v.ScamVotes++
			sum += clamp(out.Confidence)
		}
		for c, values := range out.Intelligence {
			for raw := range values {
				if norm, ok := Normalize(c, raw); ok {
					v.Intelligence.Add(c, norm)
				}
			}
		}
		if note := strings.TrimSpace(out.Notes); note != "" {
			if out.Source != "" {
				note = out.Source + ": " + note
			}
			v.Notes = append(v.Notes, note)
		}
	}

	if v.ScamVotes > 0 {
		v.Confidence = sum / float64(v.ScamVotes)
	}
	if v.Received >= MinQuorum {
		v.Decided = true
		v.ScamDetected = v.ScamVotes*2 > v.Received
	}
	return v
}

// HasEvidence reports whether any high-value category holds an indicator.
func HasEvidence(in domain.Intelligence) bool {
	for _, c := range domain.Categories {
		if c.HighValue() && in.Len(c) > 0 {
			return true
		}
	}
	return false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
