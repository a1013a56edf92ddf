package classifier

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// suspiciousKeywords groups trigger words by the pressure tactic they signal.
var suspiciousKeywords = map[string][]string{
	"urgency":   {"urgent", "immediately", "asap", "hurry", "deadline", "expires"},
	"threat":    {"blocked", "suspended", "frozen", "terminated", "deactivated", "legal", "police", "arrest"},
	"action":    {"verify", "update", "confirm", "click", "share", "submit"},
	"financial": {"otp", "pin", "password", "cvv", "upi", "bank account", "kyc", "aadhaar"},
	"reward":    {"won", "prize", "lottery", "cashback", "reward", "refund", "bonus"},
	"authority": {"sbi", "rbi", "hdfc", "icici", "government", "official", "ministry"},
}

var keywordPatterns = compileKeywords(suspiciousKeywords)

func compileKeywords(groups map[string][]string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(groups))
	for group, words := range groups {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		out[group] = regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
	}
	return out
}

// Keywords flags transcripts that combine several pressure tactics and
// reports the trigger words it found.
type Keywords struct {
	// MinGroups is the number of distinct tactic groups needed to vote scam.
	MinGroups int
}

// NewKeywords creates the keyword classifier.
func NewKeywords() *Keywords {
	return &Keywords{MinGroups: 2}
}

// Name implements Classifier.
func (k *Keywords) Name() string { return "keywords" }

// Analyze implements Classifier.
func (k *Keywords) Analyze(ctx context.Context, transcript []domain.Turn) (domain.ClassifierOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClassifierOutput{}, err
	}
	lower := strings.ToLower(domain.InboundText(transcript))

	intel := domain.Intelligence{}
	var groups []string
	for group, re := range keywordPatterns {
		matches := re.FindAllString(lower, -1)
		if len(matches) == 0 {
			continue
		}
		groups = append(groups, group)
		for _, m := range matches {
			intel.Add(domain.CategoryKeywords, m)
		}
	}
	slices.Sort(groups)

	out := domain.ClassifierOutput{
		Source:       k.Name(),
		Detected:     len(groups) >= k.MinGroups,
		Confidence:   min(0.25*float64(len(groups)), 1.0),
		Intelligence: intel,
	}
	if len(groups) > 0 {
		out.Notes = fmt.Sprintf("tactics: %s", strings.Join(groups, ", "))
	}
	return out, nil
}
