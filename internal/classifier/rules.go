package classifier

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

const rulesThreshold = 0.3

type rulePattern struct {
	category string
	weight   float64
	re       *regexp.Regexp
}

var rulePatterns = []rulePattern{
	{"urgency", 0.2, regexp.MustCompile(`(?i)\b(urgent|immediately|within \d+ hours?|expires?|hurry|asap)\b`)},
	{"urgency", 0.2, regexp.MustCompile(`(?i)\b(last chance|final warning|act now|don't delay|limited time)\b`)},
	{"threat", 0.25, regexp.MustCompile(`(?i)\b(blocked|suspended|deactivated|terminated|frozen|restricted)\b`)},
	{"threat", 0.25, regexp.MustCompile(`(?i)\b(legal action|police|arrest|court|lawsuit|penalty)\b`)},
	{"threat", 0.25, regexp.MustCompile(`(?i)\bunauthori[sz]ed (access|transaction|activity)\b`)},
	{"info_request", 0.35, regexp.MustCompile(`(?i)\b(share|send|provide|confirm|verify|update|enter)\s+(your\s+)?(otp|pin|password|cvv|upi|bank|account|card)\b`)},
	{"info_request", 0.35, regexp.MustCompile(`(?i)\b(upi\s*(id|pin)|card\s*number|cvv|atm\s*pin)\b`)},
	{"info_request", 0.35, regexp.MustCompile(`(?i)\b(click\s*(here|link|below)|visit\s*link|open\s*link)\b`)},
	{"info_request", 0.35, regexp.MustCompile(`(?i)\b(kyc|aadhaar|aadhar|pan card|verify\s*identity)\b`)},
	{"financial", 0.1, regexp.MustCompile(`(?i)\b(transfer|payment|transaction|rupees?|inr)\b`)},
	{"financial", 0.1, regexp.MustCompile(`(?i)\b(refund|cashback|reward|prize|lottery)\b`)},
	{"impersonation", 0.15, regexp.MustCompile(`(?i)\b(sbi|hdfc|icici|axis bank|rbi|reserve bank|income tax)\b`)},
	{"impersonation", 0.15, regexp.MustCompile(`(?i)\b(customer (care|support|service)|help\s*desk|support team)\b`)},
}

var scamPhrases = []string{
	"dear customer",
	"your account",
	"click here",
	"verify now",
	"complete your kyc",
	"you have won",
	"claim your",
	"redeem now",
}

// Rules scores a transcript with weighted heuristics and extracts indicators
// from the scammer's turns.
type Rules struct{}

// NewRules creates the heuristic classifier.
func NewRules() *Rules {
	return &Rules{}
}

// Name implements Classifier.
func (r *Rules) Name() string { return "rules" }

// Analyze implements Classifier.
func (r *Rules) Analyze(ctx context.Context, transcript []domain.Turn) (domain.ClassifierOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClassifierOutput{}, err
	}
	text := domain.InboundText(transcript)
	lower := strings.ToLower(text)

	scores := make(map[string]float64)
	for _, p := range rulePatterns {
		if p.re.MatchString(lower) {
			scores[p.category] += p.weight
		}
	}

	phrases := 0
	for _, phrase := range scamPhrases {
		if strings.Contains(lower, phrase) {
			phrases++
		}
	}
	if phrases > 0 {
		scores["scam_phrases"] = min(float64(phrases)*0.1, 0.3)
	}

	intel := extractIndicators(text)
	if !intel.Empty() {
		scores["suspicious_contact"] += 0.2
	}

	var total float64
	categories := make([]string, 0, len(scores))
	for c, s := range scores {
		total += s
		categories = append(categories, c)
	}
	slices.Sort(categories)
	confidence := min(total, 1.0)

	out := domain.ClassifierOutput{
		Source:       r.Name(),
		Detected:     confidence >= rulesThreshold,
		Confidence:   confidence,
		Intelligence: intel,
	}
	if out.Detected {
		out.Notes = fmt.Sprintf("matched %s", strings.Join(categories, ", "))
	}
	return out, nil
}
