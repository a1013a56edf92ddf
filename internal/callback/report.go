package callback

import (
	"cmp"
	"slices"
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

// maxReportKeywords caps the keywords carried by a final report.
const maxReportKeywords = 7

// BuildReport renders the final report for a session snapshot. Keywords are
// only reported for sessions judged to be scams.
func BuildReport(s domain.Session) domain.Report {
	scam := s.Detection.IsScam()
	keywords := []string{}
	if scam {
		keywords = condenseKeywords(s.Intelligence.Values(domain.CategoryKeywords))
	}

	notes := strings.Join(s.Notes, " | ")
	if notes == "" {
		notes = "no classifier notes"
	}

	return domain.Report{
		SessionID:              s.ID,
		ScamDetected:           scam,
		TotalMessagesExchanged: s.TotalMessages,
		ExtractedIntelligence: domain.ReportIntelligence{
			BankAccounts:   s.Intelligence.Values(domain.CategoryBankAccounts),
			PaymentHandles: s.Intelligence.Values(domain.CategoryPaymentHandles),
			Links:          s.Intelligence.Values(domain.CategoryLinks),
			PhoneNumbers:   s.Intelligence.Values(domain.CategoryPhoneNumbers),
			Keywords:       keywords,
		},
		Notes: notes,
	}
}

// condenseKeywords keeps the shortest phrasing of overlapping keywords,
// shortest first, up to maxReportKeywords.
func condenseKeywords(keywords []string) []string {
	sorted := slices.Clone(keywords)
	slices.SortFunc(sorted, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(a), len(b)), strings.Compare(a, b))
	})

	kept := make([]string, 0, maxReportKeywords)
	for _, kw := range sorted {
		if len(kept) == maxReportKeywords {
			break
		}
		if slices.ContainsFunc(kept, func(k string) bool { return strings.Contains(kw, k) }) {
			continue
		}
		kept = append(kept, kw)
	}
	return kept
}
