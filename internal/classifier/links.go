package classifier

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

var (
	shortenerHosts = []string{"bit.ly", "tinyurl.com", "shorturl.at", "goo.gl", "t.co", "is.gd", "cutt.ly"}
	riskyTLDs      = []string{".xyz", ".click", ".link", ".online", ".site", ".top", ".info"}
	trustedSuffix  = []string{".gov.in", ".bank.in", ".npci.org.in"}

	paymentRequestRE = regexp.MustCompile(`(?i)\b(pay|send|transfer|deposit)\b.{0,40}\b(rs\.?|rupees?|inr|amount|fee|charges?|money)\b`)
)

// Links inspects URLs and payment requests. It votes scam on a suspicious
// link or on a payment request that names a destination.
type Links struct{}

// NewLinks creates the link classifier.
func NewLinks() *Links {
	return &Links{}
}

// Name implements Classifier.
func (l *Links) Name() string { return "links" }

// Analyze implements Classifier.
func (l *Links) Analyze(ctx context.Context, transcript []domain.Turn) (domain.ClassifierOutput, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClassifierOutput{}, err
	}
	text := domain.InboundText(transcript)
	found := extractIndicators(text)

	intel := domain.Intelligence{}
	var suspicious []string
	for _, link := range found.Values(domain.CategoryLinks) {
		intel.Add(domain.CategoryLinks, link)
		if reason := linkRisk(link); reason != "" {
			suspicious = append(suspicious, reason)
		}
	}
	for _, h := range found.Values(domain.CategoryPaymentHandles) {
		intel.Add(domain.CategoryPaymentHandles, h)
	}

	paymentRequest := paymentRequestRE.MatchString(text) &&
		(found.Len(domain.CategoryPaymentHandles) > 0 || found.Len(domain.CategoryBankAccounts) > 0)

	out := domain.ClassifierOutput{
		Source:       l.Name(),
		Intelligence: intel,
	}
	switch {
	case len(suspicious) > 0 && paymentRequest:
		out.Detected, out.Confidence = true, 0.95
	case len(suspicious) > 0:
		out.Detected, out.Confidence = true, 0.8
	case paymentRequest:
		out.Detected, out.Confidence = true, 0.75
	case intel.Len(domain.CategoryLinks) > 0:
		out.Confidence = 0.3
	}

	var notes []string
	if len(suspicious) > 0 {
		notes = append(notes, strings.Join(suspicious, "; "))
	}
	if paymentRequest {
		notes = append(notes, "payment requested to an explicit destination")
	}
	out.Notes = strings.Join(notes, "; ")
	return out, nil
}

// linkRisk returns why a link looks malicious, or "" if it does not.
func linkRisk(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range trustedSuffix {
		if strings.HasSuffix(host, suffix) {
			return ""
		}
	}
	for _, s := range shortenerHosts {
		if host == s || strings.HasSuffix(host, "."+s) {
			return fmt.Sprintf("link shortener %s", host)
		}
	}
	for _, tld := range riskyTLDs {
		if strings.HasSuffix(host, tld) {
			return fmt.Sprintf("suspicious domain %s", host)
		}
	}
	if strings.EqualFold(u.Scheme, "http") && strings.Contains(host, "-") {
		return fmt.Sprintf("insecure lookalike domain %s", host)
	}
	return ""
}
