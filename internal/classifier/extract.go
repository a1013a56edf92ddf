package classifier

import (
	"regexp"
	"strings"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

var (
	paymentHandleRE = regexp.MustCompile(`(?i)\b[a-z0-9][a-z0-9._-]+@[a-z][a-z0-9]{1,63}\b`)
	emailTailRE     = regexp.MustCompile(`^\.[a-z]{2,}`)
	phoneRE         = regexp.MustCompile(`(?:\+91[\s-]?|\b0?)[6-9]\d{4}[\s-]?\d{5}\b`)
	urlRE           = regexp.MustCompile(`(?i)https?://[^\s<>"{}|\\^\x60\[\]]+`)
	accountRE       = regexp.MustCompile(`\b\d{9,18}\b`)
)

// extractIndicators pulls raw candidate indicators from text. Candidates are
// not validated here.
func extractIndicators(text string) domain.Intelligence {
	in := domain.Intelligence{}

	for _, loc := range paymentHandleRE.FindAllStringIndex(text, -1) {
		// user@gmail.com is an email address, not a payment handle.
		if emailTailRE.MatchString(strings.ToLower(text[loc[1]:])) {
			continue
		}
		in.Add(domain.CategoryPaymentHandles, text[loc[0]:loc[1]])
	}

	phones := phoneRE.FindAllString(text, -1)
	for _, p := range phones {
		in.Add(domain.CategoryPhoneNumbers, p)
	}

	for _, u := range urlRE.FindAllString(text, -1) {
		in.Add(domain.CategoryLinks, u)
	}

	for _, acct := range accountRE.FindAllString(text, -1) {
		if isPhoneDigits(acct, phones) {
			continue
		}
		in.Add(domain.CategoryBankAccounts, acct)
	}
	return in
}

func isPhoneDigits(digits string, phones []string) bool {
	for _, p := range phones {
		if strings.Contains(onlyDigits(p), digits) {
			return true
		}
	}
	return false
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
