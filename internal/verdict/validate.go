package verdict

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

const maxKeywordLen = 64

var (
	paymentHandlePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,255}@[a-z][a-z0-9]{1,63}$`)
	whitespace           = regexp.MustCompile(`\s+`)
)

// Normalize validates raw against the format rule of category c and returns
// its canonical form. Values that do not look like real indicators of the
// category are rejected.
func Normalize(c domain.Category, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	switch c {
	case domain.CategoryPaymentHandles:
		return normalizePaymentHandle(raw)
	case domain.CategoryLinks:
		return normalizeLink(raw)
	case domain.CategoryPhoneNumbers:
		return normalizePhone(raw)
	case domain.CategoryBankAccounts:
		return normalizeBankAccount(raw)
	case domain.CategoryKeywords:
		return normalizeKeyword(raw)
	default:
		return "", false
	}
}

// Valid reports whether raw passes the format rule of category c.
func Valid(c domain.Category, raw string) bool {
	_, ok := Normalize(c, raw)
	return ok
}

// Sanitize returns a copy of in holding only valid, normalized indicators.
func Sanitize(in domain.Intelligence) domain.Intelligence {
	out := domain.Intelligence{}
	for c, values := range in {
		for raw := range values {
			if norm, ok := Normalize(c, raw); ok {
				out.Add(c, norm)
			}
		}
	}
	return out
}

func normalizePaymentHandle(raw string) (string, bool) {
	h := strings.ToLower(raw)
	if !paymentHandlePattern.MatchString(h) {
		return "", false
	}
	return h, true
}

func normalizeLink(raw string) (string, bool) {
	link := strings.TrimRight(raw, ".,;:!?)]}'\"")
	if strings.ContainsFunc(link, unicode.IsSpace) {
		return "", false
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := u.Hostname()
	if host == "" || !strings.Contains(host, ".") || strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return "", false
	}
	return link, true
}

// normalizePhone accepts digits with common separators only. Ten digits, or
// eleven with a trunk 0, or twelve with the 91 country code are accepted and
// canonicalized to +91 followed by the subscriber number.
func normalizePhone(raw string) (string, bool) {
	var digits strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}

	d := digits.String()
	switch {
	case len(d) == 10:
	case len(d) == 11 && d[0] == '0':
		d = d[1:]
	case len(d) == 12 && strings.HasPrefix(d, "91"):
		d = d[2:]
	default:
		return "", false
	}
	return "+91" + d, true
}

func normalizeBankAccount(raw string) (string, bool) {
	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", false
		}
	}
	d := digits.String()
	if len(d) < 9 || len(d) > 18 {
		return "", false
	}
	return d, true
}

func normalizeKeyword(raw string) (string, bool) {
	kw := whitespace.ReplaceAllString(strings.ToLower(raw), " ")
	if utf8.RuneCountInString(kw) > maxKeywordLen || !strings.ContainsFunc(kw, unicode.IsLetter) {
		return "", false
	}
	return kw, true
}
