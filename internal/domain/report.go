package domain

// ClassifierOutput is the result of one classifier over one transcript.
type ClassifierOutput struct {
	Source       string
	Detected     bool
	Confidence   float64
	Intelligence Intelligence
	Notes        string
}

// ReportIntelligence is the wire form of extracted indicators.
type ReportIntelligence struct {
	BankAccounts   []string `json:"bankAccounts"`
	PaymentHandles []string `json:"paymentHandles"`
	Links          []string `json:"links"`
	PhoneNumbers   []string `json:"phoneNumbers"`
	Keywords       []string `json:"keywords"`
}

// Report is the one-time payload delivered to the collector for a session.
type Report struct {
	SessionID              string             `json:"sessionId"`
	ScamDetected           bool               `json:"scamDetected"`
	TotalMessagesExchanged int                `json:"totalMessagesExchanged"`
	ExtractedIntelligence  ReportIntelligence `json:"extractedIntelligence"`
	Notes                  string             `json:"notes"`
}

// CompletionReason names what ended a session.
type CompletionReason string

const (
	// ReasonEvidence means a committed verdict carried high-value intelligence.
	ReasonEvidence CompletionReason = "evidence"
	// ReasonTimeout means the session's deadline passed.
	ReasonTimeout CompletionReason = "timeout"
)
