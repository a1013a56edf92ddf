// Package domain contains core domain types for the honeypot engine.
package domain

import (
	"slices"
	"strings"
	"time"
)

// Turn is a single message in a conversation transcript.
type Turn struct {
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Detection is the tri-state scam decision for a session.
type Detection int

const (
	// DetectionUnknown means no verdict with quorum has been committed yet.
	DetectionUnknown Detection = iota
	// DetectionScam means the last committed verdict voted scam.
	DetectionScam
	// DetectionNotScam means the last committed verdict voted not scam.
	DetectionNotScam
)

// String returns the wire name of the detection state.
func (d Detection) String() string {
	switch d {
	case DetectionScam:
		return "scam"
	case DetectionNotScam:
		return "not_scam"
	default:
		return "unknown"
	}
}

// IsScam reports whether the decision is a confirmed scam.
func (d Detection) IsScam() bool {
	return d == DetectionScam
}

// DeadlineReason names which timer bounds a session's deadline.
type DeadlineReason string

const (
	// DeadlineInactivity means the inactivity timeout expires first.
	DeadlineInactivity DeadlineReason = "inactivity"
	// DeadlineHard means the absolute session budget expires first.
	DeadlineHard DeadlineReason = "hard_deadline"
)

// Session holds the engagement state for one scam conversation.
type Session struct {
	ID             string
	History        []Turn
	CreatedAt      time.Time
	LastMessageAt  time.Time
	TotalMessages  int
	Detection      Detection
	Confidence     float64
	Intelligence   Intelligence
	Notes          []string
	Generation     uint64
	Reported       bool
	Deadline       time.Time
	DeadlineReason DeadlineReason
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() Session {
	c := *s
	c.History = slices.Clone(s.History)
	c.Notes = slices.Clone(s.Notes)
	c.Intelligence = s.Intelligence.Clone()
	return c
}

// IsAgentSender reports whether sender labels a turn written by the honeypot
// side of the conversation rather than the counterpart.
func IsAgentSender(sender string) bool {
	switch strings.ToLower(strings.TrimSpace(sender)) {
	case "user", "agent", "honeypot":
		return true
	default:
		return false
	}
}

// InboundText joins the text of every counterpart turn with newlines.
func InboundText(history []Turn) string {
	var b strings.Builder
	for _, t := range history {
		if IsAgentSender(t.Sender) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
