package reply

import (
	"context"
	"regexp"

	"github.com/ashureev/scam-honeypot/internal/domain"
)

type topic struct {
	match   *regexp.Regexp
	replies []string
}

// topics are checked in order; the first match picks the reply pool.
var topics = []topic{
	{
		match: regexp.MustCompile(`(?i)\b(otp|pin|cvv|password)\b`),
		replies: []string{
			"OTP? wait it hasn't come yet... which number you sent it to?",
			"my son told me never share PIN... but you are from bank na? what is your name sir?",
			"this 6 digit number? let me read... hold on, phone is slow",
		},
	},
	{
		match: regexp.MustCompile(`(?i)(https?://|\blink\b|\bclick\b)`),
		replies: []string{
			"link is not opening on my phone. can you send it again on whatsapp?",
			"which website this is? send full link again plz, I will ask Vikrant to open",
		},
	},
	{
		match: regexp.MustCompile(`(?i)\b(pay|payment|transfer|send money|fee|upi|rs\.?|rupees?)\b`),
		replies: []string{
			"ok where I should send money? give UPI id",
			"accha ok... which account I should transfer to? give account number and IFSC",
			"Google Pay is there. what is the number I should pay to?",
		},
	},
	{
		match: regexp.MustCompile(`(?i)\b(won|prize|lottery|lucky draw|cashback|reward)\b`),
		replies: []string{
			"kya sach mein? how I won? I never entered anything",
			"thank god! what I need to do to claim? tell me step by step",
		},
	},
	{
		match: regexp.MustCompile(`(?i)\b(block(ed)?|suspend(ed)?|frozen|freeze|police|arrest|legal)\b`),
		replies: []string{
			"oh no... kya hua? sab theek hai na? my pension comes in that account only",
			"sir plz don't freeze account, what I need to do?",
		},
	},
	{
		match: regexp.MustCompile(`(?i)\b(bank|account|kyc|sbi|hdfc|icici|rbi)\b`),
		replies: []string{
			"which bank you are calling from? which branch?",
			"I have SBI account in Gomti Nagar branch. what happened to it?",
		},
	},
}

var confused = []string{
	"I am not understanding properly. can you explain again?",
	"wait, what should I do exactly?",
	"ok ji, please tell me step by step",
	"I need a minute, please hold",
	"who is this? can you give your number, I will call back",
}

// Persona answers as a confused, cooperative account holder who keeps
// asking for the counterpart's payment details, links and numbers. Replies
// are deterministic for a given history length.
type Persona struct{}

// NewPersona creates the canned persona generator.
func NewPersona() *Persona {
	return &Persona{}
}

// Generate implements Generator. It never fails.
func (p *Persona) Generate(_ context.Context, history []domain.Turn, msg domain.Turn) (string, error) {
	turn := len(history)
	for _, t := range topics {
		if t.match.MatchString(msg.Text) {
			return t.replies[turn%len(t.replies)], nil
		}
	}
	return confused[turn%len(confused)], nil
}
