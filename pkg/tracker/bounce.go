package tracker

import (
	"regexp"
	"strings"
)

// BounceSignal identifies a failed recipient extracted from a bounce
// notification.
type BounceSignal struct {
	Recipient string
	Method    string // which matcher extracted the address
}

const emailPattern = `[\w.+%-]+@[\w.-]+\.\w+`

var (
	finalRecipientRe = regexp.MustCompile(`(?i)Final-Recipient\s*:\s*rfc822\s*;\s*(` + emailPattern + `)`)
	naturalRe        = regexp.MustCompile(`(?i)(?:your message to|message to)\s+<?(` + emailPattern + `)>?`)
	bareAddressRe    = regexp.MustCompile(`^` + emailPattern + `$`)
	anyAddressRe     = regexp.MustCompile(emailPattern)
)

// SMTP failure phrases that mark the context around a bare address as a
// delivery error.
var errorContextMarkers = []string{
	"550", "5.1", "not exist", "no such user", "unknown user",
	"invalid", "rejected", "failed", "does not exist", "address not found",
}

// Phrases that identify a message as a bounce notification at all.
var bounceKeywords = []string{
	"couldn't be delivered", "could not be delivered", "delivery failed",
	"delivery failure", "not delivered", "undeliverable", "no such user",
	"user unknown", "address not found", "does not exist",
}

// Bounce infrastructure addresses that must never be mistaken for the
// failed recipient.
var infrastructureMarkers = []string{
	"mailer-daemon", "postmaster", "noreply", "no-reply",
	"googlemail.com", "google.com", "microsoft.com", "amazonses.com",
	"bounce", "donotreply",
}

// bounceMatcher extracts the failed recipient from notification text, or "".
type bounceMatcher struct {
	name    string
	extract func(text string) string
}

// Matchers in order of reliability. The list is the extension point: new
// provider formats get a new entry, the state machine never changes.
var bounceMatchers = []bounceMatcher{
	{name: "rfc3464", extract: matchFinalRecipient},
	{name: "natural_language", extract: matchNaturalLanguage},
	{name: "error_context", extract: matchErrorContext},
	{name: "keyword_window", extract: matchKeywordWindow},
}

// ParseBounce extracts the failed recipient from a raw bounce notification.
// The first matcher that finds an address wins. Text with no match is not a
// bounce.
func ParseBounce(raw []byte) (*BounceSignal, bool) {
	text := string(raw)
	for _, m := range bounceMatchers {
		if addr := m.extract(text); addr != "" {
			return &BounceSignal{
				Recipient: strings.ToLower(addr),
				Method:    m.name,
			}, true
		}
	}
	return nil, false
}

// matchFinalRecipient reads the RFC 3464 DSN field, the most reliable form.
func matchFinalRecipient(text string) string {
	if m := finalRecipientRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// matchNaturalLanguage handles the human-readable bodies Outlook and Gmail
// generate ("Your message to jane@x.example couldn't be delivered").
func matchNaturalLanguage(text string) string {
	if m := naturalRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// matchErrorContext finds an address on its own line with SMTP failure
// wording within three lines either side.
func matchErrorContext(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if !bareAddressRe.MatchString(line) {
			continue
		}
		lo := i - 3
		if lo < 0 {
			lo = 0
		}
		hi := i + 3
		if hi > len(lines) {
			hi = len(lines)
		}
		context := strings.ToLower(strings.Join(lines[lo:hi], " "))
		for _, marker := range errorContextMarkers {
			if strings.Contains(context, marker) {
				return line
			}
		}
	}
	return ""
}

// matchKeywordWindow scans a window around bounce phrasing for any address
// that is not bounce infrastructure. Least precise, tried last.
func matchKeywordWindow(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range bounceKeywords {
		idx := strings.Index(lower, kw)
		if idx < 0 {
			continue
		}
		lo := idx - 200
		if lo < 0 {
			lo = 0
		}
		hi := idx + 200
		if hi > len(text) {
			hi = len(text)
		}
		for _, addr := range anyAddressRe.FindAllString(text[lo:hi], -1) {
			if !isInfrastructureAddress(addr) {
				return addr
			}
		}
	}
	return ""
}

func isInfrastructureAddress(addr string) bool {
	lower := strings.ToLower(addr)
	for _, marker := range infrastructureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
