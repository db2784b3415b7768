package tracker

import (
	"testing"
)

func TestParseBounceRFC3464(t *testing.T) {
	raw := []byte(`Reporting-MTA: dns; mail.example.org
Final-Recipient: rfc822; jane.smith@beta.io
Action: failed
Status: 5.1.1`)

	signal, ok := ParseBounce(raw)
	if !ok {
		t.Fatal("expected a bounce")
	}
	if signal.Recipient != "jane.smith@beta.io" {
		t.Errorf("recipient = %s", signal.Recipient)
	}
	if signal.Method != "rfc3464" {
		t.Errorf("method = %s, want rfc3464", signal.Method)
	}
}

func TestParseBounceNaturalLanguage(t *testing.T) {
	raw := []byte(`Delivery has failed to these recipients or groups:
Your message to <jsmith@beta.io> couldn't be delivered.`)

	signal, ok := ParseBounce(raw)
	if !ok {
		t.Fatal("expected a bounce")
	}
	if signal.Recipient != "jsmith@beta.io" {
		t.Errorf("recipient = %s", signal.Recipient)
	}
	if signal.Method != "natural_language" {
		t.Errorf("method = %s, want natural_language", signal.Method)
	}
}

func TestParseBounceErrorContext(t *testing.T) {
	raw := []byte(`The following address failed:

jane.smith@gamma.com

550 5.1.1 No such user here`)

	signal, ok := ParseBounce(raw)
	if !ok {
		t.Fatal("expected a bounce")
	}
	if signal.Recipient != "jane.smith@gamma.com" {
		t.Errorf("recipient = %s", signal.Recipient)
	}
	if signal.Method != "error_context" {
		t.Errorf("method = %s, want error_context", signal.Method)
	}
}

func TestParseBounceKeywordWindow(t *testing.T) {
	raw := []byte(`We're writing to let you know that the message addressed
to recipient jane.smith@delta.example was undeliverable. The response from
the remote server was unavailable. Contact mailer-daemon@googlemail.com
for more information.`)

	signal, ok := ParseBounce(raw)
	if !ok {
		t.Fatal("expected a bounce")
	}
	if signal.Recipient != "jane.smith@delta.example" {
		t.Errorf("recipient = %s", signal.Recipient)
	}
	if signal.Method != "keyword_window" {
		t.Errorf("method = %s, want keyword_window", signal.Method)
	}
}

func TestParseBounceSkipsInfrastructureAddresses(t *testing.T) {
	raw := []byte(`Message could not be delivered. Contact postmaster@corp.example
or mailer-daemon@corp.example with questions.`)

	// Every address in the window is infrastructure; no recipient found.
	if signal, ok := ParseBounce(raw); ok {
		t.Errorf("expected no bounce, got %+v", signal)
	}
}

func TestParseBounceMatcherPriority(t *testing.T) {
	// DSN field and natural language both present; DSN wins.
	raw := []byte(`Your message to wrong.pick@beta.io couldn't be delivered.
Final-Recipient: rfc822; right.pick@beta.io`)

	signal, ok := ParseBounce(raw)
	if !ok {
		t.Fatal("expected a bounce")
	}
	if signal.Recipient != "right.pick@beta.io" {
		t.Errorf("recipient = %s, want the DSN field to win", signal.Recipient)
	}
}

func TestParseBounceNotABounce(t *testing.T) {
	for _, raw := range []string{
		"Thanks for reaching out! Let's schedule a call next week.",
		"",
		"Out of office until Monday. I will reply to your note then.",
	} {
		if signal, ok := ParseBounce([]byte(raw)); ok {
			t.Errorf("ParseBounce(%q) = %+v, want not-a-bounce", raw, signal)
		}
	}
}
