// Package tracker drives the delivery lifecycle of outreach attempts: the
// state machine from discovery through send confirmation, bounce handling,
// and pattern-aware retries.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// Composer drafts the outgoing message for an attempt. Message rendering and
// transmission live outside this module; the tracker only needs to know a
// draft exists before it schedules a retry.
type Composer interface {
	Draft(ctx context.Context, attempt *stores.Attempt) error
}

// Config holds tracker timing and retry bounds.
type Config struct {
	// ConfirmationWindow is how long after sending a bounce may still be
	// expected. With no bounce inside the window the send is considered
	// delivered.
	ConfirmationWindow time.Duration

	// MaxRetries bounds how many replacement candidates a bounced attempt
	// may try before giving up.
	MaxRetries int
}

// Tracker applies lifecycle transitions to attempts.
type Tracker struct {
	store     stores.Store
	generator *namekit.Generator
	composer  Composer
	cfg       Config
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// New creates a tracker.
func New(store stores.Store, generator *namekit.Generator, composer Composer,
	cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Tracker {
	return &Tracker{
		store:     store,
		generator: generator,
		composer:  composer,
		cfg:       cfg,
		logger:    logger.NewComponentLogger("tracker"),
		metrics:   metrics,
	}
}

// legalTransitions lists the permitted state edges. Bounce edges are handled
// separately in ApplyBounce because a bounce may arrive from several states.
var legalTransitions = map[stores.AttemptState][]stores.AttemptState{
	stores.StateDiscovered:   {stores.StateDrafted},
	stores.StateDrafted:      {stores.StateScheduled},
	stores.StateScheduled:    {stores.StateSent},
	stores.StateSent:         {stores.StatePendingConf},
	stores.StatePendingConf:  {stores.StateDelivered},
	stores.StateBounced:      {stores.StateRetryDrafted, stores.StateGivenUp},
	stores.StateRetryDrafted: {stores.StateScheduled},
}

func transitionAllowed(from, to stores.AttemptState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves an attempt to a new state, persists it, and appends the
// event record in one logical step.
func (t *Tracker) transition(ctx context.Context, attempt *stores.Attempt, to stores.AttemptState, detail string) error {
	from := attempt.State
	if !transitionAllowed(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for attempt %s", from, to, attempt.ID)
	}

	attempt.State = to
	if err := t.store.UpdateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to persist transition: %w", err)
	}

	event := &stores.AttemptEvent{
		AttemptID: attempt.ID,
		FromState: from,
		ToState:   to,
		Candidate: attempt.Candidate,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := t.store.AppendAttemptEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append transition event: %w", err)
	}

	t.metrics.RecordTransition(string(from), string(to))
	t.logger.WithAttemptID(attempt.ID).WithContact(attempt.Candidate).
		Debugf("%s -> %s", from, to)
	return nil
}

// MarkDrafted records that a message draft exists for the attempt.
func (t *Tracker) MarkDrafted(ctx context.Context, attempt *stores.Attempt) error {
	return t.transition(ctx, attempt, stores.StateDrafted, "")
}

// MarkScheduled records that the draft has been queued for sending.
func (t *Tracker) MarkScheduled(ctx context.Context, attempt *stores.Attempt) error {
	return t.transition(ctx, attempt, stores.StateScheduled, "")
}

// MarkSent records the send time reported by the delivery collaborator.
// The stored timestamp, not the wall clock at call time, anchors the
// confirmation window so restarts do not stretch it.
func (t *Tracker) MarkSent(ctx context.Context, attempt *stores.Attempt, at time.Time) error {
	at = at.UTC()
	attempt.SentAt = &at
	return t.transition(ctx, attempt, stores.StateSent, "")
}

// Reconcile advances time-driven transitions. Sent attempts move to pending
// confirmation; pending attempts whose window has elapsed with no bounce are
// considered delivered. now is passed in so callers replaying history get
// the same answers as a live process.
func (t *Tracker) Reconcile(ctx context.Context, attempt *stores.Attempt, now time.Time) error {
	switch attempt.State {
	case stores.StateSent:
		return t.transition(ctx, attempt, stores.StatePendingConf, "")
	case stores.StatePendingConf:
		if attempt.SentAt == nil {
			return fmt.Errorf("attempt %s pending confirmation with no send time", attempt.ID)
		}
		if now.Sub(*attempt.SentAt) >= t.cfg.ConfirmationWindow {
			return t.transition(ctx, attempt, stores.StateDelivered,
				fmt.Sprintf("no bounce within %s", t.cfg.ConfirmationWindow))
		}
	}
	return nil
}

// ApplyBounce records a bounce signal against an attempt. Bounce evidence is
// authoritative: it overrides a delivered verdict. Signals for a candidate
// the attempt has already moved past, and repeats of an applied bounce, are
// ignored. Returns whether the signal changed anything.
func (t *Tracker) ApplyBounce(ctx context.Context, attempt *stores.Attempt, signal *BounceSignal) (bool, error) {
	if signal == nil || signal.Recipient == "" {
		return false, nil
	}
	recipient := strings.ToLower(signal.Recipient)

	if !strings.EqualFold(attempt.Candidate, recipient) {
		// Stale signal for a previous candidate; the retry already
		// superseded it.
		t.logger.WithAttemptID(attempt.ID).
			Debugf("ignoring bounce for superseded candidate %s", recipient)
		return false, nil
	}

	switch attempt.State {
	case stores.StateBounced, stores.StateRetryDrafted, stores.StateGivenUp:
		// Already accounted for.
		return false, nil
	case stores.StateSent, stores.StatePendingConf, stores.StateDelivered:
		from := attempt.State
		attempt.State = stores.StateBounced
		if err := t.store.UpdateAttempt(ctx, attempt); err != nil {
			return false, fmt.Errorf("failed to persist bounce: %w", err)
		}
		event := &stores.AttemptEvent{
			AttemptID: attempt.ID,
			FromState: from,
			ToState:   stores.StateBounced,
			Candidate: attempt.Candidate,
			Detail:    "bounce via " + signal.Method,
			Timestamp: time.Now().UTC(),
		}
		if err := t.store.AppendAttemptEvent(ctx, event); err != nil {
			return false, fmt.Errorf("failed to append bounce event: %w", err)
		}
		t.metrics.RecordTransition(string(from), string(stores.StateBounced))
		t.logger.WithAttemptID(attempt.ID).WithContact(recipient).
			Infof("bounced (was %s)", from)
		return true, nil
	default:
		// A bounce for a candidate that was never sent is an anomalous
		// signal, not a state to honor. Dropping it keeps one bad message
		// from aborting the rest of the tracking pass.
		t.logger.WithAttemptID(attempt.ID).
			Warnf("ignoring bounce for %s in state %s", recipient, attempt.State)
		return false, nil
	}
}

// NextRetry drafts the next candidate for a bounced attempt. The bounced
// template is permanently failed for the domain first, so no later contact
// at the company repeats it. When the retry budget or the candidate list is
// exhausted the attempt is given up.
func (t *Tracker) NextRetry(ctx context.Context, attempt *stores.Attempt) error {
	if attempt.State != stores.StateBounced {
		return fmt.Errorf("attempt %s is %s, not bounced", attempt.ID, attempt.State)
	}

	if attempt.Template != "" {
		if err := t.store.MarkPatternFailed(ctx, attempt.Domain, attempt.Template); err != nil {
			return fmt.Errorf("failed to mark pattern failed: %w", err)
		}
	}

	if attempt.Retries >= t.cfg.MaxRetries {
		return t.transition(ctx, attempt, stores.StateGivenUp,
			fmt.Sprintf("retry budget exhausted after %d attempts", attempt.Retries))
	}

	next, err := t.nextCandidate(ctx, attempt)
	if err != nil {
		return err
	}
	if next == nil {
		return t.transition(ctx, attempt, stores.StateGivenUp, "no candidates left")
	}

	attempt.Candidate = next.Address
	attempt.Template = next.Template
	attempt.Retries++
	attempt.SentAt = nil

	if t.composer != nil {
		if err := t.composer.Draft(ctx, attempt); err != nil {
			return fmt.Errorf("failed to draft retry: %w", err)
		}
	}
	return t.transition(ctx, attempt, stores.StateRetryDrafted, "retry with "+next.Address)
}

// nextCandidate picks the first generated candidate the attempt has not
// already used, skipping permanently-failed templates.
func (t *Tracker) nextCandidate(ctx context.Context, attempt *stores.Attempt) (*namekit.Candidate, error) {
	name, err := namekit.ParseName(attempt.ContactName)
	if err != nil {
		return nil, fmt.Errorf("failed to parse contact name: %w", err)
	}

	failed, err := t.store.FailedPatterns(ctx, attempt.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load failed patterns: %w", err)
	}
	excluded := make(map[string]bool, len(failed))
	for _, tmpl := range failed {
		excluded[tmpl] = true
	}

	used := map[string]bool{strings.ToLower(attempt.Candidate): true}
	events, err := t.store.ListAttemptEvents(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt history: %w", err)
	}
	for _, e := range events {
		if e.Candidate != "" {
			used[strings.ToLower(e.Candidate)] = true
		}
	}

	for _, c := range t.generator.Candidates(attempt.Domain, name, excluded) {
		if !used[strings.ToLower(c.Address)] {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

// StatusText renders the human-readable status for the tracking surface.
func StatusText(attempt *stores.Attempt) string {
	switch attempt.State {
	case stores.StateDelivered:
		return "delivered"
	case stores.StateBounced:
		return fmt.Sprintf("bounced on %s", attempt.UpdatedAt.Format("Jan 02, 2006"))
	case stores.StateRetryDrafted:
		return fmt.Sprintf("retried: %s", attempt.Candidate)
	case stores.StateGivenUp:
		return fmt.Sprintf("given up after %d retries", attempt.Retries)
	case stores.StatePendingConf:
		return "awaiting confirmation"
	case stores.StateSent:
		return "sent"
	case stores.StateScheduled:
		return "scheduled"
	case stores.StateDrafted:
		return "drafted"
	default:
		return string(attempt.State)
	}
}
