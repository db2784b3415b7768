package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

var (
	tierA = []string{"{first}.{last}", "{f}{last}", "{first}{last}"}
	tierB = []string{
		"{first}_{last}", "{first}", "{f}.{last}", "{first}{l}", "{last}.{first}",
		"{last}{f}", "{first}.{l}", "{last}.{f}", "{first}-{last}", "{last}",
	}
	tierC = []string{"{last}_{first}", "{last}-{first}", "{last}{first}", "{f}_{last}", "{f}-{last}"}
)

type fakeComposer struct {
	drafts []string
	fail   error
}

func (f *fakeComposer) Draft(_ context.Context, attempt *stores.Attempt) error {
	if f.fail != nil {
		return f.fail
	}
	f.drafts = append(f.drafts, attempt.Candidate)
	return nil
}

func testStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTracker(t *testing.T, store stores.Store, composer Composer) *Tracker {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	gen := namekit.NewGenerator(tierA, tierB, tierC)
	return New(store, gen, composer, Config{
		ConfirmationWindow: 12 * time.Hour,
		MaxRetries:         3,
	}, logger, metrics)
}

func newAttempt(t *testing.T, store stores.Store) *stores.Attempt {
	t.Helper()
	now := time.Now().UTC()
	a := &stores.Attempt{
		ID:          uuid.New().String(),
		RunID:       "run-1",
		ContactKey:  "jane smith|hiring_manager|beta.io",
		ContactName: "Jane Smith",
		ContactRole: "hiring_manager",
		Company:     "Beta",
		Domain:      "beta.io",
		Candidate:   "jane.smith@beta.io",
		Template:    "{first}.{last}",
		Confidence:  0.9,
		State:       stores.StateDiscovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateAttempt(context.Background(), a); err != nil {
		t.Fatalf("failed to create attempt: %v", err)
	}
	return a
}

// sendAttempt walks an attempt to the sent state.
func sendAttempt(t *testing.T, tr *Tracker, a *stores.Attempt, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := tr.MarkDrafted(ctx, a); err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if err := tr.MarkScheduled(ctx, a); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	if err := tr.MarkSent(ctx, a, at); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func TestHappyPathToDelivered(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sendAttempt(t, tr, a, sentAt)

	if err := tr.Reconcile(ctx, a, sentAt.Add(time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if a.State != stores.StatePendingConf {
		t.Fatalf("state = %s, want pending_confirmation", a.State)
	}

	// Inside the window nothing happens.
	if err := tr.Reconcile(ctx, a, sentAt.Add(11*time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if a.State != stores.StatePendingConf {
		t.Fatalf("state advanced early: %s", a.State)
	}

	// Past the window with no bounce: delivered.
	if err := tr.Reconcile(ctx, a, sentAt.Add(12*time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if a.State != stores.StateDelivered {
		t.Fatalf("state = %s, want delivered", a.State)
	}

	events, err := store.ListAttemptEvents(ctx, a.ID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("expected 5 transition events, got %d", len(events))
	}
}

// The confirmation window is measured against the stored send time, so a
// process that restarts and reconciles later still lands on the same answer.
func TestReconcileUsesStoredSendTime(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sendAttempt(t, tr, a, sentAt)

	// Reload from storage as a restarted process would.
	reloaded, err := store.GetAttempt(ctx, a.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := tr.Reconcile(ctx, reloaded, sentAt.Add(13*time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if err := tr.Reconcile(ctx, reloaded, sentAt.Add(13*time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if reloaded.State != stores.StateDelivered {
		t.Fatalf("state = %s, want delivered", reloaded.State)
	}
}

// A bounce at T+14h overrides the delivered verdict reached at T+12h.
func TestLateBounceOverridesDelivered(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	sentAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sendAttempt(t, tr, a, sentAt)
	if err := tr.Reconcile(ctx, a, sentAt.Add(time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if err := tr.Reconcile(ctx, a, sentAt.Add(12*time.Hour)); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if a.State != stores.StateDelivered {
		t.Fatalf("precondition: state = %s, want delivered", a.State)
	}

	signal := &BounceSignal{Recipient: "jane.smith@beta.io", Method: "rfc3464"}
	applied, err := tr.ApplyBounce(ctx, a, signal)
	if err != nil {
		t.Fatalf("apply bounce failed: %v", err)
	}
	if !applied {
		t.Fatal("expected bounce to apply")
	}
	if a.State != stores.StateBounced {
		t.Fatalf("state = %s, want bounced", a.State)
	}

	// Same signal again is a no-op.
	applied, err = tr.ApplyBounce(ctx, a, signal)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if applied {
		t.Error("duplicate bounce should not apply")
	}
	if a.State != stores.StateBounced {
		t.Errorf("state changed on duplicate: %s", a.State)
	}
}

func TestBounceForSupersededCandidateIgnored(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	sendAttempt(t, tr, a, time.Now().UTC())

	applied, err := tr.ApplyBounce(ctx, a, &BounceSignal{Recipient: "old.address@beta.io", Method: "rfc3464"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if applied {
		t.Error("bounce for a different candidate should not apply")
	}
	if a.State != stores.StateSent {
		t.Errorf("state = %s, want sent", a.State)
	}
}

// A bounce for an attempt that was never sent is dropped, not an error;
// one anomalous message must not abort a tracking pass.
func TestBounceBeforeSendIgnored(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	applied, err := tr.ApplyBounce(ctx, a, &BounceSignal{Recipient: a.Candidate, Method: "rfc3464"})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if applied {
		t.Error("bounce should not apply before the message was sent")
	}
	if a.State != stores.StateDiscovered {
		t.Errorf("state = %s, want discovered", a.State)
	}
}

func TestNextRetryDraftsNewCandidate(t *testing.T) {
	store := testStore(t)
	composer := &fakeComposer{}
	tr := testTracker(t, store, composer)
	a := newAttempt(t, store)
	ctx := context.Background()

	sendAttempt(t, tr, a, time.Now().UTC())
	if _, err := tr.ApplyBounce(ctx, a, &BounceSignal{Recipient: "jane.smith@beta.io", Method: "rfc3464"}); err != nil {
		t.Fatalf("bounce failed: %v", err)
	}

	if err := tr.NextRetry(ctx, a); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if a.State != stores.StateRetryDrafted {
		t.Fatalf("state = %s, want retry_drafted", a.State)
	}
	if a.Candidate == "jane.smith@beta.io" {
		t.Error("retry reused the bounced candidate")
	}
	if a.Candidate != "jsmith@beta.io" {
		t.Errorf("candidate = %s, want jsmith@beta.io (next template)", a.Candidate)
	}
	if a.Retries != 1 {
		t.Errorf("retries = %d, want 1", a.Retries)
	}
	if len(composer.drafts) != 1 || composer.drafts[0] != "jsmith@beta.io" {
		t.Errorf("composer drafts = %v", composer.drafts)
	}

	// The bounced template is now permanently failed.
	failed, err := store.IsPatternFailed(ctx, "beta.io", "{first}.{last}")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !failed {
		t.Error("bounced template should be permanently failed")
	}
}

func TestRetryBudgetExhaustionGivesUp(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	bounceAndRetry := func() {
		sentAt := time.Now().UTC()
		if err := tr.MarkScheduled(ctx, a); err != nil {
			t.Fatalf("schedule failed: %v", err)
		}
		if err := tr.MarkSent(ctx, a, sentAt); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if _, err := tr.ApplyBounce(ctx, a, &BounceSignal{Recipient: a.Candidate, Method: "rfc3464"}); err != nil {
			t.Fatalf("bounce failed: %v", err)
		}
		if err := tr.NextRetry(ctx, a); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
	}

	if err := tr.MarkDrafted(ctx, a); err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		bounceAndRetry()
		if a.State != stores.StateRetryDrafted {
			t.Fatalf("round %d: state = %s, want retry_drafted", i, a.State)
		}
	}

	// Fourth bounce exceeds MaxRetries=3.
	bounceAndRetry()
	if a.State != stores.StateGivenUp {
		t.Fatalf("state = %s, want given_up", a.State)
	}
	if !a.State.IsTerminal() {
		t.Error("given_up must be terminal")
	}

	// Every retry used a distinct candidate.
	events, err := store.ListAttemptEvents(ctx, a.ID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	seen := map[string]int{}
	for _, e := range events {
		if e.ToState == stores.StateRetryDrafted {
			seen[e.Candidate]++
		}
	}
	for candidate, n := range seen {
		if n > 1 {
			t.Errorf("candidate %s drafted %d times", candidate, n)
		}
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	store := testStore(t)
	tr := testTracker(t, store, &fakeComposer{})
	a := newAttempt(t, store)
	ctx := context.Background()

	// Cannot send before drafting and scheduling.
	if err := tr.MarkSent(ctx, a, time.Now().UTC()); err == nil {
		t.Fatal("expected illegal transition error")
	}
	if a.State != stores.StateDiscovered {
		t.Errorf("state = %s, want discovered untouched", a.State)
	}
}

func TestStatusText(t *testing.T) {
	updated := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		state stores.AttemptState
		want  string
	}{
		{stores.StateDelivered, "delivered"},
		{stores.StateBounced, "bounced on Mar 15, 2026"},
		{stores.StateRetryDrafted, "retried: jane.smith@beta.io"},
		{stores.StateGivenUp, "given up after 3 retries"},
		{stores.StatePendingConf, "awaiting confirmation"},
		{stores.StateSent, "sent"},
	}

	for _, tt := range tests {
		a := &stores.Attempt{
			State:     tt.state,
			Candidate: "jane.smith@beta.io",
			Retries:   3,
			UpdatedAt: updated,
		}
		if got := StatusText(a); got != tt.want {
			t.Errorf("StatusText(%s) = %q, want %q", tt.state, got, tt.want)
		}
	}
}
