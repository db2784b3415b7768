// Package engine orchestrates contact discovery and delivery tracking: it
// fans contacts out over a bounded worker pool, serializes pattern learning
// per domain, and drives the attempt lifecycle between runs.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailsleuth/mailsleuth/pkg/cascade"
	"github.com/mailsleuth/mailsleuth/pkg/config"
	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

// Contact is one person to find an address for.
type Contact struct {
	Name    string
	Role    string
	Company string
	Domain  string // empty when only the company name is known
}

// Key identifies the contact within a run.
func (c Contact) Key() string {
	return strings.ToLower(c.Name) + "|" + strings.ToLower(c.Role) + "|" + strings.ToLower(c.Domain)
}

// ResultStatus is the per-contact outcome of a discovery run.
type ResultStatus string

const (
	// StatusResolved means the cascade produced a qualifying candidate and
	// an attempt was queued.
	StatusResolved ResultStatus = "resolved"
	// StatusLowConfidence means the cascade exhausted without qualifying;
	// a best-effort candidate is surfaced for manual review and the domain
	// enters cooldown.
	StatusLowConfidence ResultStatus = "low_confidence"
	// StatusCooldown means the domain was skipped inside a cooldown window
	// with zero network calls.
	StatusCooldown ResultStatus = "cooldown"
	// StatusNoDomain means no mail-capable domain could be found for the
	// company.
	StatusNoDomain ResultStatus = "no_domain"
	// StatusExists means an attempt for this contact already exists in the
	// run.
	StatusExists ResultStatus = "exists"
	// StatusError means discovery failed.
	StatusError ResultStatus = "error"
)

// Result is the outcome of discovering one contact.
type Result struct {
	Contact    Contact
	Domain     string
	Status     ResultStatus
	Candidate  string
	Template   string
	Confidence float64
	Attempt    *stores.Attempt
	Err        error
}

// Engine wires the stores, resolver, cascade, and tracker together.
type Engine struct {
	store    stores.Store
	resolver *resolver.Resolver
	cascade  *cascade.Controller
	tracker  *tracker.Tracker
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	domainLocks keyedMutex
}

// New creates an engine.
func New(store stores.Store, res *resolver.Resolver, casc *cascade.Controller,
	track *tracker.Tracker, cfg *config.Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:    store,
		resolver: res,
		cascade:  casc,
		tracker:  track,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("engine"),
		metrics:  metrics,
	}
}

// DiscoverAll runs discovery for a batch of contacts over a bounded worker
// pool. Contacts at the same company serialize on a per-domain lock so their
// learn-and-record sections cannot interleave. ctx cancellation aborts
// between contacts; finished results are kept.
func (e *Engine) DiscoverAll(ctx context.Context, runID string, contacts []Contact) ([]*Result, error) {
	results := make([]*Result, len(contacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i, contact := range contacts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := e.Discover(gctx, runID, contact)
			results[i] = res
			if res.Err != nil && IsPermanent(res.Err) {
				// Permanent failures are per-contact, not per-run.
				e.logger.WithContact(contact.Name).WithError(res.Err).Warn("discovery failed permanently")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return compact(results), err
	}
	return compact(results), nil
}

func compact(results []*Result) []*Result {
	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Discover finds an address for one contact and queues an attempt when the
// cascade qualifies. Seeded or previously-learned domains complete with no
// network traffic at all.
func (e *Engine) Discover(ctx context.Context, runID string, contact Contact) *Result {
	start := time.Now()
	e.metrics.RecordDiscoveryStarted()

	res := e.discover(ctx, runID, contact)

	e.metrics.RecordDiscoveryCompleted(string(res.Status), time.Since(start))
	return res
}

func (e *Engine) discover(ctx context.Context, runID string, contact Contact) *Result {
	log := e.logger.WithContact(contact.Name)
	res := &Result{Contact: contact, Domain: contact.Domain}

	name, err := namekit.ParseName(contact.Name)
	if err != nil {
		res.Status = StatusError
		res.Err = NewPermanentError("unusable contact name", err)
		return res
	}

	domain, cooldownKey, err := e.resolveDomain(ctx, &contact)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		return res
	}
	if domain == "" {
		res.Status = StatusNoDomain
		if err := e.store.RecordCooldown(ctx, cooldownKey, "no_valid_domain",
			time.Now().UTC().Add(e.cfg.Ledger.CooldownTTL.Std())); err != nil {
			res.Err = NewTransientError("failed to record cooldown", err)
		}
		return res
	}
	res.Domain = domain
	contact.Domain = domain
	log = log.WithDomain(domain)

	// Idempotent per (contact, run).
	existing, err := e.store.FindAttempt(ctx, runID, contact.Key())
	if err != nil {
		res.Status = StatusError
		res.Err = NewTransientError("failed to check existing attempt", err)
		return res
	}
	if existing != nil {
		res.Status = StatusExists
		res.Attempt = existing
		res.Candidate = existing.Candidate
		res.Confidence = existing.Confidence
		return res
	}

	cd, err := e.store.InCooldown(ctx, domain, time.Now().UTC())
	if err != nil {
		res.Status = StatusError
		res.Err = NewTransientError("failed to check cooldown", err)
		return res
	}
	if cd != nil {
		e.metrics.RecordCooldownShortCircuit()
		log.Debugf("in cooldown until %s (%s)", cd.Until.Format(time.RFC3339), cd.Reason)
		res.Status = StatusCooldown
		return res
	}

	// Two contacts at one company must not interleave their learn-and-
	// record sections.
	unlock := e.domainLocks.Lock(domain)
	defer unlock()

	excluded, err := e.failedTemplates(ctx, domain)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		return res
	}

	// Seeded and previously-learned domains answer from the store alone;
	// provider classification (a DNS lookup) only happens when the cascade
	// will actually need the probes.
	provider := resolver.ProviderUnknown
	pattern, err := e.store.LookupPattern(ctx, domain)
	if err != nil {
		res.Status = StatusError
		res.Err = NewTransientError("failed to lookup pattern", err).WithDomain(domain)
		return res
	}
	if pattern == nil || excluded[pattern.Template] {
		provider, err = e.resolver.Classify(ctx, domain)
		if err != nil {
			res.Status = StatusError
			res.Err = NewTransientError("failed to classify provider", err).WithDomain(domain)
			return res
		}
	}

	outcome, err := e.cascade.Run(ctx, &cascade.Request{
		Name:     name,
		Company:  contact.Company,
		Domain:   domain,
		Provider: provider,
		Excluded: excluded,
	})
	if err != nil {
		res.Status = StatusError
		res.Err = NewTransientError("cascade failed", err).WithDomain(domain)
		return res
	}

	res.Candidate = outcome.Candidate
	res.Template = outcome.Template
	res.Confidence = outcome.Confidence

	if outcome.Exists != cascade.ExistsYes && outcome.Confidence < e.cfg.Discovery.AcceptThreshold {
		// Cascade exhausted. Memoize so the next run skips the network.
		res.Status = StatusLowConfidence
		if err := e.store.RecordCooldown(ctx, domain, "cascade_exhausted",
			time.Now().UTC().Add(e.cfg.Ledger.CooldownTTL.Std())); err != nil {
			res.Err = NewTransientError("failed to record cooldown", err)
		}
		return res
	}

	now := time.Now().UTC()
	attempt := &stores.Attempt{
		ID:          uuid.New().String(),
		RunID:       runID,
		ContactKey:  contact.Key(),
		ContactName: contact.Name,
		ContactRole: contact.Role,
		Company:     contact.Company,
		Domain:      domain,
		Candidate:   outcome.Candidate,
		Template:    outcome.Template,
		Confidence:  outcome.Confidence,
		State:       stores.StateDiscovered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateAttempt(ctx, attempt); err != nil {
		res.Status = StatusError
		res.Err = NewTransientError("failed to create attempt", err).WithDomain(domain)
		return res
	}

	log.Infof("resolved %s (%.2f)", outcome.Candidate, outcome.Confidence)
	res.Status = StatusResolved
	res.Attempt = attempt
	return res
}

// resolveDomain returns the contact's domain, guessing one from the company
// name when none was supplied. The second return is the cooldown key to use
// when no domain can be found.
func (e *Engine) resolveDomain(ctx context.Context, contact *Contact) (string, string, error) {
	if contact.Domain != "" {
		return strings.ToLower(strings.TrimSpace(contact.Domain)), "", nil
	}
	if contact.Company == "" {
		return "", "", NewPermanentError("contact has neither domain nor company", nil)
	}

	cooldownKey := "company:" + resolver.CleanCompanyName(contact.Company)
	cd, err := e.store.InCooldown(ctx, cooldownKey, time.Now().UTC())
	if err != nil {
		return "", "", NewTransientError("failed to check company cooldown", err)
	}
	if cd != nil {
		e.metrics.RecordCooldownShortCircuit()
		return "", cooldownKey, nil
	}

	guesses := e.resolver.GuessDomains(ctx, contact.Company, e.cfg.Discovery.GuessTLDs)
	if len(guesses) == 0 {
		return "", cooldownKey, nil
	}
	return guesses[0], cooldownKey, nil
}

func (e *Engine) failedTemplates(ctx context.Context, domain string) (map[string]bool, error) {
	failed, err := e.store.FailedPatterns(ctx, domain)
	if err != nil {
		return nil, NewTransientError("failed to load failed patterns", err).WithDomain(domain)
	}
	excluded := make(map[string]bool, len(failed))
	for _, tmpl := range failed {
		excluded[tmpl] = true
	}
	return excluded, nil
}

// TrackStats summarizes one tracking pass.
type TrackStats struct {
	Reconciled int
	Delivered  int
	Bounced    int
	Retried    int
	GivenUp    int
}

// Track runs one delivery-tracking pass: applies bounce signals, reconciles
// pending confirmations against now, and drives retries for bounced
// attempts. now is injected so replays and tests are deterministic.
func (e *Engine) Track(ctx context.Context, now time.Time, signals []*tracker.BounceSignal) (*TrackStats, error) {
	stats := &TrackStats{}

	for _, signal := range signals {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		applied, err := e.applySignal(ctx, signal)
		if err != nil {
			return stats, err
		}
		if applied {
			stats.Bounced++
		}
	}

	for _, state := range []stores.AttemptState{stores.StateSent, stores.StatePendingConf} {
		attempts, err := e.store.ListAttemptsByState(ctx, state)
		if err != nil {
			return stats, NewTransientError("failed to list attempts", err)
		}
		for _, attempt := range attempts {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			before := attempt.State
			if err := e.tracker.Reconcile(ctx, attempt, now); err != nil {
				return stats, fmt.Errorf("failed to reconcile attempt %s: %w", attempt.ID, err)
			}
			if attempt.State != before {
				stats.Reconciled++
			}
			if attempt.State == stores.StateDelivered {
				stats.Delivered++
			}
		}
	}

	bounced, err := e.store.ListAttemptsByState(ctx, stores.StateBounced)
	if err != nil {
		return stats, NewTransientError("failed to list bounced attempts", err)
	}
	for _, attempt := range bounced {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.tracker.NextRetry(ctx, attempt); err != nil {
			return stats, fmt.Errorf("failed to retry attempt %s: %w", attempt.ID, err)
		}
		switch attempt.State {
		case stores.StateRetryDrafted:
			stats.Retried++
		case stores.StateGivenUp:
			stats.GivenUp++
		}
	}

	return stats, nil
}

// applySignal routes one bounce signal to the attempt that sent to the
// address. Signals for unknown addresses are counted and dropped.
func (e *Engine) applySignal(ctx context.Context, signal *tracker.BounceSignal) (bool, error) {
	attempt, err := e.store.FindAttemptByCandidate(ctx, signal.Recipient)
	if err != nil {
		return false, NewTransientError("failed to match bounce signal", err)
	}
	if attempt == nil {
		e.metrics.RecordBounceSignal("unmatched")
		e.logger.Debugf("bounce signal for unknown address %s", signal.Recipient)
		return false, nil
	}

	applied, err := e.tracker.ApplyBounce(ctx, attempt, signal)
	if err != nil {
		return false, err
	}
	if applied {
		e.metrics.RecordBounceSignal("applied")
	} else {
		e.metrics.RecordBounceSignal("stale")
	}
	return applied, nil
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
