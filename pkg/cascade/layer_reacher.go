package cascade

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// Reachability is a reachability service's verdict for one address.
type Reachability string

const (
	ReachSafe    Reachability = "safe"
	ReachRisky   Reachability = "risky"
	ReachInvalid Reachability = "invalid"
	ReachUnknown Reachability = "unknown"
)

// ReacherClient talks to an SMTP-level reachability checker.
type ReacherClient interface {
	CheckEmail(ctx context.Context, email string) (Reachability, error)
}

// ReacherLayer verifies candidates through a reachability service. Before
// trusting any positive answer, it probes a canary address that cannot
// exist: if the canary is deliverable the domain is catch-all and SMTP
// verification proves nothing there.
type ReacherLayer struct {
	client    ReacherClient
	generator *namekit.Generator
	store     stores.Store
	limiter   *rate.Limiter
	logger    *telemetry.Logger

	safeConfidence     float64
	catchAllConfidence float64
}

// NewReacherLayer creates the reachability layer.
func NewReacherLayer(client ReacherClient, generator *namekit.Generator, store stores.Store,
	limiter *rate.Limiter, safeConfidence, catchAllConfidence float64, logger *telemetry.Logger) *ReacherLayer {
	return &ReacherLayer{
		client:             client,
		generator:          generator,
		store:              store,
		limiter:            limiter,
		logger:             logger.NewComponentLogger("reacher"),
		safeConfidence:     safeConfidence,
		catchAllConfidence: catchAllConfidence,
	}
}

func (l *ReacherLayer) Name() string { return "reacher" }

// CanaryAddress derives a deterministic impossible address for a domain.
// The hash suffix keeps it stable across runs without colliding with any
// real mailbox.
func CanaryAddress(domain string) string {
	sum := md5.Sum([]byte(domain))
	return fmt.Sprintf("zxqtest%sfake@%s", hex.EncodeToString(sum[:])[:8], domain)
}

// Attempt runs the catch-all canary, then the candidate enumeration. The
// first safe candidate wins; on a catch-all domain every answer is capped at
// the catch-all confidence level.
func (l *ReacherLayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	if l.client == nil {
		return nil, nil
	}

	catchAll, err := l.isCatchAll(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	candidates := l.generator.Candidates(req.Domain, req.Name, req.Excluded)
	if len(candidates) == 0 {
		return nil, nil
	}

	if catchAll {
		// Everything "verifies" on a catch-all domain. Return the top
		// candidate at floor confidence and let a stronger layer decide.
		best := candidates[0]
		return &Outcome{
			Template:   best.Template,
			Candidate:  best.Address,
			Confidence: l.catchAllConfidence,
			Source:     stores.SourceReacher,
			CatchAll:   true,
		}, nil
	}

	var risky *namekit.Candidate
	for i := range candidates {
		c := candidates[i]
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		verdict, err := l.client.CheckEmail(ctx, c.Address)
		if err != nil {
			return nil, fmt.Errorf("reachability check failed for %s: %w", c.Address, err)
		}

		switch verdict {
		case ReachSafe:
			return &Outcome{
				Template:   c.Template,
				Candidate:  c.Address,
				Confidence: l.safeConfidence,
				Source:     stores.SourceReacher,
			}, nil
		case ReachRisky:
			if risky == nil {
				risky = &c
			}
		}
	}

	if risky != nil {
		l.logger.WithDomain(req.Domain).Debugf("only risky verdicts, best %s", risky.Address)
	}
	return nil, nil
}

// isCatchAll answers from the provider cache when the canary has already
// been probed, otherwise probes and records the result.
func (l *ReacherLayer) isCatchAll(ctx context.Context, domain string) (bool, error) {
	rec, err := l.store.LookupProvider(ctx, domain, 0)
	if err != nil {
		return false, fmt.Errorf("failed to lookup provider record: %w", err)
	}
	if rec != nil && rec.CatchAllChecked {
		return rec.CatchAll, nil
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return false, err
	}
	verdict, err := l.client.CheckEmail(ctx, CanaryAddress(domain))
	if err != nil {
		return false, fmt.Errorf("canary check failed: %w", err)
	}

	catchAll := verdict == ReachSafe
	if err := l.store.SetCatchAll(ctx, domain, catchAll); err != nil {
		return false, err
	}
	if catchAll {
		l.logger.WithDomain(domain).Info("catch-all detected")
	}
	return catchAll, nil
}
