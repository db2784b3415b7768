package cascade

import (
	"context"
	"fmt"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
)

// LearnedLayer answers from the pattern store: seed data and patterns learned
// by earlier runs. No network I/O.
type LearnedLayer struct {
	store stores.Store
}

// NewLearnedLayer creates the store-lookup layer.
func NewLearnedLayer(store stores.Store) *LearnedLayer {
	return &LearnedLayer{store: store}
}

func (l *LearnedLayer) Name() string { return "learned" }

// Attempt looks up the stored pattern for the domain and expands it for the
// contact. Permanently-failed templates never produce a candidate, no matter
// what confidence the store still records.
func (l *LearnedLayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	pattern, err := l.store.LookupPattern(ctx, req.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup pattern: %w", err)
	}
	if pattern == nil {
		return nil, nil
	}

	if req.Excluded[pattern.Template] {
		return nil, nil
	}
	failed, err := l.store.IsPatternFailed(ctx, req.Domain, pattern.Template)
	if err != nil {
		return nil, fmt.Errorf("failed to check failed pattern: %w", err)
	}
	if failed {
		return nil, nil
	}

	lp, ok := namekit.Expand(pattern.Template, req.Name)
	if !ok {
		return nil, nil
	}

	return &Outcome{
		Template:   pattern.Template,
		Candidate:  lp + "@" + req.Domain,
		Confidence: pattern.Confidence,
		Source:     pattern.Source,
	}, nil
}
