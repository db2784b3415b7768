package cascade

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// APIResult is a contact-data provider's answer.
type APIResult struct {
	Email      string
	Confidence float64
}

// APIProvider is one external contact-data source. Providers return
// (nil, nil) when they have no answer for the contact.
type APIProvider interface {
	Name() string
	FindEmail(ctx context.Context, req *Request) (*APIResult, error)
}

// APILayer walks an ordered list of external providers, consuming ledger
// credits as it goes. Exhausted providers are skipped, not errors.
type APILayer struct {
	providers []APIProvider
	store     stores.Store
	limiter   *rate.Limiter
	logger    *telemetry.Logger
}

// NewAPILayer creates the API cascade layer.
func NewAPILayer(providers []APIProvider, store stores.Store, limiter *rate.Limiter, logger *telemetry.Logger) *APILayer {
	return &APILayer{
		providers: providers,
		store:     store,
		limiter:   limiter,
		logger:    logger.NewComponentLogger("api"),
	}
}

func (l *APILayer) Name() string { return "api" }

// Attempt queries providers in order until one returns an address. Each call
// consumes one credit; a provider with no remaining budget is skipped.
func (l *APILayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	for _, p := range l.providers {
		credit, err := l.store.GetCredit(ctx, p.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to check credits for %s: %w", p.Name(), err)
		}
		if credit == nil || credit.Used >= credit.Budget {
			l.logger.Debugf("provider %s exhausted, skipping", p.Name())
			continue
		}

		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := l.store.UseCredit(ctx, p.Name()); err != nil {
			return nil, fmt.Errorf("failed to consume credit for %s: %w", p.Name(), err)
		}

		result, err := p.FindEmail(ctx, req)
		if err != nil {
			l.logger.WithError(err).Warnf("provider %s failed, trying next", p.Name())
			continue
		}
		if result == nil || result.Email == "" {
			continue
		}

		return &Outcome{
			Template:   templateFromAddress(result.Email, req),
			Candidate:  strings.ToLower(result.Email),
			Confidence: result.Confidence,
			Source:     stores.SourceAPI,
		}, nil
	}

	return nil, nil
}

// templateFromAddress reverse-maps a returned address onto a template so the
// pattern store can learn from API answers. Unrecognizable shapes yield an
// empty template; the address is still usable, it just teaches nothing.
func templateFromAddress(email string, req *Request) string {
	at := strings.Index(email, "@")
	if at < 0 || req.Name == nil {
		return ""
	}
	local := strings.ToLower(email[:at])

	candidates := []string{
		"{first}.{last}", "{f}{last}", "{first}{last}", "{first}_{last}",
		"{first}", "{f}.{last}", "{first}{l}", "{last}.{first}",
		"{first}-{last}", "{last}",
	}
	for _, tmpl := range candidates {
		if lp, ok := namekit.Expand(tmpl, req.Name); ok && lp == local {
			return tmpl
		}
	}
	return ""
}
