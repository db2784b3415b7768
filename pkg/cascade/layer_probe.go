package cascade

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
)

// ProbeResult is a provider's answer about one mailbox.
type ProbeResult int

const (
	ProbeUnknown ProbeResult = iota
	ProbeExists
	ProbeNotExists
)

// ProbeClient checks mailbox existence against a hosted provider's
// credential endpoint. Implementations talk to the real endpoint; tests
// substitute a fake.
type ProbeClient interface {
	CheckMailbox(ctx context.Context, email string) (ProbeResult, error)
}

// The short template enumeration tried by the single-probe layer, most
// common first.
var probeTemplates = []string{
	"{first}.{last}",
	"{f}{last}",
	"{first}{last}",
	"{first}_{last}",
	"{first}",
}

// ProbeLayer verifies candidates against the hosting provider's existence
// endpoint. Clients are keyed by provider; domains hosted by a provider
// without a configured client are skipped.
type ProbeLayer struct {
	clients map[resolver.Provider]ProbeClient
	limiter *rate.Limiter
}

// NewProbeLayer creates the provider-probe layer. The limiter is shared with
// the multi-template probe so both respect one budget per process.
func NewProbeLayer(clients map[resolver.Provider]ProbeClient, limiter *rate.Limiter) *ProbeLayer {
	return &ProbeLayer{clients: clients, limiter: limiter}
}

func (l *ProbeLayer) Name() string { return "provider_probe" }

// Attempt probes the short template enumeration. The first existing mailbox
// wins with full confidence. An unknown answer aborts the enumeration since
// the endpoint has likely started throttling.
func (l *ProbeLayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	client := l.clients[req.Provider]
	if client == nil {
		return nil, nil
	}
	if req.Name.Single {
		return nil, nil
	}

	for _, tmpl := range probeTemplates {
		if req.Excluded[tmpl] {
			continue
		}
		lp, ok := namekit.Expand(tmpl, req.Name)
		if !ok {
			continue
		}
		candidate := lp + "@" + req.Domain

		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, err := client.CheckMailbox(ctx, candidate)
		if err != nil {
			return nil, fmt.Errorf("probe failed for %s: %w", candidate, err)
		}

		switch result {
		case ProbeExists:
			return &Outcome{
				Template:   tmpl,
				Candidate:  candidate,
				Confidence: 1.0,
				Exists:     ExistsYes,
				Source:     stores.SourceProviderProbe,
			}, nil
		case ProbeUnknown:
			return nil, nil
		}
	}

	return nil, nil
}
