package cascade

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
)

// MultiProbeLayer exhausts the full candidate enumeration against the
// provider existence endpoint. It is the expensive sibling of ProbeLayer,
// run late in the cascade once the cheap layers have missed.
type MultiProbeLayer struct {
	clients   map[resolver.Provider]ProbeClient
	generator *namekit.Generator
	limiter   *rate.Limiter
}

// NewMultiProbeLayer creates the full-enumeration probe layer.
func NewMultiProbeLayer(clients map[resolver.Provider]ProbeClient, generator *namekit.Generator, limiter *rate.Limiter) *MultiProbeLayer {
	return &MultiProbeLayer{clients: clients, generator: generator, limiter: limiter}
}

func (l *MultiProbeLayer) Name() string { return "multi_probe" }

// Attempt probes every generated candidate in tier order. Unknown answers
// abort the walk rather than burn the remaining budget against a throttling
// endpoint.
func (l *MultiProbeLayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	client := l.clients[req.Provider]
	if client == nil {
		return nil, nil
	}

	for _, c := range l.generator.Candidates(req.Domain, req.Name, req.Excluded) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := client.CheckMailbox(ctx, c.Address)
		if err != nil {
			return nil, fmt.Errorf("probe failed for %s: %w", c.Address, err)
		}

		switch result {
		case ProbeExists:
			return &Outcome{
				Template:   c.Template,
				Candidate:  c.Address,
				Confidence: 1.0,
				Exists:     ExistsYes,
				Source:     stores.SourceMultiProbe,
			}, nil
		case ProbeUnknown:
			return nil, nil
		}
	}

	return nil, nil
}
