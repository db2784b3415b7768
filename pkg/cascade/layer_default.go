package cascade

import (
	"context"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
)

// DefaultLayer is the statistical fallback: the most common corporate
// template at baseline confidence. It walks the configured tier order and
// answers with the first template that is not permanently failed for the
// domain, so even the fallback never resurrects a known-bad pattern. It
// stays silent only when every usable template is excluded.
type DefaultLayer struct {
	templates  []string
	confidence float64
}

// NewDefaultLayer creates the fallback layer over the full template
// enumeration in tier order.
func NewDefaultLayer(templates []string, confidence float64) *DefaultLayer {
	return &DefaultLayer{
		templates:  append([]string(nil), templates...),
		confidence: confidence,
	}
}

func (l *DefaultLayer) Name() string { return "default" }

func (l *DefaultLayer) Attempt(_ context.Context, req *Request) (*Outcome, error) {
	for _, tmpl := range l.templates {
		if req.Excluded[tmpl] {
			continue
		}
		lp, ok := namekit.Expand(tmpl, req.Name)
		if !ok {
			// Mononym contacts skip surname templates.
			continue
		}

		return &Outcome{
			Template:   tmpl,
			Candidate:  lp + "@" + req.Domain,
			Confidence: l.confidence,
			Source:     stores.SourceDefault,
		}, nil
	}

	return nil, nil
}
