// Package cascade implements the layered email discovery pipeline. Layers
// are ordered from cheapest to most expensive; the controller walks them
// until a result qualifies, learning patterns into the store as it goes.
package cascade

import (
	"context"
	"fmt"
	"time"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// Exists is the tri-state result of a mailbox existence check.
type Exists int

const (
	ExistsUnknown Exists = iota
	ExistsYes
	ExistsNo
)

func (e Exists) String() string {
	switch e {
	case ExistsYes:
		return "yes"
	case ExistsNo:
		return "no"
	default:
		return "unknown"
	}
}

// Request carries one contact through the cascade.
type Request struct {
	Name     *namekit.ParsedName
	Company  string
	Domain   string
	Provider resolver.Provider

	// Excluded holds permanently-failed templates for the domain.
	Excluded map[string]bool
}

// Outcome is a layer's verdict. A nil Outcome with a nil error means the
// layer had nothing to say and the cascade moves on.
type Outcome struct {
	Template   string
	Candidate  string // full address
	Confidence float64
	Exists     Exists
	Source     stores.PatternSource

	// CatchAll marks the domain as accepting every recipient. It poisons
	// reachability confidence for the rest of the cascade.
	CatchAll bool
}

// Layer is one stage of the discovery cascade.
type Layer interface {
	Name() string
	Attempt(ctx context.Context, req *Request) (*Outcome, error)
}

// Config holds the thresholds the controller applies.
type Config struct {
	AcceptThreshold    float64
	DefaultConfidence  float64
	CatchAllConfidence float64
}

// Controller walks the ordered layer list for a request.
type Controller struct {
	layers  []Layer
	store   stores.Store
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewController builds a controller over an ordered layer list.
func NewController(cfg Config, store stores.Store, logger *telemetry.Logger, metrics *telemetry.Metrics, layers ...Layer) *Controller {
	return &Controller{
		layers:  layers,
		store:   store,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("cascade"),
		metrics: metrics,
	}
}

// Run walks the layers in order and returns the first qualifying outcome:
// a definitive existence confirmation, or confidence at or above the accept
// threshold. Layer errors are logged and treated as a skip. Once a layer
// reports the domain as catch-all, later non-definitive confidence is capped
// at the catch-all level. An empty walk is an error: it means every layer
// skipped, including the fallback, which only happens when the whole
// template enumeration is permanently failed for the domain.
func (c *Controller) Run(ctx context.Context, req *Request) (*Outcome, error) {
	log := c.logger.WithDomain(req.Domain)
	catchAll := false
	var last *Outcome

	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		outcome, err := layer.Attempt(ctx, req)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			log.WithLayer(layer.Name()).WithError(err).Warn("layer failed, skipping")
			c.metrics.RecordLayerOutcome(layer.Name(), "error", elapsed)
			continue
		case outcome == nil:
			c.metrics.RecordLayerOutcome(layer.Name(), "skip", elapsed)
			continue
		}

		if outcome.CatchAll {
			catchAll = true
		}
		if catchAll && outcome.Exists != ExistsYes && outcome.Confidence > c.cfg.CatchAllConfidence {
			outcome.Confidence = c.cfg.CatchAllConfidence
		}
		last = outcome

		if outcome.Exists == ExistsYes || outcome.Confidence >= c.cfg.AcceptThreshold {
			c.metrics.RecordLayerOutcome(layer.Name(), "hit", elapsed)
			log.WithLayer(layer.Name()).Infof("accepted %s (%s, confidence %.2f)",
				outcome.Candidate, outcome.Template, outcome.Confidence)

			if outcome.Template != "" {
				err := c.store.RecordPattern(ctx, req.Domain, outcome.Template, outcome.Confidence, outcome.Source)
				if err != nil {
					return nil, fmt.Errorf("failed to record pattern for %s: %w", req.Domain, err)
				}
			}
			return outcome, nil
		}

		c.metrics.RecordLayerOutcome(layer.Name(), "miss", elapsed)
	}

	if last == nil {
		return nil, fmt.Errorf("cascade produced no outcome for %s", req.Domain)
	}
	return last, nil
}
