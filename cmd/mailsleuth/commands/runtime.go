package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/cascade"
	"github.com/mailsleuth/mailsleuth/pkg/config"
	"github.com/mailsleuth/mailsleuth/pkg/engine"
	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
	"github.com/mailsleuth/mailsleuth/pkg/tracker"
)

// Confidence assigned to a reachability-verified mailbox on a domain that is
// not catch-all. SMTP-level safe is strong evidence but not a provider
// confirmation.
const reacherSafeConfidence = 0.9

// runtime holds the wired engine and its collaborators for one command
// invocation.
type runtime struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	store   *stores.SQLiteStore
	engine  *engine.Engine
	tracker *tracker.Tracker
}

// openRuntime loads configuration and wires the full discovery and tracking
// stack. draftDir is where retry drafts are written for downstream mail
// tooling.
func openRuntime(ctx context.Context, draftDir string) (*runtime, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	format := "console"
	if jsonOutput {
		format = "json"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      level,
		Format:     format,
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       metricsListen != "",
		ListenAddress: metricsListen,
		Path:          "/metrics",
		Namespace:     "mailsleuth",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	if metricsListen != "" {
		go func() {
			if err := metrics.Serve(); err != nil {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	// Credit ledgers reset on the first of the next month, matching the
	// billing cycle of the external providers.
	resetAt := nextMonthStart(time.Now().UTC())
	for provider, budget := range cfg.Discovery.APIBudgets {
		if err := store.EnsureCredit(ctx, provider, budget, resetAt); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	gen := namekit.NewGenerator(cfg.Templates.TierA, cfg.Templates.TierB, cfg.Templates.TierC)
	res := resolver.New(nil, store, cfg.Discovery.ProviderCacheWindow.Std(), logger)

	ctrl := cascade.NewController(cascade.Config{
		AcceptThreshold:    cfg.Discovery.AcceptThreshold,
		DefaultConfidence:  cfg.Discovery.DefaultConfidence,
		CatchAllConfidence: cfg.Discovery.CatchAllConfidence,
	}, store, logger, metrics, buildLayers(cfg, store, gen, logger)...)

	track := tracker.New(store, gen, newDraftComposer(draftDir, logger), tracker.Config{
		ConfirmationWindow: cfg.Delivery.ConfirmationWindow.Std(),
		MaxRetries:         cfg.Delivery.MaxRetries,
	}, logger, metrics)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		store:   store,
		engine:  engine.New(store, res, ctrl, track, cfg, logger, metrics),
		tracker: track,
	}, nil
}

// Close releases the store.
func (r *runtime) Close() error {
	return r.store.Close()
}

// buildLayers assembles the cascade in cost order. The external layers are
// keyed off environment credentials so a bare invocation still works with
// the local and probe layers alone.
func buildLayers(cfg *config.Config, store *stores.SQLiteStore, gen *namekit.Generator, logger *telemetry.Logger) []cascade.Layer {
	fetchClient := &http.Client{Timeout: cfg.Discovery.FetchTimeout.Std()}
	probeClient := &http.Client{Timeout: cfg.Discovery.ProbeTimeout.Std()}

	probeLimiter := rate.NewLimiter(rate.Limit(cfg.Limits.ProbePerSecond), 1)
	fetchLimiter := rate.NewLimiter(rate.Limit(cfg.Limits.FetchPerSecond), 1)
	apiLimiter := rate.NewLimiter(rate.Limit(cfg.Limits.APIPerSecond), 1)

	probeClients := map[resolver.Provider]cascade.ProbeClient{
		resolver.ProviderMicrosoft: cascade.NewMicrosoftProbeClient(probeClient, ""),
		resolver.ProviderGoogle:    cascade.NewGoogleProbeClient(probeClient, ""),
	}

	layers := []cascade.Layer{
		cascade.NewLearnedLayer(store),
		cascade.NewProbeLayer(probeClients, probeLimiter),
		cascade.NewWebsiteLayer(fetchClient, cfg.Discovery.WebsitePages, fetchLimiter, logger),
	}

	if reacherURL := os.Getenv("REACHER_URL"); reacherURL != "" {
		reacher := cascade.NewHTTPReacherClient(probeClient, reacherURL, os.Getenv("REACHER_FROM"))
		layers = append(layers, cascade.NewReacherLayer(reacher, gen, store, probeLimiter,
			reacherSafeConfidence, cfg.Discovery.CatchAllConfidence, logger))
	}

	var providers []cascade.APIProvider
	if key := os.Getenv("APOLLO_API_KEY"); key != "" {
		providers = append(providers, cascade.NewApolloProvider(fetchClient, "", key))
	}
	if key := os.Getenv("HUNTER_API_KEY"); key != "" {
		providers = append(providers, cascade.NewHunterProvider(fetchClient, "", key, 70))
	}
	if key := os.Getenv("SNOV_API_KEY"); key != "" {
		providers = append(providers, cascade.NewSnovProvider(fetchClient, "", key, os.Getenv("SNOV_USER_ID")))
	}
	if len(providers) > 0 {
		layers = append(layers, cascade.NewAPILayer(providers, store, apiLimiter, logger))
	}

	templates := append(append(append([]string(nil),
		cfg.Templates.TierA...), cfg.Templates.TierB...), cfg.Templates.TierC...)
	layers = append(layers,
		cascade.NewMultiProbeLayer(probeClients, gen, probeLimiter),
		cascade.NewDefaultLayer(templates, cfg.Discovery.DefaultConfidence),
	)
	return layers
}

func nextMonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
