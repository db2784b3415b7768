package cascade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/resolver"
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

type fakeProbe struct {
	results map[string]ProbeResult
	calls   int
}

func (f *fakeProbe) CheckMailbox(_ context.Context, email string) (ProbeResult, error) {
	f.calls++
	if r, ok := f.results[email]; ok {
		return r, nil
	}
	return ProbeNotExists, nil
}

type fakeReacher struct {
	verdicts map[string]Reachability
	calls    int
}

func (f *fakeReacher) CheckEmail(_ context.Context, email string) (Reachability, error) {
	f.calls++
	if v, ok := f.verdicts[email]; ok {
		return v, nil
	}
	return ReachInvalid, nil
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
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

func testRequest(t *testing.T, domain string, provider resolver.Provider) *Request {
	t.Helper()
	name, err := namekit.ParseName("Jane Smith")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return &Request{
		Name:     name,
		Company:  "Test Co",
		Domain:   domain,
		Provider: provider,
		Excluded: map[string]bool{},
	}
}

func defaultConfig() Config {
	return Config{AcceptThreshold: 0.8, DefaultConfidence: 0.5, CatchAllConfidence: 0.1}
}

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func allTemplates() []string {
	return append(append(append([]string(nil), tierA...), tierB...), tierC...)
}

func probeFor(p resolver.Provider, c ProbeClient) map[resolver.Provider]ProbeClient {
	return map[resolver.Provider]ProbeClient{p: c}
}

// A seeded domain must resolve with zero network traffic.
func TestSeededDomainNoNetwork(t *testing.T) {
	store := testStore(t)
	probe := &fakeProbe{}
	reach := &fakeReacher{}
	gen := namekit.NewGenerator(tierA, tierB, tierC)

	ctrl := NewController(defaultConfig(), store, testLogger(t), testMetrics(t),
		NewLearnedLayer(store),
		NewProbeLayer(probeFor(resolver.ProviderGoogle, probe), unlimited()),
		NewReacherLayer(reach, gen, store, unlimited(), 0.9, 0.1, testLogger(t)),
		NewDefaultLayer(allTemplates(), 0.5),
	)

	// stripe.com ships in the seed migration with {first}.{last}.
	out, err := ctrl.Run(context.Background(), testRequest(t, "stripe.com", resolver.ProviderGoogle))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.Candidate != "jane.smith@stripe.com" {
		t.Errorf("candidate = %s, want jane.smith@stripe.com", out.Candidate)
	}
	if out.Source != stores.SourceSeed {
		t.Errorf("source = %s, want seed", out.Source)
	}
	if probe.calls != 0 || reach.calls != 0 {
		t.Errorf("seeded domain hit the network: probe=%d reach=%d", probe.calls, reach.calls)
	}
}

// A permanently-failed template is never re-proposed even though the store
// still records it with high confidence.
func TestFailedTemplateExcluded(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.RecordPattern(ctx, "failed.example", "{first}.{last}", 1.0, stores.SourceSeed); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := store.MarkPatternFailed(ctx, "failed.example", "{first}.{last}"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	ctrl := NewController(defaultConfig(), store, testLogger(t), testMetrics(t),
		NewLearnedLayer(store),
		NewDefaultLayer(allTemplates(), 0.5),
	)

	out, err := ctrl.Run(ctx, testRequest(t, "failed.example", resolver.ProviderUnknown))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.Source != stores.SourceDefault {
		t.Errorf("expected fall-through to default, got source %s", out.Source)
	}
	// The fallback moves to the next tier entry rather than resurrecting
	// the failed template.
	if out.Template == "{first}.{last}" {
		t.Errorf("failed template resurrected by fallback: %+v", out)
	}
	if out.Template != "{f}{last}" || out.Candidate != "jsmith@failed.example" {
		t.Errorf("unexpected fallback outcome: %+v", out)
	}
}

// The fallback walks the tier order past excluded templates and stays
// silent only when every template is permanently failed.
func TestDefaultLayerSkipsFailedTemplates(t *testing.T) {
	layer := NewDefaultLayer(allTemplates(), 0.5)

	req := testRequest(t, "acme.example", resolver.ProviderUnknown)
	req.Excluded = map[string]bool{"{first}.{last}": true, "{f}{last}": true}

	out, err := layer.Attempt(context.Background(), req)
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if out == nil {
		t.Fatal("expected an outcome")
	}
	if req.Excluded[out.Template] {
		t.Errorf("fallback produced excluded template %s", out.Template)
	}
	if out.Template != "{first}{last}" || out.Candidate != "janesmith@acme.example" {
		t.Errorf("unexpected outcome: %+v", out)
	}

	for _, tmpl := range allTemplates() {
		req.Excluded[tmpl] = true
	}
	out, err = layer.Attempt(context.Background(), req)
	if err != nil || out != nil {
		t.Errorf("fully excluded domain should yield no outcome, got %+v, %v", out, err)
	}
}

// Microsoft-hosted domain: the definitive probe finds the second template.
func TestProviderProbeDefinitive(t *testing.T) {
	store := testStore(t)
	probe := &fakeProbe{results: map[string]ProbeResult{
		"jsmith@beta.io": ProbeExists,
	}}

	ctrl := NewController(defaultConfig(), store, testLogger(t), testMetrics(t),
		NewLearnedLayer(store),
		NewProbeLayer(probeFor(resolver.ProviderMicrosoft, probe), unlimited()),
		NewDefaultLayer(allTemplates(), 0.5),
	)

	ctx := context.Background()
	out, err := ctrl.Run(ctx, testRequest(t, "beta.io", resolver.ProviderMicrosoft))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.Candidate != "jsmith@beta.io" || out.Exists != ExistsYes {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if out.Confidence != 1.0 {
		t.Errorf("definitive probe confidence = %f, want 1.0", out.Confidence)
	}

	// The learned pattern now serves the next contact at this domain.
	pattern, err := store.LookupPattern(ctx, "beta.io")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if pattern == nil || pattern.Template != "{f}{last}" {
		t.Errorf("pattern not learned: %+v", pattern)
	}
}

// Probe layer skips providers with no configured client.
func TestProbeSkipsUnconfiguredProvider(t *testing.T) {
	probe := &fakeProbe{}
	layer := NewProbeLayer(probeFor(resolver.ProviderMicrosoft, probe), unlimited())

	out, err := layer.Attempt(context.Background(), testRequest(t, "g.example", resolver.ProviderGoogle))
	if err != nil || out != nil {
		t.Fatalf("expected skip, got %+v, %v", out, err)
	}
	if probe.calls != 0 {
		t.Errorf("probe called %d times without a client for the provider", probe.calls)
	}
}

// Google-hosted domain: the gxlu probe is as definitive as the Microsoft one.
func TestProviderProbeGoogle(t *testing.T) {
	probe := &fakeProbe{results: map[string]ProbeResult{
		"jane.smith@theta.example": ProbeExists,
	}}
	layer := NewProbeLayer(probeFor(resolver.ProviderGoogle, probe), unlimited())

	out, err := layer.Attempt(context.Background(), testRequest(t, "theta.example", resolver.ProviderGoogle))
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if out == nil || out.Candidate != "jane.smith@theta.example" || out.Exists != ExistsYes {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Source != stores.SourceProviderProbe {
		t.Errorf("source = %s, want provider_probe", out.Source)
	}
}

// The gxlu client canary-checks each domain once; a catch-all domain makes
// every address inconclusive instead of a false confirmation.
func TestGoogleProbeClientCatchAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "COMPASS=abc; Path=/")
	}))
	defer srv.Close()

	client := NewGoogleProbeClient(srv.Client(), srv.URL)
	result, err := client.CheckMailbox(context.Background(), "jane.smith@iota.example")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result != ProbeUnknown {
		t.Errorf("catch-all domain answered %v, want unknown", result)
	}
}

func TestGoogleProbeClientExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("email") == "jane.smith@kappa.example" {
			w.Header().Set("Set-Cookie", "COMPASS=abc; Path=/")
		}
	}))
	defer srv.Close()

	client := NewGoogleProbeClient(srv.Client(), srv.URL)

	result, err := client.CheckMailbox(context.Background(), "jane.smith@kappa.example")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result != ProbeExists {
		t.Errorf("result = %v, want exists", result)
	}

	result, err = client.CheckMailbox(context.Background(), "nobody@kappa.example")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result != ProbeNotExists {
		t.Errorf("result = %v, want not exists", result)
	}
}

// Website mining: three published addresses all follow one template.
func TestWebsiteMining(t *testing.T) {
	page := `<html><body>
		<a href="mailto:alice.jones@gamma.com">Alice</a>
		<p>bob.lee@gamma.com and carol.wu@gamma.com</p>
		<p>info@gamma.com</p>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	layer := NewWebsiteLayer(srv.Client(), []string{"/about"}, unlimited(), testLogger(t))
	// Point the fetch at the test server by rewriting transport.
	layer.client = &http.Client{Transport: rewriteHost(srv)}

	out, err := layer.Attempt(context.Background(), testRequest(t, "gamma.com", resolver.ProviderSelfHosted))
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if out == nil {
		t.Fatal("expected mining outcome")
	}
	if out.Template != "{first}.{last}" {
		t.Errorf("template = %s, want {first}.{last}", out.Template)
	}
	if out.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 (3 of 3)", out.Confidence)
	}
	if out.Candidate != "jane.smith@gamma.com" {
		t.Errorf("candidate = %s", out.Candidate)
	}
}

// rewriteHost redirects every request to the test server regardless of the
// URL's host, so layers can build real-looking domain URLs.
func rewriteHost(srv *httptest.Server) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		trimmed := *req.URL
		trimmed.Scheme = "http"
		trimmed.Host = srv.Listener.Addr().String()
		clone := req.Clone(req.Context())
		clone.URL = &trimmed
		return http.DefaultTransport.RoundTrip(clone)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Catch-all domain: the canary verifies, every reachability answer is
// downgraded below the accept threshold, and the cascade falls through to
// the statistical default.
func TestCatchAllDowngrade(t *testing.T) {
	store := testStore(t)
	gen := namekit.NewGenerator(tierA, tierB, tierC)
	reach := &fakeReacher{verdicts: map[string]Reachability{
		CanaryAddress("delta.example"): ReachSafe,
		"jane.smith@delta.example":     ReachSafe,
	}}

	ctrl := NewController(defaultConfig(), store, testLogger(t), testMetrics(t),
		NewLearnedLayer(store),
		NewReacherLayer(reach, gen, store, unlimited(), 0.9, 0.1, testLogger(t)),
		NewDefaultLayer(allTemplates(), 0.5),
	)

	ctx := context.Background()
	out, err := ctrl.Run(ctx, testRequest(t, "delta.example", resolver.ProviderSelfHosted))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// Default layer answers, but capped at the catch-all level.
	if out.Source != stores.SourceDefault {
		t.Errorf("source = %s, want default", out.Source)
	}
	if out.Confidence != 0.1 {
		t.Errorf("confidence = %f, want catch-all cap 0.1", out.Confidence)
	}

	// Canary result is memoized for next time.
	rec, err := store.LookupProvider(ctx, "delta.example", 0)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if rec == nil || !rec.CatchAll || !rec.CatchAllChecked {
		t.Errorf("catch-all not recorded: %+v", rec)
	}
}

// Reacher verifies the top candidate on a non-catch-all domain.
func TestReacherSafeHit(t *testing.T) {
	store := testStore(t)
	gen := namekit.NewGenerator(tierA, tierB, tierC)
	reach := &fakeReacher{verdicts: map[string]Reachability{
		"jane.smith@epsilon.example": ReachSafe,
	}}

	layer := NewReacherLayer(reach, gen, store, unlimited(), 0.9, 0.1, testLogger(t))
	out, err := layer.Attempt(context.Background(), testRequest(t, "epsilon.example", resolver.ProviderSelfHosted))
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if out == nil || out.Candidate != "jane.smith@epsilon.example" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Confidence != 0.9 || out.Source != stores.SourceReacher {
		t.Errorf("confidence/source = %f/%s", out.Confidence, out.Source)
	}
}

type fakeAPIProvider struct {
	name   string
	result *APIResult
	calls  int
}

func (f *fakeAPIProvider) Name() string { return f.name }
func (f *fakeAPIProvider) FindEmail(_ context.Context, _ *Request) (*APIResult, error) {
	f.calls++
	return f.result, nil
}

func TestAPILayerCredits(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	resetAt := time.Now().UTC().Add(30 * 24 * time.Hour)

	if err := store.EnsureCredit(ctx, "apollo", 0, resetAt); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := store.EnsureCredit(ctx, "hunter", 25, resetAt); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	exhausted := &fakeAPIProvider{name: "apollo", result: &APIResult{Email: "x@y.example", Confidence: 0.9}}
	funded := &fakeAPIProvider{name: "hunter", result: &APIResult{Email: "jane.smith@zeta.example", Confidence: 0.9}}

	layer := NewAPILayer([]APIProvider{exhausted, funded}, store, unlimited(), testLogger(t))
	out, err := layer.Attempt(ctx, testRequest(t, "zeta.example", resolver.ProviderUnknown))
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if exhausted.calls != 0 {
		t.Error("exhausted provider should not be called")
	}
	if funded.calls != 1 {
		t.Errorf("funded provider calls = %d, want 1", funded.calls)
	}
	if out == nil || out.Candidate != "jane.smith@zeta.example" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Template != "{first}.{last}" {
		t.Errorf("reverse-mapped template = %q, want {first}.{last}", out.Template)
	}

	credit, err := store.GetCredit(ctx, "hunter")
	if err != nil {
		t.Fatalf("get credit failed: %v", err)
	}
	if credit.Used != 1 {
		t.Errorf("hunter used = %d, want 1", credit.Used)
	}
}

func TestDefaultLayerAlwaysAnswers(t *testing.T) {
	layer := NewDefaultLayer(allTemplates(), 0.5)
	out, err := layer.Attempt(context.Background(), testRequest(t, "last.example", resolver.ProviderUnknown))
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if out == nil || out.Candidate != "jane.smith@last.example" || out.Confidence != 0.5 {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestControllerNoFallbackIsDefect(t *testing.T) {
	store := testStore(t)
	ctrl := NewController(defaultConfig(), store, testLogger(t), testMetrics(t),
		NewLearnedLayer(store),
	)

	_, err := ctrl.Run(context.Background(), testRequest(t, "empty.example", resolver.ProviderUnknown))
	if err == nil {
		t.Fatal("expected error when no layer produced an outcome")
	}
}
