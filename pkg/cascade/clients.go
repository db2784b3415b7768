package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const microsoftCredentialTypeURL = "https://login.microsoftonline.com/common/GetCredentialType"

// MicrosoftProbeClient checks mailbox existence through the public
// GetCredentialType endpoint. IfExistsResult 0 means the account exists,
// 1 means it does not; anything else is inconclusive.
type MicrosoftProbeClient struct {
	client *http.Client
	url    string
}

// NewMicrosoftProbeClient creates a probe client. url overrides the default
// endpoint, mainly for tests.
func NewMicrosoftProbeClient(client *http.Client, url string) *MicrosoftProbeClient {
	if url == "" {
		url = microsoftCredentialTypeURL
	}
	return &MicrosoftProbeClient{client: client, url: url}
}

func (c *MicrosoftProbeClient) CheckMailbox(ctx context.Context, email string) (ProbeResult, error) {
	payload, err := json.Marshal(map[string]string{"Username": email})
	if err != nil {
		return ProbeUnknown, fmt.Errorf("failed to marshal probe payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return ProbeUnknown, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeUnknown, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeUnknown, nil
	}

	var body struct {
		IfExistsResult int `json:"IfExistsResult"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProbeUnknown, fmt.Errorf("failed to decode probe response: %w", err)
	}

	switch body.IfExistsResult {
	case 0:
		return ProbeExists, nil
	case 1:
		return ProbeNotExists, nil
	default:
		return ProbeUnknown, nil
	}
}

const googleGxluURL = "https://mail.google.com/mail/gxlu"

// GoogleProbeClient checks mailbox existence through the public gxlu
// endpoint. A COMPASS cookie in the response means the account exists.
// Catch-all Workspace domains answer positively for any address, so each
// domain is canary-checked once per process; addresses on a catch-all
// domain come back inconclusive.
type GoogleProbeClient struct {
	client *http.Client
	url    string

	mu       sync.Mutex
	catchAll map[string]bool
}

// NewGoogleProbeClient creates a gxlu probe client. url overrides the
// default endpoint, mainly for tests. Redirects are never followed; the
// cookie check only means anything on the first response.
func NewGoogleProbeClient(client *http.Client, url string) *GoogleProbeClient {
	if url == "" {
		url = googleGxluURL
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &GoogleProbeClient{
		client:   &noRedirect,
		url:      url,
		catchAll: make(map[string]bool),
	}
}

func (c *GoogleProbeClient) CheckMailbox(ctx context.Context, email string) (ProbeResult, error) {
	at := strings.Index(email, "@")
	if at < 0 {
		return ProbeUnknown, nil
	}
	domain := strings.ToLower(email[at+1:])

	isCatchAll, err := c.isCatchAll(ctx, domain)
	if err != nil {
		return ProbeUnknown, err
	}
	if isCatchAll {
		return ProbeUnknown, nil
	}

	return c.lookup(ctx, email)
}

// isCatchAll probes the domain's canary address once and memoizes the
// verdict for the life of the process.
func (c *GoogleProbeClient) isCatchAll(ctx context.Context, domain string) (bool, error) {
	c.mu.Lock()
	known, ok := c.catchAll[domain]
	c.mu.Unlock()
	if ok {
		return known, nil
	}

	result, err := c.lookup(ctx, CanaryAddress(domain))
	if err != nil {
		return false, err
	}
	isCatchAll := result == ProbeExists

	c.mu.Lock()
	c.catchAll[domain] = isCatchAll
	c.mu.Unlock()
	return isCatchAll, nil
}

func (c *GoogleProbeClient) lookup(ctx context.Context, email string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?email="+url.QueryEscape(email), nil)
	if err != nil {
		return ProbeUnknown, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return ProbeUnknown, fmt.Errorf("probe request failed: %w", err)
	}
	resp.Body.Close()

	if strings.Contains(resp.Header.Get("Set-Cookie"), "COMPASS") {
		return ProbeExists, nil
	}
	return ProbeNotExists, nil
}

// HTTPReacherClient talks to a reacher-style reachability service
// (POST /v0/check_email).
type HTTPReacherClient struct {
	client    *http.Client
	url       string
	fromEmail string
}

// NewHTTPReacherClient creates a reachability client pointed at baseURL.
func NewHTTPReacherClient(client *http.Client, baseURL, fromEmail string) *HTTPReacherClient {
	return &HTTPReacherClient{
		client:    client,
		url:       strings.TrimSuffix(baseURL, "/") + "/v0/check_email",
		fromEmail: fromEmail,
	}
}

func (c *HTTPReacherClient) CheckEmail(ctx context.Context, email string) (Reachability, error) {
	payload, err := json.Marshal(map[string]string{
		"to_email":   email,
		"from_email": c.fromEmail,
	})
	if err != nil {
		return ReachUnknown, fmt.Errorf("failed to marshal check payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return ReachUnknown, fmt.Errorf("failed to build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ReachUnknown, fmt.Errorf("check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ReachUnknown, nil
	}

	var body struct {
		IsReachable string `json:"is_reachable"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ReachUnknown, fmt.Errorf("failed to decode check response: %w", err)
	}

	switch Reachability(body.IsReachable) {
	case ReachSafe, ReachRisky, ReachInvalid:
		return Reachability(body.IsReachable), nil
	default:
		return ReachUnknown, nil
	}
}
