package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Confidence assigned to API answers the provider itself marks verified
// versus merely guessed.
const (
	apiVerifiedConfidence = 0.9
	apiGuessedConfidence  = 0.6
)

// ApolloProvider queries the Apollo people-match endpoint.
type ApolloProvider struct {
	client *http.Client
	url    string
	apiKey string
}

// NewApolloProvider creates an Apollo provider. url overrides the default
// endpoint for tests.
func NewApolloProvider(client *http.Client, url, apiKey string) *ApolloProvider {
	if url == "" {
		url = "https://api.apollo.io/api/v1/people/match"
	}
	return &ApolloProvider{client: client, url: url, apiKey: apiKey}
}

func (p *ApolloProvider) Name() string { return "apollo" }

func (p *ApolloProvider) FindEmail(ctx context.Context, req *Request) (*APIResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("apollo API key missing")
	}

	payload, err := json.Marshal(map[string]string{
		"api_key":           p.apiKey,
		"first_name":        req.Name.FirstFold,
		"last_name":         req.Name.LastFold,
		"organization_name": req.Domain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal apollo payload: %w", err)
	}

	var body struct {
		Person struct {
			Email       string `json:"email"`
			EmailStatus string `json:"email_status"`
		} `json:"person"`
	}
	if err := p.postJSON(ctx, payload, &body); err != nil {
		return nil, err
	}
	if body.Person.Email == "" {
		return nil, nil
	}

	confidence := apiGuessedConfidence
	if body.Person.EmailStatus == "verified" {
		confidence = apiVerifiedConfidence
	}
	return &APIResult{Email: body.Person.Email, Confidence: confidence}, nil
}

func (p *ApolloProvider) postJSON(ctx context.Context, payload []byte, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build apollo request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("apollo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("apollo returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode apollo response: %w", err)
	}
	return nil
}

// HunterProvider queries the Hunter email-finder endpoint.
type HunterProvider struct {
	client        *http.Client
	url           string
	apiKey        string
	minConfidence int // provider-reported score that counts as verified
}

// NewHunterProvider creates a Hunter provider.
func NewHunterProvider(client *http.Client, url, apiKey string, minConfidence int) *HunterProvider {
	if url == "" {
		url = "https://api.hunter.io/v2/email-finder"
	}
	if minConfidence == 0 {
		minConfidence = 70
	}
	return &HunterProvider{client: client, url: url, apiKey: apiKey, minConfidence: minConfidence}
}

func (p *HunterProvider) Name() string { return "hunter" }

func (p *HunterProvider) FindEmail(ctx context.Context, req *Request) (*APIResult, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("hunter API key missing")
	}

	q := url.Values{}
	q.Set("domain", req.Domain)
	q.Set("first_name", req.Name.FirstFold)
	q.Set("last_name", req.Name.LastFold)
	q.Set("api_key", p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build hunter request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("hunter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hunter returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Email      string `json:"email"`
			Confidence int    `json:"confidence"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode hunter response: %w", err)
	}
	if body.Data.Email == "" {
		return nil, nil
	}

	confidence := apiGuessedConfidence
	if body.Data.Confidence >= p.minConfidence {
		confidence = apiVerifiedConfidence
	}
	return &APIResult{Email: body.Data.Email, Confidence: confidence}, nil
}

// SnovProvider queries the Snov get-emails-from-names endpoint.
type SnovProvider struct {
	client *http.Client
	url    string
	apiKey string
	userID string
}

// NewSnovProvider creates a Snov provider.
func NewSnovProvider(client *http.Client, url, apiKey, userID string) *SnovProvider {
	if url == "" {
		url = "https://api.snov.io/v1/get-emails-from-names"
	}
	return &SnovProvider{client: client, url: url, apiKey: apiKey, userID: userID}
}

func (p *SnovProvider) Name() string { return "snov" }

func (p *SnovProvider) FindEmail(ctx context.Context, req *Request) (*APIResult, error) {
	if p.apiKey == "" || p.userID == "" {
		return nil, fmt.Errorf("snov credentials missing")
	}

	payload, err := json.Marshal(map[string]string{
		"firstName": req.Name.FirstFold,
		"lastName":  req.Name.LastFold,
		"domain":    req.Domain,
		"userId":    p.userID,
		"secret":    p.apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snov payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build snov request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("snov request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snov returned status %d", resp.StatusCode)
	}

	var body struct {
		Emails []struct {
			Email  string `json:"email"`
			Status string `json:"status"`
		} `json:"emails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode snov response: %w", err)
	}
	if len(body.Emails) == 0 {
		return nil, nil
	}

	best := body.Emails[0]
	for _, e := range body.Emails {
		if e.Status == "valid" {
			best = e
			break
		}
	}
	if best.Email == "" {
		return nil, nil
	}

	confidence := apiGuessedConfidence
	if best.Status == "valid" {
		confidence = apiVerifiedConfidence
	}
	return &APIResult{Email: best.Email, Confidence: confidence}, nil
}
