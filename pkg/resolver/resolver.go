// Package resolver classifies the mail provider behind a domain and guesses
// candidate domains for companies that arrive without one.
package resolver

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// Provider is the classified mail provider for a domain.
type Provider string

const (
	ProviderGoogle     Provider = "google"
	ProviderMicrosoft  Provider = "microsoft"
	ProviderSelfHosted Provider = "selfhosted"
	ProviderUnknown    Provider = "unknown"
)

// MX exchange host keywords that identify hosted providers.
var (
	googleKeywords    = []string{"google", "gmail", "aspmx", "googlemail"}
	microsoftKeywords = []string{"outlook", "microsoft", "hotmail", "office365", "protection.outlook"}
)

// DNSResolver is the subset of net.Resolver the package depends on.
// Tests substitute a fake.
type DNSResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Resolver classifies domains and memoizes classifications in the store.
type Resolver struct {
	dns         DNSResolver
	store       stores.Store
	cacheWindow time.Duration
	logger      *telemetry.Logger
}

// New creates a resolver. cacheWindow bounds how long a stored classification
// is trusted before the MX records are consulted again.
func New(dns DNSResolver, store stores.Store, cacheWindow time.Duration, logger *telemetry.Logger) *Resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	return &Resolver{
		dns:         dns,
		store:       store,
		cacheWindow: cacheWindow,
		logger:      logger.NewComponentLogger("resolver"),
	}
}

// Classify determines the mail provider for a domain. Results other than
// unknown are cached in the store for the configured window. DNS failures
// degrade to unknown rather than failing discovery.
func (r *Resolver) Classify(ctx context.Context, domain string) (Provider, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ProviderUnknown, nil
	}

	if r.store != nil {
		rec, err := r.store.LookupProvider(ctx, domain, r.cacheWindow)
		if err != nil {
			return ProviderUnknown, err
		}
		if rec != nil {
			return Provider(rec.Provider), nil
		}
	}

	provider := r.classifyMX(ctx, domain)

	if provider != ProviderUnknown && r.store != nil {
		err := r.store.UpsertProvider(ctx, &stores.ProviderRecord{
			Domain:       domain,
			Provider:     string(provider),
			ClassifiedAt: time.Now().UTC(),
		})
		if err != nil {
			return provider, err
		}
		r.logger.WithDomain(domain).Debugf("classified provider: %s", provider)
	}

	return provider, nil
}

func (r *Resolver) classifyMX(ctx context.Context, domain string) Provider {
	records, err := r.dns.LookupMX(ctx, domain)
	if err != nil {
		if dnsNotFound(err) {
			// The domain resolves nothing; a definitive negative, but not
			// worth caching for three weeks.
			return ProviderUnknown
		}
		r.logger.WithDomain(domain).WithError(err).Debug("MX lookup failed")
		return ProviderUnknown
	}
	if len(records) == 0 {
		return ProviderUnknown
	}

	for _, mx := range records {
		host := strings.ToLower(strings.TrimSuffix(mx.Host, "."))
		for _, kw := range googleKeywords {
			if strings.Contains(host, kw) {
				return ProviderGoogle
			}
		}
		for _, kw := range microsoftKeywords {
			if strings.Contains(host, kw) {
				return ProviderMicrosoft
			}
		}
	}

	// MX records exist but match no hosted-provider signature.
	return ProviderSelfHosted
}

// HasMail reports whether a domain plausibly receives mail: an MX record, or
// failing that an A record.
func (r *Resolver) HasMail(ctx context.Context, domain string) bool {
	if records, err := r.dns.LookupMX(ctx, domain); err == nil && len(records) > 0 {
		return true
	}
	addrs, err := r.dns.LookupHost(ctx, domain)
	return err == nil && len(addrs) > 0
}

func dnsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}
