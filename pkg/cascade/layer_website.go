package cascade

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/mailsleuth/mailsleuth/pkg/namekit"
	"github.com/mailsleuth/mailsleuth/pkg/stores"
	"github.com/mailsleuth/mailsleuth/pkg/telemetry"
)

// Role-account local parts that carry no pattern signal.
var genericLocalParts = map[string]bool{
	"info": true, "hello": true, "press": true, "sales": true, "support": true,
	"contact": true, "admin": true, "help": true, "team": true, "hr": true,
	"jobs": true, "careers": true, "office": true, "marketing": true,
	"media": true, "security": true, "privacy": true, "legal": true,
	"feedback": true, "billing": true, "noreply": true, "no-reply": true,
	"webmaster": true,
}

// WebsiteLayer mines the company website for published addresses and infers
// the naming template from their shape.
type WebsiteLayer struct {
	client  *http.Client
	pages   []string
	limiter *rate.Limiter
	logger  *telemetry.Logger
}

// NewWebsiteLayer creates the website mining layer. pages are site-relative
// paths tried in order.
func NewWebsiteLayer(client *http.Client, pages []string, limiter *rate.Limiter, logger *telemetry.Logger) *WebsiteLayer {
	return &WebsiteLayer{
		client:  client,
		pages:   pages,
		limiter: limiter,
		logger:  logger.NewComponentLogger("website"),
	}
}

func (l *WebsiteLayer) Name() string { return "website" }

// Attempt fetches the configured pages and counts which template each
// personal address matches. Confidence is the winning template's share of
// all personal addresses found.
func (l *WebsiteLayer) Attempt(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Name.Single {
		return nil, nil
	}

	locals := l.mineLocalParts(ctx, req.Domain)
	if len(locals) == 0 {
		return nil, nil
	}

	counts := map[string]int{}
	total := 0
	for _, lp := range locals {
		tmpl := detectTemplate(lp)
		if tmpl == "" {
			continue
		}
		counts[tmpl]++
		total++
	}
	if total == 0 {
		return nil, nil
	}

	best, bestCount := "", 0
	for tmpl, n := range counts {
		if n > bestCount || (n == bestCount && tmpl < best) {
			best, bestCount = tmpl, n
		}
	}
	if req.Excluded[best] {
		return nil, nil
	}

	lp, ok := namekit.Expand(best, req.Name)
	if !ok {
		return nil, nil
	}

	confidence := float64(bestCount) / float64(total)
	l.logger.WithDomain(req.Domain).Debugf("mined %s from %d addresses (%.2f)", best, total, confidence)

	return &Outcome{
		Template:   best,
		Candidate:  lp + "@" + req.Domain,
		Confidence: confidence,
		Source:     stores.SourceWebsite,
	}, nil
}

// mineLocalParts fetches each page and extracts unique personal local parts
// for the domain. Fetch errors skip the page.
func (l *WebsiteLayer) mineLocalParts(ctx context.Context, domain string) []string {
	emailRe := regexp.MustCompile(`[a-zA-Z0-9_.+\-]+@` + regexp.QuoteMeta(domain))

	seen := map[string]bool{}
	var locals []string
	for _, page := range l.pages {
		if ctx.Err() != nil {
			break
		}
		if err := l.limiter.Wait(ctx); err != nil {
			break
		}

		body, err := l.fetch(ctx, "https://"+domain+page)
		if err != nil {
			l.logger.WithDomain(domain).WithError(err).Trace("page fetch failed")
			continue
		}

		for _, addr := range emailRe.FindAllString(body, -1) {
			local := strings.ToLower(strings.SplitN(addr, "@", 2)[0])
			if seen[local] || !isPersonalLocal(local) {
				continue
			}
			seen[local] = true
			locals = append(locals, local)
		}
	}
	return locals
}

// fetch retrieves a page and flattens its HTML to visible text plus mailto
// targets, so addresses in link hrefs are seen as well as page text.
func (l *WebsiteLayer) fetch(ctx context.Context, url string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "a" {
				for _, attr := range n.Attr {
					if attr.Key == "href" && strings.HasPrefix(attr.Val, "mailto:") {
						b.WriteString(strings.TrimPrefix(attr.Val, "mailto:"))
						b.WriteByte(' ')
					}
				}
			}
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return b.String(), nil
}

// isPersonalLocal filters out role accounts. Personal addresses carry a
// separator or are long enough to be a name mash.
func isPersonalLocal(local string) bool {
	if genericLocalParts[local] {
		return false
	}
	return strings.ContainsAny(local, "._-") || len(local) >= 5
}

// detectTemplate infers the template a local part follows from its
// separator. Only unambiguous two-part shapes count.
func detectTemplate(local string) string {
	shapes := []struct {
		sep  string
		tmpl string
	}{
		{".", "{first}.{last}"},
		{"_", "{first}_{last}"},
		{"-", "{first}-{last}"},
	}
	for _, s := range shapes {
		parts := strings.Split(local, s.sep)
		if len(parts) == 2 && len(parts[0]) > 1 && len(parts[1]) > 1 {
			return s.tmpl
		}
	}
	return ""
}
