package resolver

import (
	"context"
	"regexp"
	"strings"
)

// Legal and descriptive suffixes trimmed off company names before guessing.
var legalSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s*,?\s*inc\.?$`),
	regexp.MustCompile(`(?i)\s*,?\s*llc\.?$`),
	regexp.MustCompile(`(?i)\s*,?\s*ltd\.?$`),
	regexp.MustCompile(`(?i)\s*,?\s*corp\.?$`),
	regexp.MustCompile(`(?i)\s*,?\s*co\.?$`),
	regexp.MustCompile(`(?i)\s*,?\s*corporation$`),
	regexp.MustCompile(`(?i)\s*,?\s*company$`),
	regexp.MustCompile(`(?i)\s*,?\s*technologies$`),
	regexp.MustCompile(`(?i)\s*,?\s*technology$`),
	regexp.MustCompile(`(?i)\s*,?\s*group$`),
	regexp.MustCompile(`(?i)\s*,?\s*holdings$`),
	regexp.MustCompile(`(?i)\s*,?\s*solutions$`),
}

var nonNameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-&]`)

// GuessDomains proposes up to three mail-capable domains for a company name.
// Candidates are the cleaned name, collapsed and hyphenated, across the
// configured TLD list, each validated with an MX-or-A lookup. Ampersand names
// additionally try dropped and spelled-out variants on .com.
func (r *Resolver) GuessDomains(ctx context.Context, company string, tlds []string) []string {
	clean := CleanCompanyName(company)
	if clean == "" {
		return nil
	}

	noSpace := strings.ReplaceAll(clean, " ", "")
	hyphen := strings.ReplaceAll(clean, " ", "-")

	var candidates []string
	seen := map[string]bool{}
	push := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			candidates = append(candidates, d)
		}
	}

	for _, tld := range tlds {
		push(noSpace + tld)
		push(hyphen + tld)
	}
	if strings.Contains(clean, "&") {
		dropped := collapseSpaces(strings.ReplaceAll(clean, "&", ""))
		spelled := collapseSpaces(strings.ReplaceAll(clean, "&", "and"))
		push(strings.ReplaceAll(dropped, " ", "") + ".com")
		push(strings.ReplaceAll(spelled, " ", "") + ".com")
	}

	var valid []string
	for _, d := range candidates {
		if ctx.Err() != nil {
			break
		}
		if r.HasMail(ctx, d) {
			valid = append(valid, d)
			if len(valid) == 3 {
				break
			}
		}
	}

	if len(valid) > 0 {
		r.logger.Debugf("guessed domains for %q: %v", company, valid)
	}
	return valid
}

// CleanCompanyName strips legal suffixes and punctuation from a company name
// and lowercases it.
func CleanCompanyName(name string) string {
	c := strings.TrimSpace(name)
	for _, re := range legalSuffixes {
		c = re.ReplaceAllString(c, "")
	}
	c = nonNameChars.ReplaceAllString(c, "")
	return strings.ToLower(strings.TrimSpace(c))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
