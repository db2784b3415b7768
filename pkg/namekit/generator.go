package namekit

import (
	"strings"
)

// Tier orders candidate templates by hit probability.
type Tier int

const (
	TierPrimary Tier = iota + 1
	TierSecondary
	TierRare
)

// Candidate is one generated address guess.
type Candidate struct {
	Address   string
	LocalPart string
	Template  string // empty for derived variants with no template form
	Tier      Tier
}

// Generator enumerates candidate addresses for a parsed name on a domain.
// The enumeration is deterministic: same name, same domain, same tier lists,
// same output order.
type Generator struct {
	tierA []string
	tierB []string
	tierC []string
}

// NewGenerator creates a generator over the configured template tiers.
func NewGenerator(tierA, tierB, tierC []string) *Generator {
	return &Generator{
		tierA: append([]string(nil), tierA...),
		tierB: append([]string(nil), tierB...),
		tierC: append([]string(nil), tierC...),
	}
}

// Candidates generates the ordered candidate list for a name on a domain.
// Templates present in the excluded set are never expanded. Duplicate local
// parts produced by different templates are yielded once, under the first
// template that produced them.
func (g *Generator) Candidates(domain string, name *ParsedName, excluded map[string]bool) []Candidate {
	if name == nil || domain == "" {
		return nil
	}
	domain = strings.ToLower(strings.TrimSpace(domain))

	var out []Candidate
	seen := map[string]bool{}

	add := func(lp, template string, tier Tier) {
		if lp == "" || seen[lp] {
			return
		}
		seen[lp] = true
		out = append(out, Candidate{
			Address:   lp + "@" + domain,
			LocalPart: lp,
			Template:  template,
			Tier:      tier,
		})
	}

	if name.Single {
		// Mononym contacts get exactly one guess.
		if !excluded["{first}"] && len(name.FirstFold) >= 2 {
			add(name.FirstFold, "{first}", TierPrimary)
		}
		return out
	}

	expandTier := func(templates []string, tier Tier) {
		for _, tmpl := range templates {
			if excluded[tmpl] {
				continue
			}
			lp, ok := Expand(tmpl, name)
			if !ok {
				continue
			}
			add(lp, tmpl, tier)
		}
	}

	expandTier(g.tierA, TierPrimary)
	expandTier(g.tierB, TierSecondary)
	for _, lp := range g.derivedVariants(name) {
		if len(lp) >= 2 {
			add(lp, "", TierSecondary)
		}
	}
	expandTier(g.tierC, TierRare)

	return out
}

// derivedVariants produces extra local parts for hyphenated first names,
// multi-part surnames, and long names. These have no template form and so
// cannot be excluded by a failed-pattern entry.
func (g *Generator) derivedVariants(name *ParsedName) []string {
	f, la := name.FirstFold, name.LastFold
	var out []string

	if name.Hyphenated {
		noHyphen := strings.ReplaceAll(f, "-", "")
		dotted := strings.ReplaceAll(f, "-", ".")
		parts := strings.Split(f, "-")
		var initials strings.Builder
		for _, p := range parts {
			if p != "" {
				initials.WriteString(p[:1])
			}
		}
		bi := initials.String()
		out = append(out,
			noHyphen+"."+la,
			dotted+"."+la,
			bi+la,
			bi+"."+la,
			parts[0]+"."+la,
		)
	}

	if name.MultiPart {
		parts := strings.Fields(strings.ToLower(name.Last))
		final := lettersOnly(strings.ToLower(asciiFold(parts[len(parts)-1])))
		var nonParticle []string
		for _, p := range parts {
			if surnameParticles[p] {
				continue
			}
			if cleaned := lettersOnly(strings.ToLower(asciiFold(p))); cleaned != "" {
				nonParticle = append(nonParticle, cleaned)
			}
		}
		if final != "" {
			out = append(out, f+"."+final, name.FirstInit+final)
		}
		if len(nonParticle) > 0 {
			joined := strings.Join(nonParticle, "")
			out = append(out, f+"."+joined, name.FirstInit+joined)
		}
	}

	if len(f) > 6 || len(la) > 8 {
		out = append(out,
			truncate(f, 3)+"."+la,
			f+"."+truncate(la, 4),
			name.FirstInit+truncate(la, 6),
		)
	}

	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
