// Package namekit provides contact name parsing, email template expansion,
// and deterministic candidate address generation.
package namekit

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Honorific prefixes stripped from the front of a raw name.
var stripPrefixes = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true,
	"prof": true, "sir": true, "dame": true,
}

// Generational and credential suffixes stripped from the end.
var stripSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "ph.d": true, "md": true, "m.d": true,
	"esq": true, "mba": true, "m.b.a": true, "cpa": true, "c.p.a": true,
}

// Surname particles that connect multi-part last names.
var surnameParticles = map[string]bool{
	"van": true, "von": true, "de": true, "del": true, "di": true,
	"la": true, "le": true, "el": true, "al": true, "bin": true,
}

// ParsedName is a contact name decomposed for template expansion.
type ParsedName struct {
	Full  string
	First string
	Last  string

	// ASCII-folded, lowercased forms used in local parts.
	FirstFold  string
	LastFold   string // letters only
	FirstInit  string
	LastInit   string
	Single     bool // no surname
	Hyphenated bool // hyphen in the first name
	MultiPart  bool // space in the surname
}

// ParseName decomposes a raw contact name. It strips honorific prefixes and
// suffixes, rewrites "Last, First" ordering, and ASCII-folds diacritics.
func ParseName(raw string) (*ParsedName, error) {
	n := strings.TrimSpace(raw)
	if n == "" {
		return nil, fmt.Errorf("empty name")
	}

	// "Smith, Jane" means surname first unless the comma introduces a
	// credential suffix ("Jane Smith, PhD").
	if idx := strings.Index(n, ","); idx >= 0 {
		head := strings.TrimSpace(n[:idx])
		tail := strings.TrimSpace(n[idx+1:])
		if head != "" && tail != "" && !stripSuffixes[normToken(tail)] {
			n = tail + " " + head
		} else if head != "" {
			n = head
		}
	}

	words := strings.Fields(n)
	for len(words) > 0 && stripPrefixes[normToken(words[0])] {
		words = words[1:]
	}
	for len(words) > 0 && stripSuffixes[normToken(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("name %q reduces to nothing after stripping", raw)
	}

	first := words[0]
	last := ""
	if len(words) > 1 {
		last = strings.Join(words[1:], " ")
	}

	firstFold := strings.ToLower(asciiFold(first))
	lastFold := ""
	lastInit := ""
	if last != "" {
		folded := strings.ToLower(asciiFold(last))
		lastFold = lettersOnly(folded)
		if folded != "" {
			lastInit = folded[:1]
		}
	}

	firstInit := ""
	if firstFold != "" {
		firstInit = firstFold[:1]
	}

	return &ParsedName{
		Full:       strings.TrimSpace(raw),
		First:      first,
		Last:       last,
		FirstFold:  firstFold,
		LastFold:   lastFold,
		FirstInit:  firstInit,
		LastInit:   lastInit,
		Single:     last == "",
		Hyphenated: strings.Contains(firstFold, "-"),
		MultiPart:  strings.Contains(last, " "),
	}, nil
}

// Expand substitutes the {first}, {last}, {f} and {l} placeholders in a
// template. It returns ok=false when the template needs a surname the name
// does not have, or when the result is too short to be a plausible local part.
func Expand(template string, name *ParsedName) (string, bool) {
	if name == nil {
		return "", false
	}
	if name.LastFold == "" &&
		(strings.Contains(template, "{last}") || strings.Contains(template, "{l}")) {
		return "", false
	}

	r := strings.NewReplacer(
		"{first}", name.FirstFold,
		"{last}", name.LastFold,
		"{f}", name.FirstInit,
		"{l}", name.LastInit,
	)
	lp := r.Replace(template)
	if len(lp) < 2 {
		return "", false
	}
	return lp, true
}

// normToken lowercases a word and drops trailing and inner-boundary periods
// so "Ph.D." matches "ph.d".
func normToken(w string) string {
	return strings.TrimRight(strings.ToLower(w), ".")
}

var foldTransformer = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// asciiFold strips diacritics and drops any remaining non-ASCII runes.
// A fold that removes everything returns the input unchanged.
func asciiFold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	for _, r := range folded {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
