package taskgraph

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage canonicalizes a user-supplied language tag to the
// lowercased BCP-47 base ("en-US" and "EN" both become "en"). Task rows
// and OCR job payloads only ever carry normalized tags.
func NormalizeLanguage(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty language tag")
	}
	tag, err := language.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid language tag %q: %w", s, err)
	}
	base, _ := tag.Base()
	return strings.ToLower(base.String()), nil
}

// NormalizeLanguages canonicalizes and deduplicates a tag list, keeping
// first-seen order. Invalid tags are dropped with their error returned
// alongside the valid remainder.
func NormalizeLanguages(tags []string) ([]string, error) {
	var (
		out  []string
		seen = make(map[string]bool)
		errs []string
	)
	for _, raw := range tags {
		norm, err := NormalizeLanguage(raw)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("invalid language tags: %s", strings.Join(errs, "; "))
	}
	return out, nil
}
