// Package identifier normalizes and compares professional registration
// numbers. Registries render the same identifier many ways ("12345 MG",
// "12345/MG", "12345-MG", "12345"); matching tolerates the region suffix
// being present or absent but never matches across different numbers.
package identifier

import (
	"regexp"
	"sort"
	"strings"
)

var (
	nonDigits  = regexp.MustCompile(`\D`)
	regionTail = regexp.MustCompile(`^(.+?)(?:-|/|\s)([A-Z]{2})$`)
)

// Normalize converts a free-text registration value into a canonical
// (number, region) pair. The number is digits only; the region is a trailing
// two-letter code separated by "-", "/" or whitespace, upper-cased, or ""
// when absent. An empty number means the value carries no claim.
func Normalize(raw string) (number, region string) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ""
	}
	if m := regionTail.FindStringSubmatch(s); m != nil {
		return nonDigits.ReplaceAllString(m[1], ""), m[2]
	}
	return nonDigits.ReplaceAllString(s, ""), ""
}

// CandidateForms returns the acceptable string representations of raw:
// the bare number and, when a region is present, "number-REGION".
// Unparsable input yields nil.
func CandidateForms(raw string) []string {
	number, region := Normalize(raw)
	if number == "" {
		return nil
	}
	forms := []string{number}
	if region != "" {
		forms = append(forms, number+"-"+region)
	}
	return forms
}

// PoolForms runs CandidateForms over every value and collects the union.
// Lookups return several identifier kinds (primary and specialist numbers);
// all of them are pooled into one set before matching.
func PoolForms(values []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, v := range values {
		for _, f := range CandidateForms(v) {
			set[f] = struct{}{}
		}
	}
	return set
}

// SortedForms flattens a form set for logging.
func SortedForms(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Matches decides whether the expected identifier appears among the extracted
// values. The region is advisory and the number authoritative: "98675"
// matches "98675-MG" in either direction, while different numbers never
// match regardless of region. An expected value with no number never matches.
func Matches(expectedRaw string, extracted []string) bool {
	number, _ := Normalize(expectedRaw)
	if number == "" {
		return false
	}
	pool := PoolForms(extracted)
	for _, cand := range CandidateForms(expectedRaw) {
		if _, ok := pool[cand]; ok {
			return true
		}
	}
	// Bare-number fallback covers an expected region the registry omits.
	_, ok := pool[number]
	return ok
}
