// Package search translates FHIR search parameters into parameterized SQL
// predicates over stored JSONB content.
package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
)

// Prefix is a FHIR search prefix for ordered values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// Modifier is a FHIR search modifier appended to a parameter code.
type Modifier string

const (
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierMissing  Modifier = "missing"
)

// ParsedValue holds a search value with its extracted prefix.
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

// ParseValue extracts the prefix from a search value.
// "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
func ParseValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := Prefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ParseModifier splits a parameter name from its modifier.
// "name:exact" -> ("name", "exact"); "code" -> ("code", "").
func ParseModifier(paramName string) (string, Modifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], Modifier(parts[1])
	}
	return parts[0], ""
}

const (
	// DefaultCount is the page size when _count is absent.
	DefaultCount = 20
	// MaxCount caps _count.
	MaxCount = 1000
)

// resultParams are result-shaping codes that never translate to predicates.
// _sort, _include and friends are accepted and ignored.
var resultParams = map[string]bool{
	"_count":         true,
	"_offset":        true,
	"_sort":          true,
	"_include":       true,
	"_revinclude":    true,
	"_summary":       true,
	"_elements":      true,
	"_contained":     true,
	"_containedType": true,
	"_total":         true,
	"_format":        true,
}

// IsResultParam reports whether the code shapes results rather than filters.
func IsResultParam(code string) bool {
	return resultParams[code]
}

// ParsePaging extracts _count and _offset with defaults and clamping.
// _count=0 is a count-only request: no rows come back, the total still does.
func ParsePaging(get func(string) string) (count, offset int, err error) {
	count = DefaultCount
	if raw := get("_count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count < 0 {
			return 0, 0, fhir.E(fhir.KindInvalid, "_count must be a non-negative integer, got %q", raw)
		}
		if count > MaxCount {
			count = MaxCount
		}
	}

	if raw := get("_offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fhir.E(fhir.KindInvalid, "_offset must be a non-negative integer, got %q", raw)
		}
	}
	return count, offset, nil
}

// dateRange resolves a FHIR date value to the half-open interval it denotes.
// "2023" covers the year, "2023-05" the month, "2023-05-10" the day, and a
// full timestamp covers a single second.
func dateRange(value string) (time.Time, time.Time, error) {
	formats := []struct {
		layout string
		step   func(time.Time) time.Time
	}{
		{time.RFC3339, func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, f := range formats {
		if t, err := time.Parse(f.layout, value); err == nil {
			return t, f.step(t), nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unable to parse date %q", value)
}
