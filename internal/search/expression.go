package search

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern is the injection boundary for JSON path construction: only
// plain element names survive reduction, and only they are interpolated into
// jsonpath strings. Search values never pass through here.
var segmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// wellKnownPaths backs codes whose definitions carry no usable expression.
var wellKnownPaths = map[string][]string{
	"_tag":      {"meta", "tag"},
	"_profile":  {"meta", "profile"},
	"_security": {"meta", "security"},
	"_source":   {"meta", "source"},
}

// reduceExpression turns a FHIRPath-flavored expression into validated JSON
// path segments:
//
//   - the leading type (or Resource) prefix is stripped
//   - .where(...), .exists(...) and .first() calls are dropped
//   - of a union ("a | b") only the first alternative is kept
//   - ofType(T) and "as T" fold into the preceding element name: a polymorphic
//     element x with ofType(dateTime) becomes xDateTime
//
// The code's well-known path applies when the expression is empty.
func reduceExpression(expression, resourceType, code string) ([]string, error) {
	if expression == "" {
		if path, ok := wellKnownPaths[code]; ok {
			return path, nil
		}
		return nil, fmt.Errorf("search parameter %q has no expression", code)
	}

	// first union alternative only
	expr := strings.TrimSpace(strings.SplitN(expression, "|", 2)[0])

	// "x as T" folds like ofType
	if idx := strings.Index(expr, " as "); idx >= 0 {
		expr = expr[:idx] + ".ofType(" + strings.TrimSpace(expr[idx+4:]) + ")"
	}

	var segments []string
	for _, raw := range splitDots(expr) {
		seg := strings.TrimSpace(raw)
		switch {
		case seg == "":
			continue
		case strings.HasPrefix(seg, "where(") || strings.HasPrefix(seg, "exists(") || seg == "first()":
			continue
		case strings.HasPrefix(seg, "ofType(") && strings.HasSuffix(seg, ")"):
			t := seg[len("ofType(") : len(seg)-1]
			if len(segments) == 0 {
				return nil, fmt.Errorf("ofType without preceding element in %q", expression)
			}
			if !segmentPattern.MatchString(t) {
				return nil, fmt.Errorf("invalid type %q in %q", t, expression)
			}
			last := len(segments) - 1
			segments[last] = segments[last] + strings.ToUpper(t[:1]) + t[1:]
		default:
			if !segmentPattern.MatchString(seg) {
				return nil, fmt.Errorf("unsupported expression segment %q in %q", seg, expression)
			}
			segments = append(segments, seg)
		}
	}

	// strip the type prefix
	if len(segments) > 0 && (segments[0] == resourceType || segments[0] == "Resource") {
		segments = segments[1:]
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("expression %q reduced to nothing", expression)
	}
	return segments, nil
}

// splitDots splits on dots outside parentheses so function arguments survive
// intact.
func splitDots(expr string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '.':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

// jsonPath renders validated segments as a lax-mode jsonpath. Lax mode
// unwraps arrays automatically, so the same path serves scalar and repeating
// elements.
func jsonPath(segments []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range segments {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String()
}
