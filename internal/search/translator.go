package search

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/platform/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/storage"
)

// Translator turns validated search parameters into predicate fragments for
// the storage engine. Values always travel as bind parameters; jsonpath
// strings are assembled only from identifier segments that passed the
// expression reducer.
type Translator struct {
	params *registry.SearchParams
	logger zerolog.Logger
}

func NewTranslator(params *registry.SearchParams, logger zerolog.Logger) *Translator {
	return &Translator{
		params: params,
		logger: logger.With().Str("component", "search").Logger(),
	}
}

// Translate builds the storage query for a type-level search. Unknown and
// disallowed codes are rejected rather than ignored; repeated parameters
// combine with AND.
func (t *Translator) Translate(resourceType string, version fhir.Version, values url.Values) (*storage.Query, error) {
	count, offset, err := ParsePaging(values.Get)
	if err != nil {
		return nil, err
	}

	b := &builder{}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		code, modifier := ParseModifier(name)
		if IsResultParam(code) {
			continue
		}

		for _, raw := range values[name] {
			if err := t.translateOne(b, resourceType, version, code, modifier, raw); err != nil {
				return nil, err
			}
		}
	}

	return &storage.Query{Where: b.where, Args: b.args, Count: count, Offset: offset}, nil
}

type builder struct {
	where []string
	args  []any
}

// add appends a fragment produced by fn, which receives the 1-based index of
// the first placeholder it may use.
func (b *builder) add(fragment string, args ...any) {
	b.where = append(b.where, fragment)
	b.args = append(b.args, args...)
}

// next returns the placeholder index for the next argument.
func (b *builder) next() int { return len(b.args) + 1 }

func (t *Translator) translateOne(b *builder, resourceType string, version fhir.Version, code string, modifier Modifier, raw string) error {
	switch code {
	case "_id":
		b.add(fmt.Sprintf("resource_id = $%d", b.next()), raw)
		return nil
	case "_lastUpdated":
		return lastUpdatedPredicate(b, raw)
	}

	def, ok := t.params.Definition(resourceType, version, code)
	if !ok {
		return fhir.E(fhir.KindInvalid, "unknown or disallowed search parameter %q for %s", code, resourceType)
	}

	segments, err := reduceExpression(def.Expression, resourceType, code)
	if err != nil {
		return fhir.Wrap(fhir.KindInvalid, err, "search parameter %q is not translatable", code)
	}
	path := jsonPath(segments)

	if modifier == ModifierMissing {
		return missingPredicate(b, path, code, raw)
	}

	switch def.Type {
	case registry.SearchParamString:
		return stringPredicate(b, path, modifier, raw)
	case registry.SearchParamToken:
		return tokenPredicate(b, path, modifier, raw)
	case registry.SearchParamDate:
		return datePredicate(b, path, code, raw)
	case registry.SearchParamNumber:
		return numberPredicate(b, path, code, raw)
	case registry.SearchParamQuantity:
		return quantityPredicate(b, path, code, raw)
	case registry.SearchParamReference:
		return referencePredicate(b, path, modifier, raw)
	case registry.SearchParamURI:
		return uriPredicate(b, path, modifier, raw)
	case registry.SearchParamComposite:
		return compositePredicate(b, path, def, resourceType, code, raw)
	default:
		return fhir.E(fhir.KindNotSupported, "search parameter type %q is not supported", def.Type)
	}
}

func lastUpdatedPredicate(b *builder, raw string) error {
	parsed := ParseValue(raw)
	lo, hi, err := dateRange(parsed.Value)
	if err != nil {
		return fhir.E(fhir.KindInvalid, "invalid _lastUpdated value %q", parsed.Value)
	}

	n := b.next()
	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		b.add(fmt.Sprintf("last_updated >= $%d", n), hi)
	case PrefixLt, PrefixEb:
		b.add(fmt.Sprintf("last_updated < $%d", n), lo)
	case PrefixGe:
		b.add(fmt.Sprintf("last_updated >= $%d", n), lo)
	case PrefixLe:
		b.add(fmt.Sprintf("last_updated < $%d", n), hi)
	case PrefixNe:
		b.add(fmt.Sprintf("NOT (last_updated >= $%d AND last_updated < $%d)", n, n+1), lo, hi)
	default: // eq, ap
		b.add(fmt.Sprintf("(last_updated >= $%d AND last_updated < $%d)", n, n+1), lo, hi)
	}
	return nil
}

func missingPredicate(b *builder, path, code, raw string) error {
	switch raw {
	case "true":
		b.add(fmt.Sprintf("NOT jsonb_path_exists(content, '%s')", path))
	case "false":
		b.add(fmt.Sprintf("jsonb_path_exists(content, '%s')", path))
	default:
		return fhir.E(fhir.KindInvalid, "%s:missing expects true or false, got %q", code, raw)
	}
	return nil
}

// stringPredicate matches any string value under the path: starts-with by
// default, whole-value with :exact, substring with :contains. Matching is
// case-insensitive except under :exact.
func stringPredicate(b *builder, path string, modifier Modifier, raw string) error {
	n := b.next()
	texts := fmt.Sprintf(
		`jsonb_array_elements_text(jsonb_path_query_array(content, '%s.** ? (@.type() == "string")'))`, path)

	switch modifier {
	case ModifierExact:
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE el.v = $%d)", texts, n), raw)
	case ModifierContains:
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE el.v ILIKE $%d)", texts, n), "%"+raw+"%")
	case "":
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE el.v ILIKE $%d)", texts, n), raw+"%")
	default:
		return fhir.E(fhir.KindInvalid, "modifier %q is not valid for string parameters", modifier)
	}
	return nil
}

// tokenPredicate matches codes, Codings, CodeableConcepts and Identifiers
// through one jsonpath filter with the system and value carried as jsonpath
// variables.
func tokenPredicate(b *builder, path string, modifier Modifier, raw string) error {
	if modifier != "" && modifier != ModifierNot {
		return fhir.E(fhir.KindInvalid, "modifier %q is not valid for token parameters", modifier)
	}

	system, value, hasSystem := splitToken(raw)

	var filter string
	vars := map[string]interface{}{}
	switch {
	case hasSystem && value == "":
		filter = `@."system" == $sys || exists(@."coding"[*] ? (@."system" == $sys))`
		vars["sys"] = system
	case hasSystem:
		filter = `(@."system" == $sys && (@."code" == $val || @."value" == $val)) ` +
			`|| exists(@."coding"[*] ? (@."system" == $sys && @."code" == $val))`
		vars["sys"] = system
		vars["val"] = value
	default:
		filter = `@ == $val || @."code" == $val || @."value" == $val ` +
			`|| exists(@."coding"[*] ? (@."code" == $val))`
		vars["val"] = value
	}

	fragment := fmt.Sprintf("jsonb_path_exists(content, '%s ? (%s)', $%d::jsonb)", path, filter, b.next())
	if modifier == ModifierNot {
		fragment = "NOT " + fragment
	}
	b.add(fragment, varsJSON(vars))
	return nil
}

// datePredicate compares ISO-8601 strings inside the document; their lexical
// order is their chronological order. Partial dates match by prefix.
func datePredicate(b *builder, path, code, raw string) error {
	parsed := ParseValue(raw)
	if _, _, err := dateRange(parsed.Value); err != nil {
		return fhir.E(fhir.KindInvalid, "invalid date value %q for %s", parsed.Value, code)
	}

	var filter string
	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		filter = `@ > $v`
	case PrefixLt, PrefixEb:
		filter = `@ < $v`
	case PrefixGe:
		filter = `@ >= $v`
	case PrefixLe:
		filter = `@ <= $v`
	case PrefixNe:
		filter = `!(@ starts with $v)`
	default: // eq, ap
		filter = `@ starts with $v`
	}

	b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (%s)', $%d::jsonb)", path, filter, b.next()),
		varsJSON(map[string]interface{}{"v": parsed.Value}))
	return nil
}

func numberPredicate(b *builder, path, code, raw string) error {
	parsed := ParseValue(raw)
	num, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return fhir.E(fhir.KindInvalid, "invalid number value %q for %s", parsed.Value, code)
	}

	filter := `@ ` + comparisonOp(parsed.Prefix) + ` $v`
	if parsed.Prefix == PrefixNe {
		filter = `@ != $v`
	}

	b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (%s)', $%d::jsonb)", path, filter, b.next()),
		varsJSON(map[string]interface{}{"v": num}))
	return nil
}

// quantityPredicate handles "value", "value|system|code" and "value||code"
// forms; the code leg also matches the human-readable unit.
func quantityPredicate(b *builder, path, code, raw string) error {
	parts := strings.Split(raw, "|")
	parsed := ParseValue(parts[0])
	num, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return fhir.E(fhir.KindInvalid, "invalid quantity value %q for %s", parts[0], code)
	}

	conj := []string{`@."value" ` + comparisonOp(parsed.Prefix) + ` $v`}
	vars := map[string]interface{}{"v": num}

	if len(parts) >= 2 && parts[1] != "" {
		conj = append(conj, `@."system" == $sys`)
		vars["sys"] = parts[1]
	}
	if len(parts) >= 3 && parts[2] != "" {
		conj = append(conj, `(@."code" == $c || @."unit" == $c)`)
		vars["c"] = parts[2]
	}

	b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (%s)', $%d::jsonb)",
		path, strings.Join(conj, " && "), b.next()), varsJSON(vars))
	return nil
}

// referencePredicate matches "Type/id" literals exactly, and bare ids against
// any target type. A type-qualifier modifier (":Patient") narrows a bare id.
func referencePredicate(b *builder, path string, modifier Modifier, raw string) error {
	value := raw
	if modifier != "" {
		m := string(modifier)
		if m[0] < 'A' || m[0] > 'Z' {
			return fhir.E(fhir.KindInvalid, "modifier %q is not valid for reference parameters", modifier)
		}
		value = m + "/" + raw
	}

	n := b.next()
	refs := fmt.Sprintf(
		`jsonb_array_elements_text(jsonb_path_query_array(content, '%s."reference"'))`, path)

	if strings.Contains(value, "/") {
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE el.v = $%d)", refs, n), value)
	} else {
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE el.v = $%d OR el.v LIKE '%%/' || $%d)",
			refs, n, n), value)
	}
	return nil
}

// uriPredicate matches exactly by default; :below matches stored URIs under
// the given prefix, :above matches stored URIs that prefix the given value.
func uriPredicate(b *builder, path string, modifier Modifier, raw string) error {
	n := b.next()
	switch modifier {
	case "":
		b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (@ == $v)', $%d::jsonb)", path, n),
			varsJSON(map[string]interface{}{"v": raw}))
	case ModifierBelow:
		b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (@ starts with $v)', $%d::jsonb)", path, n),
			varsJSON(map[string]interface{}{"v": raw}))
	case ModifierAbove:
		texts := fmt.Sprintf(
			`jsonb_array_elements_text(jsonb_path_query_array(content, '%s'))`, path)
		b.add(fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS el(v) WHERE $%d LIKE el.v || '%%')", texts, n), raw)
	default:
		return fhir.E(fhir.KindInvalid, "modifier %q is not valid for uri parameters", modifier)
	}
	return nil
}

// compositePredicate matches all components against the same element under
// the composite's base path.
func compositePredicate(b *builder, path string, def *registry.SearchParamDef, resourceType, code, raw string) error {
	values := strings.Split(raw, "$")
	if len(def.Components) == 0 || len(values) != len(def.Components) {
		return fhir.E(fhir.KindInvalid, "composite %s expects %d components, got %d",
			code, len(def.Components), len(values))
	}

	var conj []string
	vars := map[string]interface{}{}
	for i, comp := range def.Components {
		segments, err := reduceExpression(comp.Expression, resourceType, code)
		if err != nil {
			return fhir.Wrap(fhir.KindInvalid, err, "composite %s component %d is not translatable", code, i+1)
		}

		rel := "@"
		for _, seg := range segments {
			rel += `."` + seg + `"`
		}

		name := fmt.Sprintf("c%d", i)
		_, value, hasSystem := splitToken(values[i])
		if !hasSystem {
			value = values[i]
		}
		// ordered prefixes degrade to equality inside composites
		value = ParseValue(value).Value
		if num, err := strconv.ParseFloat(value, 64); err == nil {
			vars[name] = num
		} else {
			vars[name] = value
		}

		conj = append(conj, fmt.Sprintf(`(%s == $%s || exists(%s."coding"[*] ? (@."code" == $%s)) || %s."code" == $%s || %s."value" == $%s)`,
			rel, name, rel, name, rel, name, rel, name))
	}

	b.add(fmt.Sprintf("jsonb_path_exists(content, '%s ? (%s)', $%d::jsonb)",
		path, strings.Join(conj, " && "), b.next()), varsJSON(vars))
	return nil
}

func comparisonOp(p Prefix) string {
	switch p {
	case PrefixGt, PrefixSa:
		return ">"
	case PrefixLt, PrefixEb:
		return "<"
	case PrefixGe:
		return ">="
	case PrefixLe:
		return "<="
	case PrefixNe:
		return "!="
	default: // eq, ap
		return "=="
	}
}

// splitToken splits "system|code" forms. hasSystem is true only when a pipe
// is present.
func splitToken(raw string) (system, value string, hasSystem bool) {
	if idx := strings.Index(raw, "|"); idx >= 0 {
		return raw[:idx], raw[idx+1:], true
	}
	return "", raw, false
}

func varsJSON(vars map[string]interface{}) string {
	data, _ := json.Marshal(vars)
	return string(data)
}
