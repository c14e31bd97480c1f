package template

import (
	"fmt"
	"strconv"
	"time"

	"dario.cat/mergo"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

// resolveParams merges a template's declared defaults with caller-supplied
// params (CLI positional/named args and --set overrides), coercing each
// value to its declared type, then checks rule 8's entry preflight
// (spec.md §4.4: "Coercion ... typed-coerced per the template's declared
// param schema").
func resolveParams(doc *Doc, supplied map[string]any) (map[string]any, error) {
	defaults := map[string]any{}
	for name, spec := range doc.Params {
		if spec.Default != nil {
			defaults[name] = spec.Default
		}
	}

	merged := map[string]any{}
	if err := mergo.Merge(&merged, defaults); err != nil {
		return nil, schederr.Validation("merge template param defaults", err)
	}
	if err := mergo.Merge(&merged, supplied, mergo.WithOverride); err != nil {
		return nil, schederr.Validation("merge --set overrides onto template defaults", err)
	}

	coerced := make(map[string]any, len(merged))
	for name, raw := range merged {
		spec, declared := doc.Params[name]
		if !declared {
			coerced[name] = raw
			continue
		}
		val, err := coerceValue(raw, spec.Type)
		if err != nil {
			return nil, schederr.Validation(fmt.Sprintf("param %q: %v", name, err), nil)
		}
		coerced[name] = val
	}

	for name, spec := range doc.Params {
		if !spec.Required {
			continue
		}
		if _, ok := coerced[name]; !ok {
			return nil, schederr.Validation(fmt.Sprintf(
				"required param %q was not provided via positional/named args, template default, or --set", name), nil)
		}
	}

	return coerced, nil
}

// parseDuration parses human duration strings ("30s", "5m", "2h") for gate
// backoff config, via xhit/go-str2duration so values like "1d" also work
// (time.ParseDuration rejects day/week units).
func parseDuration(s string) (time.Duration, error) {
	return str2duration.ParseDuration(s)
}

func coerceValue(raw any, kind string) (any, error) {
	s, isString := raw.(string)
	switch kind {
	case "", "string":
		if isString {
			return s, nil
		}
		return fmt.Sprintf("%v", raw), nil
	case "int":
		if !isString {
			return raw, nil
		}
		return strconv.Atoi(s)
	case "bool":
		if !isString {
			return raw, nil
		}
		return strconv.ParseBool(s)
	case "duration":
		if !isString {
			return raw, nil
		}
		return str2duration.ParseDuration(s)
	default:
		return nil, fmt.Errorf("unknown param type %q", kind)
	}
}
