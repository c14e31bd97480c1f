package template

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/taskgraph/taskgraph/internal/schederr"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// resolveScope is the lookup context a placeholder resolves against:
// current node args (already resolved), upstream node args by node id, and
// a repo root for {{file:path}} reads (spec.md §4.4 rule 7).
type resolveScope struct {
	repoRoot     string
	currentArgs  map[string]any
	upstreamArgs map[string]map[string]any // node_id -> its resolved args
}

// resolveString resolves every placeholder occurrence in s, failing with a
// precise error on the first unresolved one.
func resolveString(s string, scope resolveScope) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := strings.TrimSpace(match[2 : len(match)-2])
		val, err := resolveOne(inner, scope)
		if err != nil {
			firstErr = err
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolveOne(expr string, scope resolveScope) (string, error) {
	switch {
	case strings.HasPrefix(expr, "file:"):
		path := strings.TrimPrefix(expr, "file:")
		full := path
		if !strings.HasPrefix(path, "/") {
			full = scope.repoRoot + "/" + path
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", schederr.Validation(fmt.Sprintf("placeholder {{file:%s}} could not be read: %v", path, err), err)
		}
		return string(data), nil
	case strings.Contains(expr, "."):
		parts := strings.SplitN(expr, ".", 2)
		nodeID, argKey := parts[0], parts[1]
		args, ok := scope.upstreamArgs[nodeID]
		if !ok {
			return "", schederr.Validation(fmt.Sprintf("placeholder {{%s}} references unknown upstream node %q", expr, nodeID), nil)
		}
		v, ok := args[argKey]
		if !ok {
			return "", schederr.Validation(fmt.Sprintf("placeholder {{%s}}: node %q has no arg %q", expr, nodeID, argKey), nil)
		}
		return fmt.Sprintf("%v", v), nil
	default:
		v, ok := scope.currentArgs[expr]
		if !ok {
			return "", schederr.Validation(fmt.Sprintf("placeholder {{%s}} is unresolved", expr), nil)
		}
		return fmt.Sprintf("%v", v), nil
	}
}

// resolveArgs resolves every string-valued arg (recursively through string
// slices) against scope, leaving non-string values untouched.
func resolveArgs(args map[string]any, scope resolveScope) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		resolved, err := resolveValue(v, scope)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, scope resolveScope) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case map[string]any:
		return resolveArgs(val, scope)
	default:
		return v, nil
	}
}
